package transactions

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Query mode is a tagged variant of the attempt: once the body runs a
// query statement, the query engine owns the transaction's state and every
// subsequent KV operation is routed through it. The switch is one-way and
// happens under the attempt lock.

type queryState struct {
	executor QueryExecutor
	txID     string
}

func (c *AttemptContext) queryModeLocked() bool {
	return c.queryState != nil
}

// Query runs a query statement within the transaction, switching the
// attempt into query mode on first use.
func (c *AttemptContext) Query(statement string, options *QueryOptions) (*QueryResult, error) {
	var opts QueryOptions
	if options != nil {
		opts = *options
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.checkIfDone(); err != nil {
		return nil, c.cacheError(err)
	}
	if err := c.existingError(); err != nil {
		return nil, c.cacheError(err)
	}
	if !c.queryModeLocked() {
		if err := c.enterQueryMode(); err != nil {
			return nil, c.cacheError(err)
		}
	}
	res, err := c.runQuery(statement, opts)
	if err != nil {
		return nil, c.cacheError(c.handleQueryError(err))
	}
	return res, nil
}

// enterQueryMode hands the attempt's accumulated state to the query
// engine. Stores without the query capability cannot serve this at all.
func (c *AttemptContext) enterQueryMode() error {
	executor, ok := c.parent.store.(QueryExecutor)
	if !ok {
		return operationFailed(ErrorClassFailHard, ErrQueryNotSupported).noRollback()
	}
	txData, err := c.buildTxData()
	if err != nil {
		return operationFailed(ErrorClassFailOther, err)
	}
	res, err := executor.Query("BEGIN WORK", &QueryOptions{
		Adhoc:  true,
		TxData: txData,
	})
	if err != nil {
		return c.handleQueryError(err)
	}
	c.queryState = &queryState{
		executor: executor,
		txID:     res.TxID,
	}
	c.logger.Debug("attempt entered query mode")
	return nil
}

// buildTxData serializes the attempt state the query engine needs to
// adopt a KV-started transaction.
func (c *AttemptContext) buildTxData() (json.RawMessage, error) {
	type txDataMutation struct {
		Bucket     string          `json:"bkt"`
		Scope      string          `json:"scp"`
		Collection string          `json:"coll"`
		ID         string          `json:"id"`
		Cas        string          `json:"cas"`
		Type       string          `json:"type"`
		Staged     json.RawMessage `json:"staged,omitempty"`
	}
	type txData struct {
		ID struct {
			Transaction string `json:"txn"`
			Attempt     string `json:"atmpt"`
		} `json:"id"`
		State struct {
			TimeLeftMS int64 `json:"timeLeftMs"`
		} `json:"state"`
		Config struct {
			KvTimeoutMS     int64  `json:"kvTimeoutMs"`
			DurabilityLevel string `json:"durabilityLevel"`
			NumATRs         int    `json:"numAtrs"`
		} `json:"config"`
		ATR *struct {
			ID         string `json:"id"`
			Bucket     string `json:"bkt"`
			Scope      string `json:"scp"`
			Collection string `json:"coll"`
		} `json:"atr,omitempty"`
		Mutations []txDataMutation `json:"mutations"`
	}

	var data txData
	data.ID.Transaction = c.txnID
	data.ID.Attempt = c.attemptID
	data.State.TimeLeftMS = int64(c.deadline().Sub(c.clock.Now()) / 1000000)
	data.Config.KvTimeoutMS = c.kvTimeout.Milliseconds()
	data.Config.DurabilityLevel = durabilityLevelName(c.durability)
	data.Config.NumATRs = c.parent.config.Internal.NumATRs
	if c.atrID != "" {
		data.ATR = &struct {
			ID         string `json:"id"`
			Bucket     string `json:"bkt"`
			Scope      string `json:"scp"`
			Collection string `json:"coll"`
		}{
			ID:         c.atrID,
			Bucket:     c.atrCollection.BucketName(),
			Scope:      c.atrCollection.ScopeName(),
			Collection: c.atrCollection.Name(),
		}
	}
	data.Mutations = []txDataMutation{}
	for _, m := range c.stagedMutations.extract() {
		data.Mutations = append(data.Mutations, txDataMutation{
			Bucket:     m.collection.BucketName(),
			Scope:      m.collection.ScopeName(),
			Collection: m.collection.Name(),
			ID:         m.docID,
			Cas:        fmt.Sprintf("%d", m.cas),
			Type:       m.opType.String(),
			Staged:     m.content,
		})
	}
	return json.Marshal(data)
}

func durabilityLevelName(level DurabilityLevel) string {
	switch level {
	case DurabilityLevelNone:
		return "NONE"
	case DurabilityLevelMajority:
		return "MAJORITY"
	case DurabilityLevelMajorityAndPersistToActive:
		return "MAJORITY_AND_PERSIST_TO_ACTIVE"
	case DurabilityLevelPersistToMajority:
		return "PERSIST_TO_MAJORITY"
	}
	return "UNKNOWN"
}

func (c *AttemptContext) runQuery(statement string, opts QueryOptions) (*QueryResult, error) {
	opts.TxID = c.queryState.txID
	return c.queryState.executor.Query(statement, &opts)
}

func (c *AttemptContext) handleQueryError(err error) error {
	var txnErr *TransactionOperationFailedError
	if errors.As(err, &txnErr) {
		return txnErr
	}
	switch classifyError(err) {
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return operationFailed(ErrorClassFailExpiry, err).expired()
	case ErrorClassFailDocNotFound, ErrorClassFailDocAlreadyExists, ErrorClassFailCasMismatch:
		return operationFailed(classifyError(err), err)
	case ErrorClassFailTransient:
		return operationFailed(ErrorClassFailTransient, err).retry()
	case ErrorClassFailHard:
		return operationFailed(ErrorClassFailHard, err).noRollback()
	default:
		return operationFailed(classifyError(err), err)
	}
}

func (c *AttemptContext) keyspace(collection Collection) string {
	return fmt.Sprintf("default:`%s`.`%s`.`%s`",
		collection.BucketName(), collection.ScopeName(), collection.Name())
}

type queryGetRow struct {
	Scas    string          `json:"scas"`
	Doc     json.RawMessage `json:"doc"`
	TxnMeta json.RawMessage `json:"txnMeta,omitempty"`
}

// getQueryMode returns errors uncached; Get and GetOptional decide which
// of them poison the attempt.
func (c *AttemptContext) getQueryMode(collection Collection, id string) (*GetResult, error) {
	res, err := c.runQuery("EXECUTE __get", QueryOptions{
		PositionalParameters: []interface{}{c.keyspace(collection), id},
		Adhoc:                true,
	})
	if err != nil {
		return nil, c.handleQueryError(err)
	}
	var row queryGetRow
	if err := res.One(&row); err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil, operationFailed(ErrorClassFailDocNotFound, ErrDocumentNotFound)
		}
		return nil, c.handleQueryError(err)
	}
	cas, err := casFromScas(row.Scas)
	if err != nil {
		return nil, c.handleQueryError(err)
	}
	return &GetResult{
		collection: collection,
		docID:      id,
		cas:        cas,
		content:    row.Doc,
		txnMeta:    row.TxnMeta,
	}, nil
}

func (c *AttemptContext) insertQueryMode(collection Collection, id string, value json.RawMessage) (*GetResult, error) {
	res, err := c.runQuery("EXECUTE __insert", QueryOptions{
		PositionalParameters: []interface{}{c.keyspace(collection), id, value, json.RawMessage("{}")},
		Adhoc:                true,
	})
	if err != nil {
		return nil, c.cacheError(c.handleQueryError(err))
	}
	var row queryGetRow
	if err := res.One(&row); err != nil {
		return nil, c.cacheError(c.handleQueryError(err))
	}
	cas, err := casFromScas(row.Scas)
	if err != nil {
		return nil, c.cacheError(c.handleQueryError(err))
	}
	return &GetResult{
		collection: collection,
		docID:      id,
		cas:        cas,
		content:    value,
	}, nil
}

func (c *AttemptContext) replaceQueryMode(doc *GetResult, value json.RawMessage) (*GetResult, error) {
	txdata := map[string]interface{}{
		"kv":   true,
		"scas": scasFromCas(doc.cas),
	}
	if len(doc.txnMeta) > 0 {
		txdata["txnMeta"] = doc.txnMeta
	}
	b, err := json.Marshal(txdata)
	if err != nil {
		return nil, err
	}
	res, err := c.runQuery("EXECUTE __update", QueryOptions{
		PositionalParameters: []interface{}{c.keyspace(doc.collection), doc.docID, value, json.RawMessage("{}")},
		Adhoc:                true,
		TxData:               b,
	})
	if err != nil {
		return nil, c.cacheError(c.handleQueryError(err))
	}
	var row queryGetRow
	if err := res.One(&row); err != nil {
		return nil, c.cacheError(c.handleQueryError(err))
	}
	cas, err := casFromScas(row.Scas)
	if err != nil {
		return nil, c.cacheError(c.handleQueryError(err))
	}
	return &GetResult{
		collection: doc.collection,
		docID:      doc.docID,
		cas:        cas,
		content:    row.Doc,
	}, nil
}

func (c *AttemptContext) removeQueryMode(doc *GetResult) error {
	txdata := map[string]interface{}{
		"kv":   true,
		"scas": scasFromCas(doc.cas),
	}
	b, err := json.Marshal(txdata)
	if err != nil {
		return err
	}
	_, err = c.runQuery("EXECUTE __delete", QueryOptions{
		PositionalParameters: []interface{}{c.keyspace(doc.collection), doc.docID, json.RawMessage("{}")},
		Adhoc:                true,
		TxData:               b,
	})
	if err != nil {
		return c.cacheError(c.handleQueryError(err))
	}
	return nil
}

func (c *AttemptContext) commitQueryMode() error {
	if err := c.existingError(); err != nil {
		return c.cacheError(err)
	}
	_, err := c.runQuery("COMMIT", QueryOptions{Adhoc: true})
	if err != nil {
		c.isDone = true
		qErr := c.handleQueryError(err)
		var txnErr *TransactionOperationFailedError
		if errors.As(qErr, &txnErr) && txnErr.ErrorClass() == ErrorClassFailAmbiguous {
			return c.cacheError(txnErr.ambiguous())
		}
		return c.cacheError(qErr)
	}
	c.isDone = true
	c.state = AttemptStateCompleted
	c.unstagingComplete = true
	return nil
}

func (c *AttemptContext) rollbackQueryMode() error {
	if c.isDone {
		return c.cacheError(operationFailed(ErrorClassFailOther, ErrIllegalState).noRollback())
	}
	_, err := c.runQuery("ROLLBACK", QueryOptions{Adhoc: true})
	c.isDone = true
	if err != nil {
		return c.cacheError(c.handleQueryError(err))
	}
	c.state = AttemptStateRolledBack
	return nil
}

// scasFromCas renders a CAS the way the query engine's "scas" field
// expects it.
func scasFromCas(cas Cas) string {
	return fmt.Sprintf("%d", uint64(cas))
}

func casFromScas(scas string) (Cas, error) {
	var v uint64
	if _, err := fmt.Sscanf(scas, "%d", &v); err != nil {
		return 0, err
	}
	return Cas(v), nil
}
