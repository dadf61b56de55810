// Copyright 2021 Couchbase
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transactions

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage names used in expiry checks and log lines.
const (
	stageGet                = "get"
	stageInsert             = "insert"
	stageReplace            = "replace"
	stageRemove             = "remove"
	stageBeforeCommit       = "commit"
	stageAtrPending         = "atrPending"
	stageAtrCommit          = "atrCommit"
	stageAtrCommitAmbiguity = "atrCommitAmbiguityResolution"
	stageAtrComplete        = "atrComplete"
	stageAtrAbort           = "atrAbort"
	stageAtrRollback        = "atrRollbackComplete"
	stageRollback           = "rollback"
	stageCommitDoc          = "commitDoc"
	stageRemoveDoc          = "removeDoc"
	stageRollbackDoc        = "rollbackDoc"
	stageDeleteInserted     = "deleteInserted"
	stageCreateStagedInsert = "createdStagedInsert"
	stageRemoveStagedInsert = "removeStagedInsert"
)

// AttemptContext represents a single attempt to execute a transaction.
// All operations on one attempt execute serially: the context's lock is
// held across each operation, satisfying the engine's per-attempt
// serial-execution contract regardless of which goroutine calls in.
type AttemptContext struct {
	parent *Transactions

	txnID     string
	attemptID string

	state             AttemptState
	unstagingComplete bool

	durability DurabilityLevel
	expiration time.Duration
	kvTimeout  time.Duration

	txnStartTime time.Time

	atrID         string
	atrCollection Collection

	stagedMutations *stagedMutationQueue

	expiryOvertimeMode bool
	isDone             bool
	previousErrors     []*TransactionOperationFailedError

	hooks  TransactionHooks
	clock  Clock
	logger *zap.Logger

	lock sync.Mutex

	// Set when the attempt has switched into query mode; all further KV
	// operations dispatch through the query engine.
	queryState *queryState
}

// ID returns the attempt's UUID.
func (c *AttemptContext) ID() string {
	return c.attemptID
}

// TransactionID returns the owning transaction's UUID.
func (c *AttemptContext) TransactionID() string {
	return c.txnID
}

// Internal is used for internal dealings.
// Internal: This should never be used and is not supported.
func (c *AttemptContext) Internal() *InternalAttemptContext {
	return &InternalAttemptContext{ac: c}
}

// InternalAttemptContext is used for internal dealings.
// Internal: This should never be used and is not supported.
type InternalAttemptContext struct {
	ac *AttemptContext
}

// IsExpired reports whether the attempt has passed its deadline.
func (iac *InternalAttemptContext) IsExpired() bool {
	return iac.ac.hasExpiredClientSide(stageGet, "")
}

// State returns the attempt's current state.
func (iac *InternalAttemptContext) State() AttemptState {
	iac.ac.lock.Lock()
	defer iac.ac.lock.Unlock()
	return iac.ac.state
}

func (c *AttemptContext) deadline() time.Time {
	return c.txnStartTime.Add(c.expiration)
}

func (c *AttemptContext) existingError() error {
	if len(c.previousErrors) > 0 {
		return operationFailed(ErrorClassFailOther, ErrPreviousOperationFailed)
	}
	return nil
}

func (c *AttemptContext) checkIfDone() error {
	if c.isDone {
		return operationFailed(ErrorClassFailOther, ErrIllegalState).noRollback()
	}
	return nil
}

// cacheError records a failed operation so later operations on the same
// attempt short-circuit with ErrPreviousOperationFailed.
func (c *AttemptContext) cacheError(err error) error {
	if err == nil {
		return nil
	}
	var txnErr *TransactionOperationFailedError
	if errors.As(err, &txnErr) {
		c.previousErrors = append(c.previousErrors, txnErr)
	}
	return err
}

func (c *AttemptContext) hasExpiredClientSide(stage, docID string) bool {
	expired := c.clock.Now().After(c.deadline())
	hookExpired, _ := c.hooks.HasExpiredClientSideHook(c, stage, docID)
	if expired {
		c.logger.Debug("attempt expired",
			zap.String("attempt", c.attemptID), zap.String("stage", stage))
	}
	if hookExpired {
		c.logger.Debug("fake expiry injected",
			zap.String("attempt", c.attemptID), zap.String("stage", stage))
	}
	return expired || hookExpired
}

// checkExpiryPreCommit enters expiry-overtime mode on expiry: one attempt
// will be made to roll back, ignoring further expiries, bailing out if
// anything fails.
func (c *AttemptContext) checkExpiryPreCommit(stage, docID string) error {
	if c.hasExpiredClientSide(stage, docID) {
		c.expiryOvertimeMode = true
		return ErrAttemptExpired
	}
	return nil
}

func (c *AttemptContext) errorIfExpiredAndNotInOvertime(stage, docID string) error {
	if c.expiryOvertimeMode {
		return nil
	}
	if c.hasExpiredClientSide(stage, docID) {
		return ErrAttemptExpired
	}
	return nil
}

// checkExpiryDuringCommitOrRollback does not fail the step; past the
// commit point expiry only flips the attempt into overtime so the step
// gets one chance to finish.
func (c *AttemptContext) checkExpiryDuringCommitOrRollback(stage, docID string) {
	if c.expiryOvertimeMode {
		return
	}
	if c.hasExpiredClientSide(stage, docID) {
		c.logger.Debug("expired during commit or rollback, entering overtime",
			zap.String("attempt", c.attemptID), zap.String("stage", stage))
		c.expiryOvertimeMode = true
	}
}

func (c *AttemptContext) mutateOpts(cas Cas) *MutateInOptions {
	return &MutateInOptions{
		Cas:        cas,
		Durability: c.durability,
		Timeout:    c.kvTimeout,
	}
}

func (c *AttemptContext) timeouts() timeoutOpts {
	return timeoutOpts{kvTimeout: c.kvTimeout}
}

// GetOptional will attempt to fetch a document, and return nil if it does
// not exist.
func (c *AttemptContext) GetOptional(collection Collection, id string) (*GetResult, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.queryModeLocked() {
		res, err := c.getQueryMode(collection, id)
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				return nil, nil
			}
			return nil, c.cacheError(err)
		}
		return res, nil
	}
	return c.get(collection, id)
}

// Get will attempt to fetch a document, and fail the transaction if it
// does not exist.
func (c *AttemptContext) Get(collection Collection, id string) (*GetResult, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.queryModeLocked() {
		res, err := c.getQueryMode(collection, id)
		if err != nil {
			return nil, c.cacheError(err)
		}
		return res, nil
	}
	res, err := c.get(collection, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		c.logger.Error("document not found", zap.String("id", id))
		return nil, c.cacheError(operationFailed(ErrorClassFailDocNotFound, ErrDocumentNotFound))
	}
	return res, nil
}

// get returns the effective value of a document for this attempt, or
// (nil, nil) when the document is logically absent.
func (c *AttemptContext) get(collection Collection, id string) (*GetResult, error) {
	res, err := c.doGet(collection, id)
	if err != nil {
		return nil, c.cacheError(err)
	}
	if hookErr := c.hooks.AfterGetComplete(c, id); hookErr != nil {
		return nil, c.cacheError(operationFailed(classifyError(hookErr), hookErr))
	}
	if res != nil {
		if fcErr := checkForwardCompat(forwardCompatStageGets, res.links.forwardCompat, c.clock); fcErr != nil {
			return nil, c.cacheError(fcErr)
		}
	}
	return res, nil
}

func (c *AttemptContext) doGet(collection Collection, id string) (*GetResult, error) {
	if err := c.checkIfDone(); err != nil {
		return nil, err
	}
	if err := c.existingError(); err != nil {
		return nil, err
	}
	if err := c.checkExpiryPreCommit(stageGet, id); err != nil {
		return nil, operationFailed(ErrorClassFailExpiry, err).expired()
	}

	// Read-your-own-writes comes straight from the staged log.
	if own := c.stagedMutations.find(collection, id); own != nil {
		if own.opType == stagedMutationRemove {
			c.logger.Debug("found own staged remove", zap.String("id", id))
			return nil, nil
		}
		c.logger.Debug("found own staged write", zap.String("id", id))
		return &GetResult{
			collection: collection,
			docID:      id,
			cas:        own.cas,
			content:    own.content,
		}, nil
	}

	if hookErr := c.hooks.BeforeDocGet(c, id); hookErr != nil {
		return nil, c.classifyGetError(hookErr, id)
	}

	doc, err := c.getDoc(collection, id)
	if err != nil {
		return nil, c.classifyGetError(err, id)
	}
	if doc == nil {
		return nil, nil
	}

	if !doc.links.hasStagedWrite() {
		if doc.tombstone {
			// A tombstone outside any transaction is simply absent.
			return nil, nil
		}
		return doc, nil
	}

	// The document is staged. If the stage is ours, the staged content is
	// the effective value; this is a backup for the staged-log check above.
	if doc.links.attemptID == c.attemptID {
		if doc.links.isDocumentBeingRemoved() {
			return nil, nil
		}
		doc.content = doc.links.stagedContent
		return doc, nil
	}

	// Staged by a different attempt: consult its ATR entry to decide which
	// side of the stage is visible.
	entry, atrErr := c.readBlockingATREntry(doc)
	if atrErr != nil || entry == nil {
		// Can't determine the owner's fate. The pre-txn body is still the
		// effective value; an empty body means an in-flight insert which
		// must stay invisible.
		if len(doc.content) == 0 || doc.tombstone {
			return nil, nil
		}
		return doc, nil
	}

	if fcErr := checkForwardCompat(forwardCompatStageGetsReadingATR, entry.forwardCompat, c.clock); fcErr != nil {
		return nil, fcErr
	}

	switch entry.state {
	case AttemptStateCommitted, AttemptStateCompleted:
		if doc.links.isDocumentBeingRemoved() {
			return nil, nil
		}
		doc.content = doc.links.stagedContent
		return doc, nil
	default:
		if len(doc.content) == 0 || doc.tombstone {
			// Being inserted; not yet visible.
			return nil, nil
		}
		return doc, nil
	}
}

func (c *AttemptContext) readBlockingATREntry(doc *GetResult) (*atrEntry, error) {
	if doc.links.atrID == "" || doc.links.atrBucketName == "" {
		return nil, ErrAtrNotFound
	}
	coll, err := c.parent.store.Collection(doc.links.atrBucketName, doc.links.atrScopeName, doc.links.atrCollName)
	if err != nil {
		return nil, err
	}
	return readATREntry(coll, doc.links.atrID, doc.links.attemptID, c.timeouts())
}

func (c *AttemptContext) classifyGetError(err error, id string) error {
	switch classifyError(err) {
	case ErrorClassFailExpiry:
		return operationFailed(ErrorClassFailExpiry, err).expired()
	case ErrorClassFailDocNotFound:
		return nil
	case ErrorClassFailTransient:
		return operationFailed(ErrorClassFailTransient, err).retry()
	case ErrorClassFailHard:
		return operationFailed(ErrorClassFailHard, err).noRollback()
	default:
		return operationFailed(ErrorClassFailOther, err)
	}
}

// getDoc performs the raw sub-document fetch of a document's body, txn
// xattr and metadata, mapping absence to (nil, nil).
func (c *AttemptContext) getDoc(collection Collection, id string) (*GetResult, error) {
	doc, err := fetchDocWithLinks(collection, id, c.kvTimeout)
	if err != nil {
		if classifyError(err) == ErrorClassFailDocNotFound {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// Insert will insert a new document, failing if the document already
// exists.
func (c *AttemptContext) Insert(collection Collection, id string, value interface{}) (*GetResult, error) {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.queryModeLocked() {
		return c.insertQueryMode(collection, id, valueBytes)
	}
	return c.insert(collection, id, valueBytes)
}

func (c *AttemptContext) insert(collection Collection, id string, value json.RawMessage) (*GetResult, error) {
	if err := c.checkIfDone(); err != nil {
		return nil, c.cacheError(err)
	}
	if err := c.existingError(); err != nil {
		return nil, c.cacheError(err)
	}

	// A remove staged earlier in this attempt consolidates with the insert
	// into a replace of the original document.
	if own := c.stagedMutations.find(collection, id); own != nil {
		if own.opType != stagedMutationRemove {
			return nil, c.cacheError(operationFailed(ErrorClassFailDocAlreadyExists,
				ErrDocAlreadyInTransaction))
		}
		doc := &GetResult{collection: collection, docID: id, cas: own.cas}
		return c.replaceStaged(doc, value, stagedMutationInsert)
	}

	if err := c.checkExpiryPreCommit(stageInsert, id); err != nil {
		return nil, c.cacheError(operationFailed(ErrorClassFailExpiry, err).expired())
	}
	if err := c.selectAtrIfNeeded(collection, id); err != nil {
		return nil, c.cacheError(err)
	}
	if err := c.setATRPendingIfFirstMutation(collection); err != nil {
		return nil, c.cacheError(err)
	}

	var cas Cas
	var out *GetResult
	err := retryOp(func() error {
		var opErr error
		out, opErr = c.createStagedInsert(collection, id, value, &cas)
		return opErr
	})
	if err != nil {
		return nil, c.cacheError(err)
	}
	return out, nil
}

// createStagedInsert writes the staged insert as a tombstone carrying only
// the txn xattr. cas carries the retry state across invocations: zero
// means "the document must not exist", non-zero overwrites a tombstone or
// an expired foreign stage.
func (c *AttemptContext) createStagedInsert(collection Collection, id string, value json.RawMessage, cas *Cas) (*GetResult, error) {
	if err := c.errorIfExpiredAndNotInOvertime(stageCreateStagedInsert, id); err != nil {
		c.expiryOvertimeMode = true
		return nil, operationFailed(ErrorClassFailExpiry, err).expired()
	}
	if hookErr := c.hooks.BeforeStagedInsert(c, id); hookErr != nil {
		return nil, c.classifyStagedInsertError(hookErr, collection, id, cas)
	}

	specs := c.stageSpecs(collection, stagedMutationInsert, value, nil)
	opts := c.mutateOpts(*cas)
	opts.AccessDeleted = true
	opts.CreateAsDeleted = true
	if *cas == 0 {
		opts.StoreSemantics = StoreSemanticsInsert
	}

	res, err := collection.MutateIn(id, specs, opts)
	if err != nil {
		return nil, c.classifyStagedInsertError(err, collection, id, cas)
	}
	if hookErr := c.hooks.AfterStagedInsertComplete(c, id); hookErr != nil {
		return nil, c.classifyStagedInsertError(hookErr, collection, id, cas)
	}

	c.logger.Debug("staged insert", zap.String("id", id), zap.Uint64("cas", uint64(res.Cas)))

	out := &GetResult{
		collection: collection,
		docID:      id,
		cas:        res.Cas,
		content:    value,
		links: txnLinks{
			atrID:         c.atrID,
			atrBucketName: c.atrCollection.BucketName(),
			atrScopeName:  c.atrCollection.ScopeName(),
			atrCollName:   c.atrCollection.Name(),
			transactionID: c.txnID,
			attemptID:     c.attemptID,
			stagedContent: value,
			op:            "insert",
			isDeleted:     true,
		},
	}
	c.stagedMutations.add(&stagedMutation{
		opType:     stagedMutationInsert,
		collection: collection,
		docID:      id,
		content:    value,
		cas:        res.Cas,
		tombstone:  true,
	})
	if err := c.appendDocRecord(atrFieldDocsInserted, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AttemptContext) classifyStagedInsertError(err error, collection Collection, id string, cas *Cas) error {
	if c.expiryOvertimeMode {
		return operationFailed(ErrorClassFailExpiry, ErrAttemptExpired).expired()
	}
	switch classifyError(err) {
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return operationFailed(ErrorClassFailExpiry, err).expired()
	case ErrorClassFailTransient:
		return operationFailed(ErrorClassFailTransient, err).retry()
	case ErrorClassFailAmbiguous:
		return errRetryOperation
	case ErrorClassFailDocAlreadyExists, ErrorClassFailCasMismatch:
		return c.handleInsertExisting(err, collection, id, cas)
	case ErrorClassFailHard:
		return operationFailed(ErrorClassFailHard, err).noRollback()
	default:
		return operationFailed(ErrorClassFailOther, err)
	}
}

// handleInsertExisting decides whether a staged insert may proceed over
// whatever already occupies the key: a bare tombstone may always be
// overwritten, as may another attempt's staged insert once its ATR entry
// stops blocking us. Anything else is a genuine conflict.
func (c *AttemptContext) handleInsertExisting(origErr error, collection Collection, id string, cas *Cas) error {
	if hookErr := c.hooks.BeforeGetDocInExistsDuringStagedInsert(c, id); hookErr != nil {
		return operationFailed(classifyError(hookErr), hookErr)
	}
	doc, err := c.getDoc(collection, id)
	if err != nil {
		switch classifyError(err) {
		case ErrorClassFailTransient, ErrorClassFailPathNotFound:
			return operationFailed(classifyError(err), err).retry()
		default:
			return operationFailed(ErrorClassFailOther, err)
		}
	}
	if doc == nil {
		// The doc vanished between the failed write and the read.
		return operationFailed(ErrorClassFailDocNotFound, ErrDocumentNotFound).retry()
	}

	if fcErr := checkForwardCompat(forwardCompatStageWWCInsertingGet, doc.links.forwardCompat, c.clock); fcErr != nil {
		return fcErr
	}

	if !doc.links.hasStagedWrite() {
		if doc.tombstone {
			*cas = doc.cas
			return errRetryOperation
		}
		return operationFailed(ErrorClassFailDocAlreadyExists, ErrDocumentExists)
	}

	// Only another staged insert is eligible for overwrite; a staged
	// replace or remove means a live document exists beneath the stage.
	if doc.links.op != "insert" {
		return operationFailed(ErrorClassFailDocAlreadyExists, ErrDocumentExists)
	}

	if doc.links.transactionID == c.txnID {
		// Our own previous, likely ambiguous, staged insert: resume it.
		*cas = doc.cas
		return errRetryOperation
	}

	if err := c.checkAndHandleBlockingTransactions(doc, forwardCompatStageWWCInserting); err != nil {
		return err
	}
	*cas = doc.cas
	return errRetryOperation
}

// Replace will replace the contents of a document, failing if the document
// does not already exist.
func (c *AttemptContext) Replace(doc *GetResult, value interface{}) (*GetResult, error) {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.queryModeLocked() {
		return c.replaceQueryMode(doc, valueBytes)
	}
	return c.replace(doc, valueBytes)
}

func (c *AttemptContext) replace(doc *GetResult, value json.RawMessage) (*GetResult, error) {
	if err := c.checkIfDone(); err != nil {
		return nil, c.cacheError(err)
	}
	if err := c.existingError(); err != nil {
		return nil, c.cacheError(err)
	}
	if err := c.checkExpiryPreCommit(stageReplace, doc.docID); err != nil {
		return nil, c.cacheError(operationFailed(ErrorClassFailExpiry, err).expired())
	}
	if err := c.selectAtrIfNeeded(doc.collection, doc.docID); err != nil {
		return nil, c.cacheError(err)
	}
	if err := c.checkAndHandleBlockingTransactions(doc, forwardCompatStageWWCReplacing); err != nil {
		return nil, c.cacheError(err)
	}
	if err := c.setATRPendingIfFirstMutation(doc.collection); err != nil {
		return nil, c.cacheError(err)
	}
	out, err := c.replaceStaged(doc, value, stagedMutationReplace)
	if err != nil {
		return nil, c.cacheError(err)
	}
	return out, nil
}

// replaceStaged writes a staged replace over doc. kind is the operation
// recorded in the staged-mutation log for the write (a plain replace, or an
// insert over the attempt's own remove, which also stages as a replace on
// the wire); failures are classified the same way for both.
func (c *AttemptContext) replaceStaged(doc *GetResult, value json.RawMessage, kind stagedMutationType) (*GetResult, error) {
	if hookErr := c.hooks.BeforeStagedReplace(c, doc.docID); hookErr != nil {
		return nil, c.classifyStageError(hookErr)
	}

	specs := c.stageSpecs(doc.collection, stagedMutationReplace, value, doc.metadata)
	opts := c.mutateOpts(doc.cas)
	opts.AccessDeleted = doc.links.isDeleted

	res, err := doc.collection.MutateIn(doc.docID, specs, opts)
	if err != nil {
		return nil, c.classifyStageError(err)
	}
	if hookErr := c.hooks.AfterStagedReplaceComplete(c, doc.docID); hookErr != nil {
		return nil, c.classifyStageError(hookErr)
	}

	c.logger.Debug("staged replace", zap.String("id", doc.docID), zap.Uint64("cas", uint64(res.Cas)))

	out := &GetResult{
		collection: doc.collection,
		docID:      doc.docID,
		cas:        res.Cas,
		content:    value,
		metadata:   doc.metadata,
	}
	// For insert-over-own-remove the log's consolidation rules turn the
	// remove entry into a replace on their own.
	c.stagedMutations.add(&stagedMutation{
		opType:     kind,
		collection: doc.collection,
		docID:      doc.docID,
		content:    value,
		cas:        res.Cas,
	})
	if err := c.appendDocRecord(atrFieldDocsReplaced, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AttemptContext) classifyStageError(err error) error {
	switch classifyError(err) {
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return operationFailed(ErrorClassFailExpiry, err).expired()
	case ErrorClassFailDocNotFound,
		ErrorClassFailDocAlreadyExists,
		ErrorClassFailCasMismatch,
		ErrorClassFailTransient,
		ErrorClassFailAmbiguous:
		return operationFailed(classifyError(err), err).retry()
	case ErrorClassFailHard:
		return operationFailed(ErrorClassFailHard, err).noRollback()
	default:
		return operationFailed(classifyError(err), err)
	}
}

// Remove will delete a document.
func (c *AttemptContext) Remove(doc *GetResult) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.queryModeLocked() {
		return c.removeQueryMode(doc)
	}
	return c.remove(doc)
}

func (c *AttemptContext) remove(doc *GetResult) error {
	if err := c.checkIfDone(); err != nil {
		return c.cacheError(err)
	}
	if err := c.existingError(); err != nil {
		return c.cacheError(err)
	}
	if err := c.checkExpiryPreCommit(stageRemove, doc.docID); err != nil {
		return c.cacheError(operationFailed(ErrorClassFailExpiry, err).expired())
	}

	// Removing a document inserted by this attempt erases the staged
	// insert entirely; nothing was ever visible.
	if own := c.stagedMutations.findType(doc.collection, doc.docID, stagedMutationInsert); own != nil {
		if err := c.removeStagedInsert(own); err != nil {
			return c.cacheError(err)
		}
		return nil
	}

	if err := c.checkAndHandleBlockingTransactions(doc, forwardCompatStageWWCRemoving); err != nil {
		return c.cacheError(err)
	}
	if err := c.selectAtrIfNeeded(doc.collection, doc.docID); err != nil {
		return c.cacheError(err)
	}
	if err := c.setATRPendingIfFirstMutation(doc.collection); err != nil {
		return c.cacheError(err)
	}

	if hookErr := c.hooks.BeforeStagedRemove(c, doc.docID); hookErr != nil {
		return c.cacheError(c.classifyStageError(hookErr))
	}

	specs := c.stageSpecs(doc.collection, stagedMutationRemove, nil, doc.metadata)
	opts := c.mutateOpts(doc.cas)
	opts.AccessDeleted = doc.links.isDeleted

	res, err := doc.collection.MutateIn(doc.docID, specs, opts)
	if err != nil {
		return c.cacheError(c.classifyStageError(err))
	}
	if hookErr := c.hooks.AfterStagedRemoveComplete(c, doc.docID); hookErr != nil {
		return c.cacheError(c.classifyStageError(hookErr))
	}

	c.logger.Debug("staged remove", zap.String("id", doc.docID), zap.Uint64("cas", uint64(res.Cas)))

	c.stagedMutations.add(&stagedMutation{
		opType:     stagedMutationRemove,
		collection: doc.collection,
		docID:      doc.docID,
		cas:        res.Cas,
	})
	out := &GetResult{collection: doc.collection, docID: doc.docID}
	if err := c.appendDocRecord(atrFieldDocsRemoved, out); err != nil {
		return c.cacheError(err)
	}
	return nil
}

// removeStagedInsert strips the txn xattr from a staged-insert tombstone,
// leaving a bare tombstone, and drops the log entry, making
// remove-after-insert a logical no-op.
func (c *AttemptContext) removeStagedInsert(own *stagedMutation) error {
	if err := c.errorIfExpiredAndNotInOvertime(stageRemoveStagedInsert, own.docID); err != nil {
		return operationFailed(ErrorClassFailExpiry, err).expired()
	}
	if hookErr := c.hooks.BeforeRemoveStagedInsert(c, own.docID); hookErr != nil {
		return c.classifyStageError(hookErr)
	}
	opts := c.mutateOpts(own.cas)
	opts.AccessDeleted = true
	_, err := own.collection.MutateIn(own.docID, []MutateInSpec{
		{Op: MutateInOpRemovePath, Path: transactionInterfacePrefixOnly, Xattr: true},
	}, opts)
	if err != nil {
		return c.classifyStageError(err)
	}
	if hookErr := c.hooks.AfterRemoveStagedInsert(c, own.docID); hookErr != nil {
		return c.classifyStageError(hookErr)
	}
	c.stagedMutations.add(&stagedMutation{
		opType:     stagedMutationRemove,
		collection: own.collection,
		docID:      own.docID,
	})
	return nil
}

// stageSpecs builds the sub-document specs that write the txn xattr for a
// staged mutation.
func (c *AttemptContext) stageSpecs(collection Collection, opType stagedMutationType, value json.RawMessage, meta *docMetadata) []MutateInSpec {
	specs := []MutateInSpec{
		{Op: MutateInOpUpsertPath, Path: xattrTransactionID, Value: jsonMarshalMust(c.txnID), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: xattrAttemptID, Value: jsonMarshalMust(c.attemptID), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: xattrAtrID, Value: jsonMarshalMust(c.atrID), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: xattrAtrBucket, Value: jsonMarshalMust(c.atrCollection.BucketName()), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: xattrAtrScope, Value: jsonMarshalMust(c.atrCollection.ScopeName()), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: xattrAtrCollection, Value: jsonMarshalMust(c.atrCollection.Name()), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: xattrOpType, Value: jsonMarshalMust(opType.String()), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: xattrCRC32, Value: jsonMarshalMust(ValueCRC32CMacro), Xattr: true, CreatePath: true, ExpandMacros: true},
	}
	if opType != stagedMutationRemove {
		specs = append(specs, MutateInSpec{
			Op: MutateInOpUpsertPath, Path: xattrStagedData, Value: value, Xattr: true, CreatePath: true,
		})
	}
	if meta != nil {
		if meta.cas != "" {
			specs = append(specs, MutateInSpec{
				Op: MutateInOpUpsertPath, Path: xattrPreTxnCAS, Value: jsonMarshalMust(meta.cas), Xattr: true, CreatePath: true,
			})
		}
		if meta.revID != "" {
			specs = append(specs, MutateInSpec{
				Op: MutateInOpUpsertPath, Path: xattrPreTxnRevID, Value: jsonMarshalMust(meta.revID), Xattr: true, CreatePath: true,
			})
		}
		if meta.expTime != 0 {
			specs = append(specs, MutateInSpec{
				Op: MutateInOpUpsertPath, Path: xattrPreTxnExptime, Value: jsonMarshalMust(meta.expTime), Xattr: true, CreatePath: true,
			})
		}
	}
	return specs
}

// selectAtrIfNeeded pins the attempt to an ATR on its first mutation. The
// ATR is derived from the first mutated key so that load spreads across
// the 1024 records, and lives in the default collection of that key's
// bucket.
func (c *AttemptContext) selectAtrIfNeeded(collection Collection, id string) error {
	if c.atrID != "" {
		return nil
	}
	atrID, err := c.hooks.RandomATRIDForVbucket(c)
	if err != nil {
		return operationFailed(classifyError(err), err)
	}
	if atrID == "" {
		atrID = atrIDForKey(id)
	}
	atrColl, err := defaultCollection(c.parent.store, collection.BucketName())
	if err != nil {
		return operationFailed(ErrorClassFailOther, err)
	}
	c.atrID = atrID
	c.atrCollection = atrColl
	c.logger.Debug("selected atr",
		zap.String("attempt", c.attemptID),
		zap.String("atr", atrID),
		zap.String("firstDoc", id))
	return nil
}

// setATRPendingIfFirstMutation inserts this attempt's PENDING entry into
// the ATR before its first staged write. The sub-document insert fails
// with path-exists if the entry is already there, which is taken as an
// earlier ambiguous success.
func (c *AttemptContext) setATRPendingIfFirstMutation(collection Collection) error {
	if !c.stagedMutations.empty() {
		return nil
	}
	if c.atrID == "" {
		return operationFailed(ErrorClassFailOther, ErrIllegalState)
	}
	if err := c.errorIfExpiredAndNotInOvertime(stageAtrPending, ""); err != nil {
		return operationFailed(ErrorClassFailExpiry, err).expired()
	}
	if hookErr := c.hooks.BeforeATRPending(c); hookErr != nil {
		return c.classifyATRPendingError(hookErr, collection)
	}

	c.logger.Debug("setting atr pending",
		zap.String("attempt", c.attemptID), zap.String("atr", c.atrID))

	opts := c.mutateOpts(0)
	opts.StoreSemantics = StoreSemanticsUpsert
	_, err := c.atrCollection.MutateIn(c.atrID, []MutateInSpec{
		{Op: MutateInOpInsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldTransactionID),
			Value: jsonMarshalMust(c.txnID), Xattr: true, CreatePath: true},
		{Op: MutateInOpInsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldStatus),
			Value: jsonMarshalMust(AttemptStatePending.String()), Xattr: true, CreatePath: true},
		{Op: MutateInOpInsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldStartTimestamp),
			Value: jsonMarshalMust(MutationCASMacro), Xattr: true, CreatePath: true, ExpandMacros: true},
		{Op: MutateInOpInsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldExpiresAfterMsecs),
			Value: jsonMarshalMust(durationToMS(c.expiration)), Xattr: true, CreatePath: true},
	}, opts)
	if err != nil {
		return c.classifyATRPendingError(err, collection)
	}

	if hookErr := c.hooks.AfterATRPending(c); hookErr != nil {
		return c.classifyATRPendingError(hookErr, collection)
	}
	c.state = AttemptStatePending
	return nil
}

func (c *AttemptContext) classifyATRPendingError(err error, collection Collection) error {
	if c.expiryOvertimeMode {
		return operationFailed(ErrorClassFailExpiry, err).noRollback().expired()
	}
	switch classifyError(err) {
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return operationFailed(ErrorClassFailExpiry, err).expired()
	case ErrorClassFailATRFull:
		return operationFailed(ErrorClassFailATRFull, ErrAtrFull).retry()
	case ErrorClassFailPathAlreadyExists:
		// An earlier ambiguous write of our own entry landed; carry on.
		c.state = AttemptStatePending
		return nil
	case ErrorClassFailAmbiguous:
		c.clock.Sleep(retryBackoff(1))
		return c.setATRPendingIfFirstMutation(collection)
	case ErrorClassFailTransient:
		return operationFailed(ErrorClassFailTransient, err).retry()
	case ErrorClassFailHard:
		return operationFailed(ErrorClassFailHard, err).noRollback()
	default:
		return operationFailed(classifyError(err), err)
	}
}

// appendDocRecord appends this mutation's doc-record to the matching ATR
// array, keeping the ATR's view of the attempt current while staging.
func (c *AttemptContext) appendDocRecord(field string, doc *GetResult) error {
	rec := jsonAtrMutation{
		BucketName:     doc.collection.BucketName(),
		ScopeName:      doc.collection.ScopeName(),
		CollectionName: doc.collection.Name(),
		DocID:          doc.docID,
	}
	opts := c.mutateOpts(0)
	_, err := c.atrCollection.MutateIn(c.atrID, []MutateInSpec{
		{Op: MutateInOpArrayAppend, Path: atrEntryFieldPath(c.attemptID, field),
			Value: jsonMarshalMust(rec), Xattr: true, CreatePath: true},
	}, opts)
	if err != nil {
		return c.classifyStageError(err)
	}
	return nil
}

// checkAndHandleBlockingTransactions resolves a write-write conflict with
// another attempt's stage on doc. Writing over our own transaction's stage
// is always allowed (the transaction, not attempt, id is compared, to
// survive ambiguous replaces by an earlier attempt of ourselves).
func (c *AttemptContext) checkAndHandleBlockingTransactions(doc *GetResult, stage string) error {
	if !doc.links.hasStagedWrite() {
		return nil
	}
	if doc.links.transactionID == c.txnID {
		c.logger.Debug("doc already written by this transaction",
			zap.String("id", doc.docID))
		return nil
	}
	if doc.links.atrID == "" || doc.links.atrBucketName == "" {
		c.logger.Debug("doc staged by foreign attempt without atr info, overwriting",
			zap.String("id", doc.docID))
		return nil
	}
	if fcErr := checkForwardCompat(stage, doc.links.forwardCompat, c.clock); fcErr != nil {
		return fcErr
	}
	return c.checkATREntryForBlockingDocument(doc)
}

// checkATREntryForBlockingDocument polls the blocking attempt's ATR entry
// with exponential backoff for up to a second. A missing, expired or
// terminal entry unblocks us; a live one surfaces as a retryable
// write-write conflict.
func (c *AttemptContext) checkATREntryForBlockingDocument(doc *GetResult) error {
	err := retryOpExponentialBackoff(c.clock,
		50*time.Millisecond, 500*time.Millisecond, 1*time.Second,
		errRetryOperation,
		func() error {
			if hookErr := c.hooks.BeforeCheckATREntryForBlockingDoc(c, doc.docID); hookErr != nil {
				return hookErr
			}
			entry, err := c.readBlockingATREntry(doc)
			if err != nil {
				if errors.Is(err, ErrAtrNotFound) || errors.Is(err, ErrAtrEntryNotFound) {
					c.logger.Debug("no blocking atr entry, proceeding",
						zap.String("id", doc.docID))
					return nil
				}
				return err
			}
			if fcErr := checkForwardCompat(forwardCompatStageWWCReadingATR, entry.forwardCompat, c.clock); fcErr != nil {
				return fcErr
			}
			if entry.hasExpired(safetyMarginMS) {
				c.logger.Debug("blocking atr entry has expired, ignoring",
					zap.String("id", doc.docID), zap.Uint64("ageMS", entry.ageMS()))
				return nil
			}
			if entry.isTerminal() {
				c.logger.Debug("blocking atr entry in terminal state, proceeding",
					zap.String("id", doc.docID), zap.Stringer("state", entry.state))
				return nil
			}
			c.logger.Debug("blocking atr entry still live, waiting",
				zap.String("id", doc.docID), zap.Stringer("state", entry.state))
			return errRetryOperation
		})
	if err == nil {
		return nil
	}
	var txnErr *TransactionOperationFailedError
	if errors.As(err, &txnErr) {
		return txnErr
	}
	return operationFailed(ErrorClassFailWriteWriteConflict, ErrWriteWriteConflict).retry()
}

// Commit will attempt to commit the transaction in its entirety.
func (c *AttemptContext) Commit() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.queryModeLocked() {
		return c.commitQueryMode()
	}
	return c.commit()
}

func (c *AttemptContext) commit() error {
	c.logger.Debug("commit", zap.String("attempt", c.attemptID))
	if err := c.existingError(); err != nil {
		return c.cacheError(err)
	}
	if c.hasExpiredClientSide(stageBeforeCommit, "") {
		c.expiryOvertimeMode = true
		return c.cacheError(operationFailed(ErrorClassFailExpiry, ErrAttemptExpired).expired())
	}

	if c.atrID == "" || c.atrCollection == nil {
		// No ATR entry was ever written, so there is nothing to commit.
		if c.isDone {
			return c.cacheError(operationFailed(ErrorClassFailOther, ErrIllegalState).noRollback())
		}
		c.logger.Debug("commit with no mutations, skipping",
			zap.String("attempt", c.attemptID))
		c.isDone = true
		c.state = AttemptStateCompleted
		c.unstagingComplete = true
		return nil
	}
	if c.isDone {
		return c.cacheError(operationFailed(ErrorClassFailOther, ErrIllegalState).noRollback())
	}

	if err := retryOp(c.atrCommit); err != nil {
		return c.cacheError(err)
	}

	// Past this point the transaction is logically committed; failures can
	// only defer work to cleanup, never unwind it. The ATR entry must stay
	// COMMITTED when unstaging fails so cleanup can finish the job.
	if unstageErr := c.commitStagedMutations(); unstageErr != nil {
		c.isDone = true
		return c.cacheError(unstageErr)
	}

	if err := c.atrComplete(); err != nil {
		c.isDone = true
		return c.cacheError(err)
	}
	c.isDone = true
	c.unstagingComplete = true
	return nil
}

// atrCommit flips the ATR entry PENDING -> COMMITTED; the point of no
// return.
func (c *AttemptContext) atrCommit() error {
	if err := c.errorIfExpiredAndNotInOvertime(stageAtrCommit, ""); err != nil {
		c.expiryOvertimeMode = true
		return operationFailed(ErrorClassFailExpiry, err).expired()
	}
	if hookErr := c.hooks.BeforeATRCommit(c); hookErr != nil {
		return c.classifyATRCommitError(hookErr)
	}

	inserts, replaces, removes := c.stagedMutations.extractDocRecords()
	specs := []MutateInSpec{
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldStatus),
			Value: jsonMarshalMust(AttemptStateCommitted.String()), Xattr: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldStartCommit),
			Value: jsonMarshalMust(MutationCASMacro), Xattr: true, ExpandMacros: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldDocsInserted),
			Value: jsonMarshalMust(inserts), Xattr: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldDocsReplaced),
			Value: jsonMarshalMust(replaces), Xattr: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldDocsRemoved),
			Value: jsonMarshalMust(removes), Xattr: true},
	}
	_, err := c.atrCollection.MutateIn(c.atrID, specs, c.mutateOpts(0))
	if err != nil {
		return c.classifyATRCommitError(err)
	}
	if hookErr := c.hooks.AfterATRCommit(c); hookErr != nil {
		return c.classifyATRCommitError(hookErr)
	}
	c.state = AttemptStateCommitted
	return nil
}

func (c *AttemptContext) classifyATRCommitError(err error) error {
	switch classifyError(err) {
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return operationFailed(ErrorClassFailExpiry, err).expired()
	case ErrorClassFailAmbiguous:
		c.logger.Debug("atr commit ambiguous, resolving",
			zap.String("attempt", c.attemptID))
		return retryOp(c.atrCommitAmbiguityResolution)
	case ErrorClassFailTransient:
		return operationFailed(ErrorClassFailTransient, err).retry()
	case ErrorClassFailHard:
		return operationFailed(ErrorClassFailHard, err).noRollback()
	default:
		c.logger.Error("failed to commit transaction",
			zap.String("txn", c.txnID), zap.String("attempt", c.attemptID), zap.Error(err))
		return operationFailed(classifyError(err), err)
	}
}

// atrCommitAmbiguityResolution re-reads our entry's status to learn
// whether the ambiguous commit write actually landed. Returning
// errRetryOperation re-runs atrCommit itself.
func (c *AttemptContext) atrCommitAmbiguityResolution() error {
	if err := c.errorIfExpiredAndNotInOvertime(stageAtrCommitAmbiguity, ""); err != nil {
		c.expiryOvertimeMode = true
		return operationFailed(ErrorClassFailExpiry, err).noRollback().ambiguous()
	}
	if hookErr := c.hooks.BeforeATRCommitAmbiguityResolution(c); hookErr != nil {
		return operationFailed(classifyError(hookErr), hookErr).noRollback()
	}
	res, err := c.atrCollection.LookupIn(c.atrID, []LookupInSpec{
		LookupGetSpec(atrEntryFieldPath(c.attemptID, atrFieldStatus), true),
	}, &LookupInOptions{Timeout: c.kvTimeout})
	if err != nil {
		switch classifyError(err) {
		case ErrorClassFailExpiry:
			c.expiryOvertimeMode = true
			return operationFailed(ErrorClassFailExpiry, err).noRollback().ambiguous()
		case ErrorClassFailHard:
			return operationFailed(ErrorClassFailHard, err).noRollback()
		case ErrorClassFailTransient, ErrorClassFailOther:
			return errRetryOperation
		case ErrorClassFailDocNotFound, ErrorClassFailPathNotFound:
			return operationFailed(classifyError(err), ErrTransactionAbortedExternally).noRollback()
		default:
			return operationFailed(classifyError(err), err).noRollback()
		}
	}
	var status string
	if err := res.ContentAt(0, &status); err != nil {
		if classifyError(err) == ErrorClassFailPathNotFound {
			return operationFailed(ErrorClassFailPathNotFound, ErrTransactionAbortedExternally).noRollback()
		}
		return errRetryOperation
	}
	switch attemptStateFromName(status) {
	case AttemptStateCommitted, AttemptStateCompleted:
		c.state = AttemptStateCommitted
		return nil
	case AttemptStateAborted, AttemptStateRolledBack:
		return operationFailed(ErrorClassFailOther, ErrTransactionAbortedExternally).noRollback()
	default:
		// Still pending; the ambiguous write never landed. Safe to retry
		// the commit itself.
		return c.atrCommit()
	}
}

// atrComplete removes the attempt entry after successful unstaging.
// Failure is logged but not surfaced; the transaction is already durable.
func (c *AttemptContext) atrComplete() error {
	if hookErr := c.hooks.BeforeATRComplete(c); hookErr != nil {
		return c.classifyATRCompleteError(hookErr)
	}
	if err := c.errorIfExpiredAndNotInOvertime(stageAtrComplete, ""); err != nil {
		return c.classifyATRCompleteError(err)
	}
	c.logger.Debug("removing attempt from atr",
		zap.String("attempt", c.attemptID), zap.String("atr", c.atrID))
	if err := removeATREntry(c.atrCollection, c.atrID, c.attemptID, c.mutateOpts(0)); err != nil {
		return c.classifyATRCompleteError(err)
	}
	if hookErr := c.hooks.AfterATRComplete(c); hookErr != nil {
		return c.classifyATRCompleteError(hookErr)
	}
	c.state = AttemptStateCompleted
	return nil
}

func (c *AttemptContext) classifyATRCompleteError(err error) error {
	c.logger.Info("ignoring error in atr complete", zap.Error(err))
	c.state = AttemptStateCompleted
	return nil
}

// Rollback will undo all changes related to a transaction.
func (c *AttemptContext) Rollback() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.queryModeLocked() {
		return c.rollbackQueryMode()
	}
	return c.rollback()
}

func (c *AttemptContext) rollback() error {
	c.logger.Debug("rolling back", zap.String("attempt", c.attemptID))
	c.checkExpiryDuringCommitOrRollback(stageRollback, "")

	if c.atrID == "" || c.atrCollection == nil || c.state == AttemptStateNothingWritten {
		// Rolling back an attempt with no mutations; nothing durable to
		// undo, but later commits on this attempt must fail.
		c.logger.Debug("rollback called on attempt with no mutations")
		c.isDone = true
		c.state = AttemptStateRolledBack
		return nil
	}
	if c.isDone {
		return c.cacheError(operationFailed(ErrorClassFailOther, ErrIllegalState).noRollback())
	}
	if c.state == AttemptStateCommitted {
		return c.cacheError(operationFailed(ErrorClassFailOther, ErrIllegalState).noRollback())
	}

	if err := retryOp(c.atrAbort); err != nil {
		return c.cacheError(err)
	}
	if err := c.rollbackStagedMutations(); err != nil {
		return c.cacheError(err)
	}
	c.logger.Debug("rollback completed unstaging docs", zap.String("attempt", c.attemptID))
	if err := retryOp(c.atrRollbackComplete); err != nil {
		return c.cacheError(err)
	}
	return nil
}

func (c *AttemptContext) atrAbort() error {
	if err := c.errorIfExpiredAndNotInOvertime(stageAtrAbort, ""); err != nil {
		c.expiryOvertimeMode = true
		return errRetryOperation
	}
	if hookErr := c.hooks.BeforeATRAborted(c); hookErr != nil {
		return c.classifyATRAbortError(hookErr)
	}
	inserts, replaces, removes := c.stagedMutations.extractDocRecords()
	specs := []MutateInSpec{
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldStatus),
			Value: jsonMarshalMust(AttemptStateAborted.String()), Xattr: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldRollbackStart),
			Value: jsonMarshalMust(MutationCASMacro), Xattr: true, ExpandMacros: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldDocsInserted),
			Value: jsonMarshalMust(inserts), Xattr: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldDocsReplaced),
			Value: jsonMarshalMust(replaces), Xattr: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(c.attemptID, atrFieldDocsRemoved),
			Value: jsonMarshalMust(removes), Xattr: true},
	}
	_, err := c.atrCollection.MutateIn(c.atrID, specs, c.mutateOpts(0))
	if err != nil {
		return c.classifyATRAbortError(err)
	}
	if hookErr := c.hooks.AfterATRAborted(c); hookErr != nil {
		return c.classifyATRAbortError(hookErr)
	}
	c.state = AttemptStateAborted
	return nil
}

func (c *AttemptContext) classifyATRAbortError(err error) error {
	if c.expiryOvertimeMode {
		return operationFailed(ErrorClassFailExpiry, err).noRollback().expired()
	}
	switch classifyError(err) {
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return errRetryOperation
	case ErrorClassFailPathNotFound:
		return operationFailed(ErrorClassFailPathNotFound, ErrAtrEntryNotFound).noRollback()
	case ErrorClassFailDocNotFound:
		return operationFailed(ErrorClassFailDocNotFound, ErrAtrNotFound).noRollback()
	case ErrorClassFailATRFull:
		return operationFailed(ErrorClassFailATRFull, ErrAtrFull).noRollback()
	case ErrorClassFailHard:
		return operationFailed(ErrorClassFailHard, err).noRollback()
	default:
		return errRetryOperation
	}
}

func (c *AttemptContext) atrRollbackComplete() error {
	if err := c.errorIfExpiredAndNotInOvertime(stageAtrRollback, ""); err != nil {
		c.expiryOvertimeMode = true
		return errRetryOperation
	}
	if hookErr := c.hooks.BeforeATRRolledBack(c); hookErr != nil {
		return c.classifyATRRollbackCompleteError(hookErr)
	}
	if err := removeATREntry(c.atrCollection, c.atrID, c.attemptID, c.mutateOpts(0)); err != nil {
		return c.classifyATRRollbackCompleteError(err)
	}
	if hookErr := c.hooks.AfterATRRolledBack(c); hookErr != nil {
		return c.classifyATRRollbackCompleteError(hookErr)
	}
	c.state = AttemptStateRolledBack
	c.isDone = true
	return nil
}

func (c *AttemptContext) classifyATRRollbackCompleteError(err error) error {
	if c.expiryOvertimeMode {
		return operationFailed(ErrorClassFailExpiry, err).noRollback().expired()
	}
	switch classifyError(err) {
	case ErrorClassFailDocNotFound, ErrorClassFailPathNotFound:
		c.logger.Debug("atr entry gone during rollback complete, ignoring",
			zap.String("atr", c.atrID))
		c.state = AttemptStateRolledBack
		c.isDone = true
		return nil
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return errRetryOperation
	case ErrorClassFailATRFull:
		return errRetryOperation
	case ErrorClassFailHard:
		return operationFailed(ErrorClassFailHard, err).noRollback()
	default:
		return errRetryOperation
	}
}

// cleanupRequest renders the attempt's terminal needs as a cleanup
// request, or nil when there is nothing to clean.
func (c *AttemptContext) cleanupRequest() *CleanupRequest {
	c.lock.Lock()
	defer c.lock.Unlock()
	switch c.state {
	case AttemptStateNothingWritten, AttemptStateCompleted, AttemptStateRolledBack:
		return nil
	}
	var inserts, replaces, removes []DocRecord
	for _, m := range c.stagedMutations.extract() {
		switch m.opType {
		case stagedMutationInsert:
			inserts = append(inserts, m.docRecord())
		case stagedMutationReplace:
			replaces = append(replaces, m.docRecord())
		case stagedMutationRemove:
			removes = append(removes, m.docRecord())
		}
	}
	return &CleanupRequest{
		AttemptID:         c.attemptID,
		AtrID:             c.atrID,
		AtrBucketName:     c.atrCollection.BucketName(),
		AtrScopeName:      c.atrCollection.ScopeName(),
		AtrCollectionName: c.atrCollection.Name(),
		Inserts:           inserts,
		Replaces:          replaces,
		Removes:           removes,
		State:             c.state,
	}
}
