package transactions

import (
	"encoding/json"
	"errors"
)

// QueryOptions tunes a transactional query statement.
type QueryOptions struct {
	PositionalParameters []interface{}
	NamedParameters      map[string]interface{}
	Adhoc                bool

	// TxData carries the transaction state handed to the query engine so
	// it can adopt a KV-started transaction.
	TxData json.RawMessage

	// TxID identifies the query-side transaction once one is open.
	TxID string
}

// QueryResult allows access to the results of a query.
type QueryResult struct {
	rows []json.RawMessage
	pos  int

	// TxID is the query-side transaction id reported by the engine, set
	// on the statement that opened the transaction.
	TxID string
}

// NewQueryResult creates a QueryResult over pre-fetched rows. It is
// intended for QueryExecutor implementations.
func NewQueryResult(rows []json.RawMessage) *QueryResult {
	return &QueryResult{rows: rows, pos: -1}
}

// Next advances to the next row, returning false when none remain.
func (r *QueryResult) Next() bool {
	if r.pos+1 >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

// Row unmarshals the current row into valuePtr.
func (r *QueryResult) Row(valuePtr interface{}) error {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return errors.New("no current row")
	}
	return json.Unmarshal(r.rows[r.pos], valuePtr)
}

// One unmarshals exactly one row into valuePtr, failing when the result
// set is empty.
func (r *QueryResult) One(valuePtr interface{}) error {
	if !r.Next() {
		return ErrDocumentNotFound
	}
	return r.Row(valuePtr)
}
