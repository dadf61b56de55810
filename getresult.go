package transactions

import (
	"encoding/json"
)

// docMetadata carries the pre-transaction identity of a document, read
// from the $document virtual xattr. It is written into the restore block
// when staging so that conflict resolution can tell an unrelated
// interleaved write from our own stage.
type docMetadata struct {
	cas     string
	revID   string
	expTime uint
	crc32   string
}

// txnLinks is the decoded txn xattr of a fetched document: the link from a
// staged document back to the attempt and ATR that own the stage.
type txnLinks struct {
	atrID          string
	atrBucketName  string
	atrScopeName   string
	atrCollName    string
	transactionID  string
	attemptID      string
	stagedContent  json.RawMessage
	crc32OfStaging string
	op             string
	forwardCompat  map[string][]ForwardCompatibilityEntry
	isDeleted      bool
}

func (l *txnLinks) hasStagedWrite() bool {
	return l.attemptID != ""
}

func (l *txnLinks) hasStagedContent() bool {
	return len(l.stagedContent) > 0
}

func (l *txnLinks) isDocumentBeingRemoved() bool {
	return l.op == "remove"
}

// GetResult represents the result of a Get operation which was performed.
// It doubles as the document handle passed back into Replace and Remove,
// carrying the CAS and transaction links needed to stage over it.
type GetResult struct {
	collection Collection
	docID      string

	cas       Cas
	content   json.RawMessage
	links     txnLinks
	metadata  *docMetadata
	tombstone bool

	txnMeta json.RawMessage
}

// ID returns the document's key.
func (d *GetResult) ID() string {
	return d.docID
}

// Content provides access to the document's contents.
func (d *GetResult) Content(valuePtr interface{}) error {
	return json.Unmarshal(d.content, valuePtr)
}

// Cas returns the document revision this result observed.
func (d *GetResult) Cas() Cas {
	return d.cas
}
