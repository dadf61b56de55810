package transactions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Field paths inside documents participating in a transaction. These are
// kept as brief as possible; reducing the chance of the doc overflowing
// matters more than human debuggability.
const (
	transactionInterfacePrefixOnly = "txn"
	transactionInterfacePrefix     = transactionInterfacePrefixOnly + "."
	transactionRestorePrefixOnly   = transactionInterfacePrefixOnly + ".restore"
	transactionRestorePrefix       = transactionRestorePrefixOnly + "."

	xattrTransactionID = transactionInterfacePrefix + "id.txn"
	xattrAttemptID     = transactionInterfacePrefix + "id.atmpt"
	xattrAtrID         = transactionInterfacePrefix + "atr.id"
	xattrAtrBucket     = transactionInterfacePrefix + "atr.bkt"
	xattrAtrScope      = transactionInterfacePrefix + "atr.scp"
	xattrAtrCollection = transactionInterfacePrefix + "atr.coll"
	xattrOpType        = transactionInterfacePrefix + "op.type"
	xattrStagedData    = transactionInterfacePrefix + "op.stgd"
	xattrCRC32         = transactionInterfacePrefix + "op.crc32"
	xattrForwardCompat = transactionInterfacePrefix + "fc"
	xattrPreTxnCAS     = transactionRestorePrefix + "CAS"
	xattrPreTxnRevID   = transactionRestorePrefix + "revid"
	xattrPreTxnExptime = transactionRestorePrefix + "exptime"
)

// Fields in the Active Transaction Records.
const (
	atrFieldAttempts          = "attempts"
	atrFieldStatus            = "st"
	atrFieldStartTimestamp    = "tst"
	atrFieldExpiresAfterMsecs = "exp"
	atrFieldStartCommit       = "tsc"
	atrFieldTimestampComplete = "tsco"
	atrFieldRollbackStart     = "tsrs"
	atrFieldRollbackComplete  = "tsrc"
	atrFieldDocsInserted      = "ins"
	atrFieldDocsReplaced      = "rep"
	atrFieldDocsRemoved       = "rem"
	atrFieldForwardCompat     = "fc"
	atrFieldTransactionID     = "tid"
)

// Fields in the per-bucket client record.
const (
	clientRecordDocID      = "_txn:client-record"
	fieldClients           = "clients"
	fieldHeartbeat         = "heartbeat_ms"
	fieldExpires           = "expires_ms"
	fieldOverride          = "override"
	fieldOverrideEnabled   = fieldOverride + ".enabled"
	fieldOverrideExpires   = fieldOverride + ".expires"
	removedStagedDataValue = "<<REMOVED>>"
)

type jsonAtrMutation struct {
	BucketName     string `json:"bkt,omitempty"`
	ScopeName      string `json:"scp,omitempty"`
	CollectionName string `json:"col,omitempty"`
	DocID          string `json:"id,omitempty"`
}

type jsonAtrAttempt struct {
	TransactionID string `json:"tid,omitempty"`
	ExpiryTime    uint   `json:"exp,omitempty"`
	State         string `json:"st,omitempty"`

	PendingCAS    string `json:"tst,omitempty"`
	CommitCAS     string `json:"tsc,omitempty"`
	CompletedCAS  string `json:"tsco,omitempty"`
	AbortCAS      string `json:"tsrs,omitempty"`
	RolledBackCAS string `json:"tsrc,omitempty"`

	Inserts  []jsonAtrMutation `json:"ins,omitempty"`
	Replaces []jsonAtrMutation `json:"rep,omitempty"`
	Removes  []jsonAtrMutation `json:"rem,omitempty"`

	ForwardCompat map[string][]ForwardCompatibilityEntry `json:"fc,omitempty"`
}

type jsonTxnXattrID struct {
	Transaction string `json:"txn,omitempty"`
	Attempt     string `json:"atmpt,omitempty"`
}

type jsonTxnXattrATR struct {
	DocID          string `json:"id,omitempty"`
	BucketName     string `json:"bkt,omitempty"`
	ScopeName      string `json:"scp,omitempty"`
	CollectionName string `json:"coll,omitempty"`
}

type jsonTxnXattrOp struct {
	Type   string          `json:"type,omitempty"`
	Staged json.RawMessage `json:"stgd,omitempty"`
	CRC32  string          `json:"crc32,omitempty"`
}

type jsonTxnXattrRestore struct {
	OriginalCAS string `json:"CAS,omitempty"`
	ExpiryTime  uint   `json:"exptime,omitempty"`
	RevID       string `json:"revid,omitempty"`
}

type jsonTxnXattr struct {
	ID      jsonTxnXattrID                         `json:"id,omitempty"`
	ATR     jsonTxnXattrATR                        `json:"atr,omitempty"`
	Op      jsonTxnXattrOp                         `json:"op,omitempty"`
	Restore *jsonTxnXattrRestore                   `json:"restore,omitempty"`
	FC      map[string][]ForwardCompatibilityEntry `json:"fc,omitempty"`
}

type jsonClientRecordEntry struct {
	HeartbeatCAS string `json:"heartbeat_ms,omitempty"`
	ExpiresMS    uint64 `json:"expires_ms,omitempty"`
}

type jsonClientRecord struct {
	Clients  map[string]jsonClientRecordEntry `json:"clients,omitempty"`
	Override *jsonClientOverride              `json:"override,omitempty"`
}

type jsonClientOverride struct {
	Enabled bool   `json:"enabled,omitempty"`
	Expires uint64 `json:"expires,omitempty"`
}

type jsonHLC struct {
	NowSecs string `json:"now"`
}

// encodeMutationCAS renders a CAS the way the server's ${Mutation.CAS}
// macro does: the 8 byte value byte-swapped and formatted as 0x-prefixed
// hex. Consumers (SyncGateway among them) depend on this string shape, so
// it cannot change.
func encodeMutationCAS(cas Cas) string {
	return fmt.Sprintf("0x%016x", byteswap64(uint64(cas)))
}

// parseMutationCAS reverses encodeMutationCAS and converts the CAS (an
// epoch in nanoseconds on the server) to epoch milliseconds. Returns 0 for
// an empty or unparsable string.
func parseMutationCAS(cas string) uint64 {
	if cas == "" {
		return 0
	}
	trimmed := strings.TrimPrefix(cas, "0x")
	val, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0
	}
	return byteswap64(val) / 1000000
}

func byteswap64(val uint64) uint64 {
	var ret uint64
	for i := 0; i < 8; i++ {
		ret <<= 8
		ret |= val & 0xff
		val >>= 8
	}
	return ret
}

// parseHLCToMS converts a $vbucket.HLC value to epoch milliseconds.
func parseHLCToMS(raw json.RawMessage) (uint64, error) {
	var hlc jsonHLC
	if err := json.Unmarshal(raw, &hlc); err != nil {
		return 0, err
	}
	secs, err := strconv.ParseUint(hlc.NowSecs, 10, 64)
	if err != nil {
		return 0, err
	}
	return secs * 1000, nil
}
