package transactions

import (
	"encoding/json"
	"fmt"
	"time"
)

// atrEntry is one decoded attempt entry from an ATR document's attempts
// map. Timestamps arrive as ${Mutation.CAS} macro strings and are decoded
// to epoch milliseconds; Cas is the CAS of the ATR document itself, which
// doubles as the server's notion of "now" for expiry decisions, so no
// client clock is ever trusted.
type atrEntry struct {
	attemptID     string
	transactionID string
	state         AttemptState

	startMS         uint64
	commitMS        uint64
	completeMS      uint64
	rollbackStartMS uint64
	rolledBackMS    uint64
	expiresAfterMS  uint64

	insertedIDs []DocRecord
	replacedIDs []DocRecord
	removedIDs  []DocRecord

	forwardCompat map[string][]ForwardCompatibilityEntry

	cas Cas

	// nowMS is the server's clock at read time, taken from $vbucket.HLC in
	// the same lookup that fetched the entry.
	nowMS uint64
}

// ageMS is the time the entry has existed, as observed by the server.
func (e *atrEntry) ageMS() uint64 {
	nowMS := e.nowMS
	if nowMS == 0 {
		nowMS = uint64(e.cas) / 1000000
	}
	if nowMS < e.startMS {
		return 0
	}
	return nowMS - e.startMS
}

// hasExpired reports whether the attempt has outlived its expiry window
// plus the supplied safety margin.
func (e *atrEntry) hasExpired(safetyMargin uint64) bool {
	if e.expiresAfterMS == 0 {
		return false
	}
	return e.ageMS() > e.expiresAfterMS+safetyMargin
}

func (e *atrEntry) isTerminal() bool {
	return e.state == AttemptStateCompleted || e.state == AttemptStateRolledBack
}

func atrEntryPath(attemptID string) string {
	return atrFieldAttempts + "." + attemptID
}

func atrEntryFieldPath(attemptID, field string) string {
	return atrEntryPath(attemptID) + "." + field
}

func decodeATREntry(attemptID string, raw jsonAtrAttempt, atrCas Cas, nowMS uint64) atrEntry {
	return atrEntry{
		attemptID:       attemptID,
		transactionID:   raw.TransactionID,
		state:           attemptStateFromName(raw.State),
		startMS:         parseMutationCAS(raw.PendingCAS),
		commitMS:        parseMutationCAS(raw.CommitCAS),
		completeMS:      parseMutationCAS(raw.CompletedCAS),
		rollbackStartMS: parseMutationCAS(raw.AbortCAS),
		rolledBackMS:    parseMutationCAS(raw.RolledBackCAS),
		expiresAfterMS:  uint64(raw.ExpiryTime),
		insertedIDs:     docRecordsFromJSON(raw.Inserts),
		replacedIDs:     docRecordsFromJSON(raw.Replaces),
		removedIDs:      docRecordsFromJSON(raw.Removes),
		forwardCompat:   raw.ForwardCompat,
		cas:             atrCas,
		nowMS:           nowMS,
	}
}

func docRecordsFromJSON(muts []jsonAtrMutation) []DocRecord {
	var recs []DocRecord
	for _, m := range muts {
		recs = append(recs, DocRecord{
			BucketName:     m.BucketName,
			ScopeName:      m.ScopeName,
			CollectionName: m.CollectionName,
			ID:             m.DocID,
		})
	}
	return recs
}

func docRecordToJSON(rec DocRecord) jsonAtrMutation {
	return jsonAtrMutation{
		BucketName:     rec.BucketName,
		ScopeName:      rec.ScopeName,
		CollectionName: rec.CollectionName,
		DocID:          rec.ID,
	}
}

// readATREntries fetches and decodes every attempt entry of an ATR.
// A missing ATR document surfaces as ErrAtrNotFound.
func readATREntries(coll Collection, atrID string, timeout timeoutOpts) ([]atrEntry, error) {
	res, err := coll.LookupIn(atrID, []LookupInSpec{
		LookupGetSpec(atrFieldAttempts, true),
		LookupGetSpec(VirtualHLCPath, true),
	}, &LookupInOptions{Timeout: timeout.kvTimeout})
	if err != nil {
		if classifyError(err) == ErrorClassFailDocNotFound {
			return nil, ErrAtrNotFound
		}
		return nil, err
	}

	var nowMS uint64
	if res.Exists(1) {
		nowMS, _ = parseHLCToMS(res.Fields[1].Value)
	}

	var attempts map[string]jsonAtrAttempt
	if err := res.ContentAt(0, &attempts); err != nil {
		if classifyError(err) == ErrorClassFailPathNotFound {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]atrEntry, 0, len(attempts))
	for id, raw := range attempts {
		entries = append(entries, decodeATREntry(id, raw, res.Cas, nowMS))
	}
	return entries, nil
}

// readATREntry fetches one attempt's entry. A missing document or entry
// surfaces as ErrAtrNotFound / ErrAtrEntryNotFound respectively.
func readATREntry(coll Collection, atrID, attemptID string, timeout timeoutOpts) (*atrEntry, error) {
	res, err := coll.LookupIn(atrID, []LookupInSpec{
		LookupGetSpec(atrEntryPath(attemptID), true),
		LookupGetSpec(VirtualHLCPath, true),
	}, &LookupInOptions{Timeout: timeout.kvTimeout})
	if err != nil {
		if classifyError(err) == ErrorClassFailDocNotFound {
			return nil, ErrAtrNotFound
		}
		return nil, err
	}

	var nowMS uint64
	if res.Exists(1) {
		nowMS, _ = parseHLCToMS(res.Fields[1].Value)
	}

	var raw jsonAtrAttempt
	if err := res.ContentAt(0, &raw); err != nil {
		if classifyError(err) == ErrorClassFailPathNotFound {
			return nil, ErrAtrEntryNotFound
		}
		return nil, err
	}

	entry := decodeATREntry(attemptID, raw, res.Cas, nowMS)
	return &entry, nil
}

// atrRemoveEntrySpecs builds the two-spec upsert-then-remove dance that
// deletes an attempt entry whether or not it exists.
func atrRemoveEntrySpecs(attemptID string) []MutateInSpec {
	path := atrEntryPath(attemptID)
	return []MutateInSpec{
		{Op: MutateInOpUpsertPath, Path: path, Value: json.RawMessage("null"), Xattr: true},
		{Op: MutateInOpRemovePath, Path: path, Xattr: true},
	}
}

// removeATREntry deletes the attempt's entry from the ATR. Used both by
// the attempt on completion and by cleanup for terminal foreign attempts.
func removeATREntry(coll Collection, atrID, attemptID string, opts *MutateInOptions) error {
	_, err := coll.MutateIn(atrID, atrRemoveEntrySpecs(attemptID), opts)
	return err
}

// timeoutOpts groups the timeouts threaded through ATR reads.
type timeoutOpts struct {
	kvTimeout time.Duration
}

func jsonMarshalMust(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal value: %v", err))
	}
	return data
}
