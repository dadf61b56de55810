package transactions

import (
	"encoding/json"
	"sync"
)

type stagedMutationType int

const (
	stagedMutationInsert stagedMutationType = iota + 1
	stagedMutationReplace
	stagedMutationRemove
)

func (t stagedMutationType) String() string {
	switch t {
	case stagedMutationInsert:
		return "insert"
	case stagedMutationReplace:
		return "replace"
	case stagedMutationRemove:
		return "remove"
	}
	return "unknown"
}

// stagedMutation is one pending write of the attempt: the staged content,
// the CAS observed when the stage was written, and enough addressing to
// unstage it later.
type stagedMutation struct {
	opType     stagedMutationType
	collection Collection
	docID      string
	content    json.RawMessage
	cas        Cas
	tombstone  bool
}

func (m *stagedMutation) docRecord() DocRecord {
	return DocRecord{
		BucketName:     m.collection.BucketName(),
		ScopeName:      m.collection.ScopeName(),
		CollectionName: m.collection.Name(),
		ID:             m.docID,
	}
}

func sameKey(c Collection, id string, m *stagedMutation) bool {
	return m.docID == id &&
		m.collection.BucketName() == c.BucketName() &&
		m.collection.ScopeName() == c.ScopeName() &&
		m.collection.Name() == c.Name()
}

// stagedMutationQueue is the attempt's in-memory log of pending writes,
// in insertion order, at most one live entry per (collection, id). It is
// the authoritative source for read-your-own-writes.
//
// The queue has its own lock in addition to the owning attempt's lock. The
// client-attempt cleanup dispatcher does not read the queue: it works from
// the DocRecord copies carried in its CleanupRequest.
type stagedMutationQueue struct {
	lock  sync.Mutex
	queue []*stagedMutation
}

func (q *stagedMutationQueue) empty() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.queue) == 0
}

// add appends a mutation, consolidating against any live entry for the
// same key:
//
//	insert  over remove  -> replace (new content, latest CAS)
//	replace over insert  -> insert with replaced content
//	replace over replace -> content updated in place
//	remove  over insert  -> entry dropped entirely
//	remove  over replace -> remove, content discarded
func (q *stagedMutationQueue) add(mutation *stagedMutation) {
	q.lock.Lock()
	defer q.lock.Unlock()

	idx := q.findLocked(mutation.collection, mutation.docID)
	if idx == -1 {
		q.queue = append(q.queue, mutation)
		return
	}

	existing := q.queue[idx]
	switch {
	case existing.opType == stagedMutationRemove && mutation.opType == stagedMutationInsert:
		existing.opType = stagedMutationReplace
		existing.content = mutation.content
		existing.cas = mutation.cas
		existing.tombstone = mutation.tombstone
	case existing.opType == stagedMutationInsert && mutation.opType == stagedMutationReplace:
		existing.content = mutation.content
		existing.cas = mutation.cas
	case existing.opType == stagedMutationInsert && mutation.opType == stagedMutationRemove:
		q.queue = append(q.queue[:idx], q.queue[idx+1:]...)
	case existing.opType == stagedMutationReplace && mutation.opType == stagedMutationRemove:
		existing.opType = stagedMutationRemove
		existing.content = nil
		existing.cas = mutation.cas
	default:
		existing.opType = mutation.opType
		existing.content = mutation.content
		existing.cas = mutation.cas
		existing.tombstone = mutation.tombstone
	}
}

func (q *stagedMutationQueue) findLocked(collection Collection, id string) int {
	for i, item := range q.queue {
		if sameKey(collection, id, item) {
			return i
		}
	}
	return -1
}

// find returns the live entry for a key, or nil.
func (q *stagedMutationQueue) find(collection Collection, id string) *stagedMutation {
	q.lock.Lock()
	defer q.lock.Unlock()
	if idx := q.findLocked(collection, id); idx != -1 {
		return q.queue[idx]
	}
	return nil
}

func (q *stagedMutationQueue) findType(collection Collection, id string, t stagedMutationType) *stagedMutation {
	q.lock.Lock()
	defer q.lock.Unlock()
	for _, item := range q.queue {
		if item.opType == t && sameKey(collection, id, item) {
			return item
		}
	}
	return nil
}

// extract returns the entries in insertion order for commit-time
// unstaging.
func (q *stagedMutationQueue) extract() []*stagedMutation {
	q.lock.Lock()
	defer q.lock.Unlock()
	out := make([]*stagedMutation, len(q.queue))
	copy(out, q.queue)
	return out
}

// extractDocRecords splits the log into the three ATR doc-record arrays.
func (q *stagedMutationQueue) extractDocRecords() (inserts, replaces, removes []jsonAtrMutation) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for _, item := range q.queue {
		rec := docRecordToJSON(item.docRecord())
		switch item.opType {
		case stagedMutationInsert:
			inserts = append(inserts, rec)
		case stagedMutationReplace:
			replaces = append(replaces, rec)
		case stagedMutationRemove:
			removes = append(removes, rec)
		}
	}
	return inserts, replaces, removes
}
