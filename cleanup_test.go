package transactions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanupReq(atrID, attemptID string, ready time.Time) *CleanupRequest {
	return &CleanupRequest{
		AttemptID:         attemptID,
		AtrID:             atrID,
		AtrBucketName:     "default",
		AtrScopeName:      "_default",
		AtrCollectionName: "_default",
		ReadyTime:         ready,
	}
}

func TestCleanupQueueOrdering(t *testing.T) {
	clock := newManualClock(time.Unix(1000, 0))
	q := newCleanupQueue(10, clock)

	base := clock.Now()
	require.True(t, q.push(cleanupReq("atr-1", "c", base.Add(3*time.Second))))
	require.True(t, q.push(cleanupReq("atr-1", "a", base.Add(1*time.Second))))
	require.True(t, q.push(cleanupReq("atr-1", "b", base.Add(2*time.Second))))
	assert.Equal(t, int32(3), q.size())

	assert.Equal(t, "a", q.pop(false).AttemptID)
	assert.Equal(t, "b", q.pop(false).AttemptID)
	assert.Equal(t, "c", q.pop(false).AttemptID)
	assert.Nil(t, q.pop(false))
}

func TestCleanupQueuePopTimeGate(t *testing.T) {
	clock := newManualClock(time.Unix(1000, 0))
	q := newCleanupQueue(10, clock)
	q.push(cleanupReq("atr-1", "a", clock.Now().Add(5*time.Second)))

	assert.Nil(t, q.pop(true))
	clock.Advance(6 * time.Second)
	require.NotNil(t, q.pop(true))
}

func TestCleanupQueueDedup(t *testing.T) {
	clock := newManualClock(time.Unix(1000, 0))
	q := newCleanupQueue(10, clock)

	require.True(t, q.push(cleanupReq("atr-1", "a", clock.Now())))
	assert.False(t, q.push(cleanupReq("atr-1", "a", clock.Now())))
	// A different attempt on the same ATR is not a duplicate.
	assert.True(t, q.push(cleanupReq("atr-1", "b", clock.Now())))

	// Once popped, the key may be queued again.
	require.NotNil(t, q.pop(false))
	assert.True(t, q.push(cleanupReq("atr-1", "a", clock.Now())))
}

func TestCleanupQueueCapacity(t *testing.T) {
	clock := newManualClock(time.Unix(1000, 0))
	q := newCleanupQueue(1, clock)
	require.True(t, q.push(cleanupReq("atr-1", "a", clock.Now())))
	assert.False(t, q.push(cleanupReq("atr-1", "b", clock.Now())))
}

// crashCommitted leaves the store holding a COMMITTED attempt whose doc
// "b" is still staged.
func crashCommitted(t *testing.T, store *memStore) string {
	t.Helper()
	hooks := &testHooks{
		beforeDocCommitted: func(ctx *AttemptContext, docID string) error {
			if docID == "b" {
				return ErrHard
			}
			return nil
		},
	}
	cfg := &Config{}
	cfg.Internal.Hooks = hooks
	txns, coll := initTestTransactions(t, store, cfg)
	_, err := txns.Run(func(ctx *AttemptContext) error {
		docA, err := ctx.Get(coll, "a")
		if err != nil {
			return err
		}
		if _, err := ctx.Replace(docA, map[string]int{"v": 10}); err != nil {
			return err
		}
		docB, err := ctx.Get(coll, "b")
		if err != nil {
			return err
		}
		_, err = ctx.Replace(docB, map[string]int{"v": 20})
		return err
	}, nil)
	require.Error(t, err)
	return atrIDForKey("a")
}

func TestCleanIdempotent(t *testing.T) {
	store := newMemStore()
	store.upsertDoc("a", `{"v":1}`)
	store.upsertDoc("b", `{"v":2}`)
	atrID := crashCommitted(t, store)
	store.setNow(func() time.Time { return time.Now().Add(30 * time.Second) })

	lost, cleaner := detachedCleanup(t, store)
	_, _, err := lost.ProcessATR("default", "_default", "_default", atrID)
	require.NoError(t, err)
	req := cleaner.PopRequest()
	require.NotNil(t, req)

	first := cleaner.CleanupAttempt(false, req)
	assert.True(t, first.Success)
	bodyB, _ := store.docBody("b")
	assert.JSONEq(t, `{"v":20}`, bodyB)

	// Cleaning the same attempt again finds nothing to do and succeeds
	// without disturbing the documents.
	second := cleaner.CleanupAttempt(false, req)
	assert.True(t, second.Success)
	bodyB, _ = store.docBody("b")
	assert.JSONEq(t, `{"v":20}`, bodyB)
	_, hasXattr := store.docXattr("b", "txn")
	assert.False(t, hasXattr)
	attempts, ok := store.docXattr(atrID, "attempts")
	require.True(t, ok)
	assert.Empty(t, attempts)
}

func TestCleanByTwoClients(t *testing.T) {
	store := newMemStore()
	store.upsertDoc("a", `{"v":1}`)
	store.upsertDoc("b", `{"v":2}`)
	atrID := crashCommitted(t, store)
	store.setNow(func() time.Time { return time.Now().Add(30 * time.Second) })

	lostOne, cleanerOne := detachedCleanup(t, store)
	lostTwo, cleanerTwo := detachedCleanup(t, store)

	_, _, err := lostOne.ProcessATR("default", "_default", "_default", atrID)
	require.NoError(t, err)
	_, _, err = lostTwo.ProcessATR("default", "_default", "_default", atrID)
	require.NoError(t, err)

	resultsOne := cleanerOne.ForceCleanupQueue()
	resultsTwo := cleanerTwo.ForceCleanupQueue()
	require.Len(t, resultsOne, 1)
	require.Len(t, resultsTwo, 1)
	assert.True(t, resultsOne[0].Success)
	assert.True(t, resultsTwo[0].Success)

	// No document is left in a staged state.
	bodyB, _ := store.docBody("b")
	assert.JSONEq(t, `{"v":20}`, bodyB)
	_, hasXattr := store.docXattr("b", "txn")
	assert.False(t, hasXattr)
	_, hasXattr = store.docXattr("a", "txn")
	assert.False(t, hasXattr)
}

func TestCleanNotYetExpiredRequeues(t *testing.T) {
	store := newMemStore()
	store.upsertDoc("a", `{"v":1}`)
	store.upsertDoc("b", `{"v":2}`)
	atrID := crashCommitted(t, store)
	// Server clock unchanged: the attempt is inside its expiry window, so
	// the safety margin forbids takeover.

	_, cleaner := detachedCleanup(t, store)
	entry := readEntryForTest(t, store, atrID)
	req := &CleanupRequest{
		AttemptID:         entry.attemptID,
		AtrID:             atrID,
		AtrBucketName:     "default",
		AtrScopeName:      "_default",
		AtrCollectionName: "_default",
		State:             entry.state,
		FromATREntry:      true,
	}
	attempt := cleaner.CleanupAttempt(false, req)
	assert.False(t, attempt.Success)
	// The request went back on the queue, and the staged doc is intact.
	assert.Equal(t, int32(1), cleaner.QueueLength())
	_, hasXattr := store.docXattr("b", "txn")
	assert.True(t, hasXattr)
}

func readEntryForTest(t *testing.T, store *memStore, atrID string) atrEntry {
	t.Helper()
	coll, err := store.Collection("default", "_default", "_default")
	require.NoError(t, err)
	entries, err := readATREntries(coll, atrID, timeoutOpts{kvTimeout: time.Second})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}
