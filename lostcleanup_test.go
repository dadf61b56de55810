package transactions

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLostCleaner(t *testing.T, store DocumentStore, clientUUID string) *lostTransactionCleaner {
	t.Helper()
	config := &Config{}
	config.applyDefaults()
	cleaner := newAttachedCleaner(store, config, zap.NewNop(), nil)
	cleaner.Close()
	return newLostTransactionCleaner(store, config, clientUUID, zap.NewNop(), nil, cleaner)
}

func TestProcessClientFirstClient(t *testing.T) {
	store := newMemStore()
	lost := newTestLostCleaner(t, store, "client-one")

	details, err := lost.ProcessClient("default", "_default", "_default", "client-one")
	require.NoError(t, err)
	assert.Equal(t, 1, details.NumActiveClients)
	assert.Equal(t, 0, details.IndexOfThisClient)
	assert.Equal(t, "client-one", details.ClientUUID)

	// The client record now carries our heartbeat.
	_, ok := store.docXattr(clientRecordDocID, "clients.client-one.heartbeat_ms")
	assert.True(t, ok)
	expires, ok := store.docXattr(clientRecordDocID, "clients.client-one.expires_ms")
	require.True(t, ok)
	assert.Equal(t, float64(durationToMS(60*time.Second)+safetyMarginMS), expires)
}

func TestProcessClientMembershipIsSorted(t *testing.T) {
	store := newMemStore()
	lostA := newTestLostCleaner(t, store, "aaaa-client")
	lostB := newTestLostCleaner(t, store, "bbbb-client")

	_, err := lostA.ProcessClient("default", "_default", "_default", "aaaa-client")
	require.NoError(t, err)
	detailsB, err := lostB.ProcessClient("default", "_default", "_default", "bbbb-client")
	require.NoError(t, err)
	assert.Equal(t, 2, detailsB.NumActiveClients)
	assert.Equal(t, 1, detailsB.IndexOfThisClient)

	detailsA, err := lostA.ProcessClient("default", "_default", "_default", "aaaa-client")
	require.NoError(t, err)
	assert.Equal(t, 2, detailsA.NumActiveClients)
	assert.Equal(t, 0, detailsA.IndexOfThisClient)
}

func TestProcessClientPrunesExpired(t *testing.T) {
	store := newMemStore()
	lostA := newTestLostCleaner(t, store, "aaaa-client")
	_, err := lostA.ProcessClient("default", "_default", "_default", "aaaa-client")
	require.NoError(t, err)

	// Let aaaa-client's record expire, then heartbeat as a new client.
	store.setNow(func() time.Time { return time.Now().Add(5 * time.Minute) })
	lostB := newTestLostCleaner(t, store, "bbbb-client")
	details, err := lostB.ProcessClient("default", "_default", "_default", "bbbb-client")
	require.NoError(t, err)

	assert.Equal(t, 1, details.NumActiveClients)
	assert.Equal(t, 0, details.IndexOfThisClient)
	assert.Contains(t, details.ExpiredClientIDs, "aaaa-client")
	assert.Equal(t, 2, details.NumExistingClients)

	_, ok := store.docXattr(clientRecordDocID, "clients.aaaa-client")
	assert.False(t, ok)
	_, ok = store.docXattr(clientRecordDocID, "clients.bbbb-client")
	assert.True(t, ok)
}

func TestProcessClientHonoursOverride(t *testing.T) {
	store := newMemStore()
	coll, err := store.Collection("default", "_default", "_default")
	require.NoError(t, err)

	expires := uint64(time.Now().Add(10*time.Minute).UnixNano()) / 1000000
	_, err = coll.MutateIn(clientRecordDocID, []MutateInSpec{
		{Op: MutateInOpUpsertPath, Path: fieldOverrideEnabled,
			Value: jsonMarshalMust(true), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: fieldOverrideExpires,
			Value: jsonMarshalMust(expires), Xattr: true, CreatePath: true},
		{Op: MutateInOpUpsertPath, Path: fieldClients,
			Value: jsonMarshalMust(map[string]interface{}{}), Xattr: true, CreatePath: true},
	}, &MutateInOptions{StoreSemantics: StoreSemanticsUpsert})
	require.NoError(t, err)

	lost := newTestLostCleaner(t, store, "quiet-client")
	details, err := lost.ProcessClient("default", "_default", "_default", "quiet-client")
	require.NoError(t, err)
	assert.True(t, details.OverrideEnabled)
	assert.True(t, details.OverrideActive)

	// With an active override the client reads membership but writes no
	// heartbeat.
	_, ok := store.docXattr(clientRecordDocID, "clients.quiet-client")
	assert.False(t, ok)
}

func TestShardAssignmentPartitionsATRs(t *testing.T) {
	// Every ATR id must land in exactly one live client's shard.
	for _, numClients := range []int{1, 2, 3, 5, 7} {
		numClients := numClients
		t.Run(fmt.Sprintf("clients=%d", numClients), func(t *testing.T) {
			all := allATRIDs(0)
			seen := make(map[string]int)
			for idx := 0; idx < numClients; idx++ {
				for i := idx; i < len(all); i += numClients {
					seen[all[i]]++
				}
			}
			require.Len(t, seen, len(all))
			for id, count := range seen {
				assert.Equal(t, 1, count, "atr %s scanned by %d clients", id, count)
			}
		})
	}
}

func TestProcessATRQueuesOnlyExpired(t *testing.T) {
	store := newMemStore()
	store.upsertDoc("x", `{"v":1}`)
	store.upsertDoc("y", `{"v":1}`)
	const pinnedATR = "_txn:atr-999"

	crash := func(docID string) {
		hooks := &testHooks{
			beforeATRCommit: func(ctx *AttemptContext) error { return ErrHard },
			randomATRID:     func(ctx *AttemptContext) (string, error) { return pinnedATR, nil },
		}
		cfg := &Config{}
		cfg.Internal.Hooks = hooks
		txns, coll := initTestTransactions(t, store, cfg)
		_, err := txns.Run(func(ctx *AttemptContext) error {
			doc, err := ctx.Get(coll, docID)
			if err != nil {
				return err
			}
			_, err = ctx.Replace(doc, map[string]int{"v": 2})
			return err
		}, nil)
		require.Error(t, err)
	}

	// First stale attempt, then time passes, then a fresh one.
	crash("x")
	store.setNow(func() time.Time { return time.Now().Add(30 * time.Second) })
	crash("y")

	lost := newTestLostCleaner(t, store, "scanner")
	attempts, stats, err := lost.ProcessATR("default", "_default", "_default", pinnedATR)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NumEntries)
	assert.Equal(t, 1, stats.NumEntriesExpired)
	require.Len(t, attempts, 1)
	assert.Equal(t, int32(1), lost.cleaner.QueueLength())
}

func TestProcessATRMissingATR(t *testing.T) {
	store := newMemStore()
	lost := newTestLostCleaner(t, store, "scanner")
	attempts, stats, err := lost.ProcessATR("default", "_default", "_default", "_txn:atr-5")
	require.NoError(t, err)
	assert.Nil(t, attempts)
	assert.Zero(t, stats.NumEntries)
}

func TestRemoveClient(t *testing.T) {
	store := newMemStore()
	lost := newTestLostCleaner(t, store, "leaver")
	_, err := lost.ProcessClient("default", "_default", "_default", "leaver")
	require.NoError(t, err)
	_, ok := store.docXattr(clientRecordDocID, "clients.leaver")
	require.True(t, ok)

	require.NoError(t, lost.RemoveClient("leaver"))
	_, ok = store.docXattr(clientRecordDocID, "clients.leaver")
	assert.False(t, ok)
}
