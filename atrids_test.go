package transactions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVbucketForKeyStable(t *testing.T) {
	// The mapping is part of the cross-client protocol; any change here
	// breaks foreign-attempt cleanup, so check that it is deterministic and
	// stays inside the ATR id range.
	for _, key := range []string{"a", "b", "anotherDoc", "test-id", ""} {
		first := vbucketForKey(key)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, vbucketForKey(key))
		}
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, numATRs)
	}
	assert.NotEqual(t, vbucketForKey("a"), vbucketForKey("some-very-different-key-entirely"))
}

func TestATRIDForKeyFormat(t *testing.T) {
	id := atrIDForKey("mydoc")
	assert.Contains(t, id, "_txn:atr-")
	assert.Equal(t, atrIDForVbucket(vbucketForKey("mydoc")), id)
}

func TestAllATRIDs(t *testing.T) {
	ids := allATRIDs(0)
	require.Len(t, ids, numATRs)
	seen := make(map[string]struct{})
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, numATRs)
	assert.Equal(t, "_txn:atr-0", ids[0])
	assert.Equal(t, "_txn:atr-1023", ids[1023])

	short := allATRIDs(16)
	assert.Len(t, short, 16)
}

func TestMutationCASRoundTrip(t *testing.T) {
	// 1539336197457313792ns epoch encodes to the server's little-endian
	// hex string and decodes back to milliseconds.
	cas := Cas(1539336197457313792)
	encoded := encodeMutationCAS(cas)
	assert.Equal(t, "0x000058a71dd25c15", encoded)
	assert.Equal(t, uint64(1539336197457), parseMutationCAS(encoded))

	assert.Equal(t, uint64(0), parseMutationCAS(""))
	assert.Equal(t, uint64(0), parseMutationCAS("not-hex"))
}
