package transactions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCollection(t *testing.T) Collection {
	coll, err := newMemStore().Collection("default", "_default", "_default")
	require.NoError(t, err)
	return coll
}

func mut(coll Collection, op stagedMutationType, id, content string, cas Cas) *stagedMutation {
	m := &stagedMutation{
		opType:     op,
		collection: coll,
		docID:      id,
		cas:        cas,
	}
	if content != "" {
		m.content = json.RawMessage(content)
	}
	return m
}

func TestStagedMutationConsolidation(t *testing.T) {
	coll := testCollection(t)

	cases := []struct {
		name    string
		ops     []*stagedMutation
		wantOp  stagedMutationType
		wantVal string
		dropped bool
	}{
		{
			name: "InsertAfterRemoveBecomesReplace",
			ops: []*stagedMutation{
				mut(coll, stagedMutationReplace, "k", `{"v":1}`, 1),
				mut(coll, stagedMutationRemove, "k", "", 2),
				mut(coll, stagedMutationInsert, "k", `{"v":2}`, 3),
			},
			wantOp:  stagedMutationReplace,
			wantVal: `{"v":2}`,
		},
		{
			name: "ReplaceAfterInsertStaysInsert",
			ops: []*stagedMutation{
				mut(coll, stagedMutationInsert, "k", `{"v":1}`, 1),
				mut(coll, stagedMutationReplace, "k", `{"v":2}`, 2),
			},
			wantOp:  stagedMutationInsert,
			wantVal: `{"v":2}`,
		},
		{
			name: "RemoveAfterInsertDropsEntry",
			ops: []*stagedMutation{
				mut(coll, stagedMutationInsert, "k", `{"v":1}`, 1),
				mut(coll, stagedMutationRemove, "k", "", 2),
			},
			dropped: true,
		},
		{
			name: "RemoveAfterReplaceBecomesRemove",
			ops: []*stagedMutation{
				mut(coll, stagedMutationReplace, "k", `{"v":1}`, 1),
				mut(coll, stagedMutationRemove, "k", "", 2),
			},
			wantOp: stagedMutationRemove,
		},
		{
			name: "ReplaceAfterReplaceUpdatesInPlace",
			ops: []*stagedMutation{
				mut(coll, stagedMutationReplace, "k", `{"v":1}`, 1),
				mut(coll, stagedMutationReplace, "k", `{"v":9}`, 2),
			},
			wantOp:  stagedMutationReplace,
			wantVal: `{"v":9}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &stagedMutationQueue{}
			for _, op := range tc.ops {
				q.add(op)
			}
			got := q.find(coll, "k")
			if tc.dropped {
				assert.Nil(t, got)
				assert.True(t, q.empty())
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.wantOp, got.opType)
			if tc.wantVal != "" {
				assert.JSONEq(t, tc.wantVal, string(got.content))
			}
			// Consolidation keeps the latest CAS.
			assert.Equal(t, tc.ops[len(tc.ops)-1].cas, got.cas)
		})
	}
}

func TestStagedMutationExtractOrder(t *testing.T) {
	coll := testCollection(t)
	q := &stagedMutationQueue{}
	q.add(mut(coll, stagedMutationInsert, "a", `1`, 1))
	q.add(mut(coll, stagedMutationReplace, "b", `2`, 2))
	q.add(mut(coll, stagedMutationRemove, "c", "", 3))
	q.add(mut(coll, stagedMutationReplace, "a", `9`, 4))

	extracted := q.extract()
	require.Len(t, extracted, 3)
	assert.Equal(t, "a", extracted[0].docID)
	assert.Equal(t, "b", extracted[1].docID)
	assert.Equal(t, "c", extracted[2].docID)
	// a stays an insert with replaced content.
	assert.Equal(t, stagedMutationInsert, extracted[0].opType)
	assert.JSONEq(t, `9`, string(extracted[0].content))
}

func TestStagedMutationDocRecords(t *testing.T) {
	coll := testCollection(t)
	q := &stagedMutationQueue{}
	q.add(mut(coll, stagedMutationInsert, "i1", `1`, 1))
	q.add(mut(coll, stagedMutationReplace, "r1", `2`, 2))
	q.add(mut(coll, stagedMutationRemove, "d1", "", 3))

	ins, rep, rem := q.extractDocRecords()
	require.Len(t, ins, 1)
	require.Len(t, rep, 1)
	require.Len(t, rem, 1)
	assert.Equal(t, "i1", ins[0].DocID)
	assert.Equal(t, "r1", rep[0].DocID)
	assert.Equal(t, "d1", rem[0].DocID)
	assert.Equal(t, "default", ins[0].BucketName)
}

func TestStagedMutationFindScopedByCollection(t *testing.T) {
	store := newMemStore()
	collA, err := store.Collection("default", "_default", "a")
	require.NoError(t, err)
	collB, err := store.Collection("default", "_default", "b")
	require.NoError(t, err)

	q := &stagedMutationQueue{}
	q.add(mut(collA, stagedMutationInsert, "k", `1`, 1))

	assert.NotNil(t, q.find(collA, "k"))
	assert.Nil(t, q.find(collB, "k"))
	assert.NotNil(t, q.findType(collA, "k", stagedMutationInsert))
	assert.Nil(t, q.findType(collA, "k", stagedMutationReplace))
}
