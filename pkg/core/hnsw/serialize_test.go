package hnsw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altavec/altavec/pkg/core/distance"
)

// dumpIndex exports every node the way a storage layer would, walking with
// a cursor.
func dumpIndex(t *testing.T, idx *Index) []*SerializedNode {
	t.Helper()
	cur := idx.NewCursor()
	defer cur.Close()

	var out []*SerializedNode
	cur.Acquire()
	for n := cur.Next(); n != nil; n = cur.Next() {
		out = append(out, idx.SerializeNode(n))
	}
	cur.Release()
	return out
}

func reloadIndex(t *testing.T, idx *Index, nodes []*SerializedNode, salt0, salt1 uint64) (*Index, error) {
	t.Helper()
	loaded, err := New(idx.Dim(), idx.Quantization(), idx.M())
	require.NoError(t, err)
	for _, sn := range nodes {
		_, err := loaded.InsertSerialized(sn, nil)
		require.NoError(t, err)
	}
	return loaded, loaded.FinishDeserialize(salt0, salt1)
}

func TestSerializeRoundTrip(t *testing.T) {
	for _, quant := range []distance.Quantization{distance.None, distance.Q8, distance.Bin} {
		t.Run(quant.String(), func(t *testing.T) {
			vectors := randomUnitVectors(80, 1000, 32)
			idx := buildIndex(t, quant, vectors)

			nodes := dumpIndex(t, idx)
			require.Len(t, nodes, 1000)

			loaded, err := reloadIndex(t, idx, nodes, 0xABCD, 0x1234)
			require.NoError(t, err)

			assert.Equal(t, uint64(1000), loaded.Len())
			checkGraph(t, loaded)

			report := loaded.Validate()
			assert.Equal(t, uint64(1000), report.ConnectedNodes)
			assert.True(t, report.ReciprocalLinks)

			// The reloaded graph must search as well as the original.
			recall := loaded.SelfRecall(DefaultEfC)
			assert.GreaterOrEqual(t, recall, 0.95)
		})
	}
}

func TestSerializeRoundTripPreservesIDAllocator(t *testing.T) {
	vectors := randomUnitVectors(81, 50, 8)
	idx := buildIndex(t, distance.None, vectors)

	loaded, err := reloadIndex(t, idx, dumpIndex(t, idx), 0, 0)
	require.NoError(t, err)

	// A fresh insert must not collide with a restored ID.
	node, err := loaded.Insert(randomUnitVectors(82, 1, 8)[0], nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(51), node.ID)
}

func TestSerializeNodeVectorSurvives(t *testing.T) {
	vectors := randomUnitVectors(83, 20, 16)
	idx := buildIndex(t, distance.None, vectors)

	loaded, err := reloadIndex(t, idx, dumpIndex(t, idx), 0, 0)
	require.NoError(t, err)

	for n := loaded.head; n != nil; n = n.next {
		got := loaded.NodeVector(n)
		var orig *Node
		for o := idx.head; o != nil; o = o.next {
			if o.ID == n.ID {
				orig = o
				break
			}
		}
		require.NotNil(t, orig)
		want := idx.NodeVector(orig)
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-6)
		}
	}
}

func TestFinishDeserializeDetectsTamperedLink(t *testing.T) {
	vectors := randomUnitVectors(84, 100, 8)
	idx := buildIndex(t, distance.None, vectors)
	nodes := dumpIndex(t, idx)

	// Find a node with at least two layer 0 links and redirect its first
	// link to a different existing node. The layout after the ID and the
	// level tag is: num links, max links, then the link IDs.
	var victim *SerializedNode
	for _, sn := range nodes {
		if sn.Params[2] >= 2 {
			victim = sn
			break
		}
	}
	require.NotNil(t, victim)

	oldLink := victim.Params[4]
	replacement := oldLink%100 + 1
	for replacement == oldLink || replacement == victim.Params[0] || replacement == victim.Params[5] {
		replacement = replacement%100 + 1
	}
	victim.Params[4] = replacement

	_, err := reloadIndex(t, idx, nodes, 7, 11)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFinishDeserializeDetectsDuplicateLink(t *testing.T) {
	vectors := randomUnitVectors(85, 50, 8)
	idx := buildIndex(t, distance.None, vectors)
	nodes := dumpIndex(t, idx)

	var victim *SerializedNode
	for _, sn := range nodes {
		if sn.Params[2] >= 2 {
			victim = sn
			break
		}
	}
	require.NotNil(t, victim)
	victim.Params[4] = victim.Params[5]

	_, err := reloadIndex(t, idx, nodes, 0, 0)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestInsertSerializedRejectsBadInput(t *testing.T) {
	idx, err := New(4, distance.None, 0)
	require.NoError(t, err)

	// Truncated params.
	_, err = idx.InsertSerialized(&SerializedNode{Params: []uint64{1}}, nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	// ID zero is reserved.
	_, err = idx.InsertSerialized(&SerializedNode{
		Vector: make([]byte, idx.EncodedVectorSize()),
		Params: []uint64{0, 0},
	}, nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	// A format version from the future.
	_, err = idx.InsertSerialized(&SerializedNode{
		Vector: make([]byte, idx.EncodedVectorSize()),
		Params: []uint64{1, uint64(9) << 24},
	}, nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	// Wrong vector payload size.
	_, err = idx.InsertSerialized(&SerializedNode{
		Vector: make([]byte, 3),
		Params: []uint64{1, 0},
	}, nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPairMixerDirectionIndependent(t *testing.T) {
	h1a, h2a := pairMixer128(1, 2, 10, 20, 0)
	h1b, h2b := pairMixer128(1, 2, 20, 10, 0)
	assert.Equal(t, h1a, h1b)
	assert.Equal(t, h2a, h2b)

	// Different layer, different hash.
	h1c, _ := pairMixer128(1, 2, 10, 20, 1)
	assert.NotEqual(t, h1a, h1c)

	// Different salts, different hash.
	h1d, _ := pairMixer128(3, 4, 10, 20, 0)
	assert.NotEqual(t, h1a, h1d)
}
