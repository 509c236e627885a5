package hnsw

import (
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altavec/altavec/pkg/core/distance"
)

// randomUnitVectors generates deterministic random vectors; Insert
// normalizes, so the raw vectors do not need to be unit length.
func randomUnitVectors(seed int64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func buildIndex(t testing.TB, quant distance.Quantization, vectors [][]float32) *Index {
	t.Helper()
	idx, err := New(len(vectors[0]), quant, 0)
	require.NoError(t, err)
	for i, v := range vectors {
		_, err := idx.Insert(v, uint64(i), 0)
		require.NoError(t, err)
	}
	return idx
}

// checkGraph verifies link reciprocity and the degree bounds on every
// layer of every node.
func checkGraph(t *testing.T, idx *Index) {
	t.Helper()
	for node := idx.head; node != nil; node = node.next {
		for i := 0; i <= node.level; i++ {
			l := &node.layers[i]

			limit := idx.m * 2
			if i == 0 {
				limit = idx.m * 3
			}
			assert.LessOrEqual(t, len(l.links), l.maxLinks, "node %d layer %d over capacity", node.ID, i)
			assert.LessOrEqual(t, l.maxLinks, limit, "node %d layer %d capacity grew past the cap", node.ID, i)

			for _, neighbor := range l.links {
				require.NotEqual(t, node, neighbor, "node %d links to itself at layer %d", node.ID, i)
				found := false
				for _, back := range neighbor.layers[i].links {
					if back == node {
						found = true
						break
					}
				}
				assert.True(t, found, "link %d->%d at layer %d is not reciprocal", node.ID, neighbor.ID, i)
			}
		}
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(0, distance.None, 0)
	assert.ErrorIs(t, err, ErrInvalidDimension)

	_, err = New(4, distance.Quantization(99), 0)
	assert.ErrorIs(t, err, ErrInvalidQuantization)

	idx, err := New(4, distance.None, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultM, idx.M())

	idx, err = New(4, distance.None, 2)
	require.NoError(t, err)
	assert.Equal(t, MinM, idx.M())

	idx, err = New(4, distance.None, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, MaxM, idx.M())
}

func TestInsertDimensionMismatch(t *testing.T) {
	idx, err := New(4, distance.None, 0)
	require.NoError(t, err)

	_, err = idx.Insert([]float32{1, 0}, nil, 0)
	var mismatch *DimensionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.Got)
	assert.Equal(t, 4, mismatch.Want)
}

func TestSearchSmallGraph(t *testing.T) {
	idx, err := New(4, distance.None, 8)
	require.NoError(t, err)

	n1, err := idx.Insert([]float32{1, 0, 0, 0}, "a", 0)
	require.NoError(t, err)
	n2, err := idx.Insert([]float32{0, 1, 0, 0}, "b", 0)
	require.NoError(t, err)
	n3, err := idx.Insert([]float32{0.9, 0.1, 0, 0}, "c", 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), n1.ID)
	assert.Equal(t, uint64(2), n2.ID)
	assert.Equal(t, uint64(3), n3.ID)

	slot := idx.AcquireReadSlot()
	defer idx.ReleaseReadSlot(slot)

	results, err := idx.Search([]float32{1, 0, 0, 0}, 2, 0, slot)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(1), results[0].Node.ID)
	assert.Equal(t, uint64(3), results[1].Node.ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-5)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx, err := New(4, distance.None, 0)
	require.NoError(t, err)

	slot := idx.AcquireReadSlot()
	defer idx.ReleaseReadSlot(slot)

	results, err := idx.Search([]float32{1, 0, 0, 0}, 5, 0, slot)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGraphInvariantsAfterInserts(t *testing.T) {
	vectors := randomUnitVectors(42, 500, 16)
	idx := buildIndex(t, distance.None, vectors)

	assert.Equal(t, uint64(500), idx.Len())
	checkGraph(t, idx)
}

func TestSelfRecall(t *testing.T) {
	vectors := randomUnitVectors(7, 500, 32)
	idx := buildIndex(t, distance.None, vectors)

	recall := idx.SelfRecall(DefaultEfC)
	assert.GreaterOrEqual(t, recall, 0.95, "top-1 self recall")
}

func TestRecallAgainstGroundTruth(t *testing.T) {
	vectors := randomUnitVectors(11, 400, 16)
	idx := buildIndex(t, distance.None, vectors)

	queries := randomUnitVectors(13, 50, 16)
	slot := idx.AcquireReadSlot()
	defer idx.ReleaseReadSlot(slot)

	hits := 0
	for _, q := range queries {
		approx, err := idx.Search(q, 10, 100, slot)
		require.NoError(t, err)
		exact, err := idx.GroundTruth(q, 10, slot, nil)
		require.NoError(t, err)
		require.NotEmpty(t, exact)

		exactIDs := map[uint64]bool{}
		for _, r := range exact {
			exactIDs[r.Node.ID] = true
		}
		for _, r := range approx {
			if exactIDs[r.Node.ID] {
				hits++
			}
		}
	}
	recall := float64(hits) / float64(len(queries)*10)
	assert.GreaterOrEqual(t, recall, 0.9, "top-10 recall vs linear scan")
}

func TestSearchWithFilter(t *testing.T) {
	idx, err := New(4, distance.None, 8)
	require.NoError(t, err)

	_, err = idx.Insert([]float32{1, 0, 0, 0}, uint64(1), 0)
	require.NoError(t, err)
	_, err = idx.Insert([]float32{0, 1, 0, 0}, uint64(2), 0)
	require.NoError(t, err)
	_, err = idx.Insert([]float32{0.9, 0.1, 0, 0}, uint64(3), 0)
	require.NoError(t, err)

	slot := idx.AcquireReadSlot()
	defer idx.ReleaseReadSlot(slot)

	notThree := func(value any) bool { return value.(uint64) != 3 }

	// Whatever the traversal budget, the excluded node must never appear.
	for _, maxCandidates := range []int{0, 1, 2, 100} {
		results, err := idx.SearchWithFilter([]float32{1, 0, 0, 0}, 2, 0, slot, maxCandidates, notThree)
		require.NoError(t, err)
		for _, r := range results {
			assert.NotEqual(t, uint64(3), r.Node.Value, "maxCandidates %d", maxCandidates)
		}
	}

	results, err := idx.SearchWithFilter([]float32{1, 0, 0, 0}, 2, 0, slot, 0, notThree)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(1), results[0].Node.Value)
	assert.Equal(t, uint64(2), results[1].Node.Value)
}

func TestFilteredSearchCrossesNonMatchingRegions(t *testing.T) {
	vectors := randomUnitVectors(21, 300, 8)
	idx := buildIndex(t, distance.None, vectors)

	slot := idx.AcquireReadSlot()
	defer idx.ReleaseReadSlot(slot)

	// Only every tenth node matches: the traversal must walk through the
	// other ninety percent to find them.
	filter := func(value any) bool { return value.(uint64)%10 == 0 }
	query := randomUnitVectors(23, 1, 8)[0]

	results, err := idx.SearchWithFilter(query, 5, 100, slot, 0, filter)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Zero(t, r.Node.Value.(uint64)%10)
	}
}

func TestQuantizedRecall(t *testing.T) {
	for _, quant := range []distance.Quantization{distance.Q8, distance.Bin} {
		t.Run(quant.String(), func(t *testing.T) {
			vectors := randomUnitVectors(31, 300, 64)
			idx := buildIndex(t, quant, vectors)

			// Quantized encodings are lossy: compare against the ground
			// truth computed on the same encoding, not the f32 source.
			slot := idx.AcquireReadSlot()
			defer idx.ReleaseReadSlot(slot)

			hits := 0
			for i := 0; i < 20; i++ {
				q := vectors[i]
				approx, err := idx.Search(q, 1, 100, slot)
				require.NoError(t, err)
				exact, err := idx.GroundTruth(q, 1, slot, nil)
				require.NoError(t, err)
				require.NotEmpty(t, approx)
				require.NotEmpty(t, exact)
				if approx[0].Node.ID == exact[0].Node.ID {
					hits++
				}
			}
			assert.GreaterOrEqual(t, hits, 17, "top-1 agreement with linear scan")
		})
	}
}

func TestNodeVectorReconstruction(t *testing.T) {
	vectors := randomUnitVectors(17, 20, 32)

	t.Run("f32", func(t *testing.T) {
		idx := buildIndex(t, distance.None, vectors)
		slot := idx.AcquireReadSlot()
		defer idx.ReleaseReadSlot(slot)
		for node := idx.head; node != nil; node = node.next {
			got := idx.NodeVector(node)
			want := vectors[node.Value.(uint64)]
			for i := range want {
				assert.InDelta(t, want[i], got[i], 1e-4)
			}
		}
	})

	t.Run("q8", func(t *testing.T) {
		idx := buildIndex(t, distance.Q8, vectors)
		slot := idx.AcquireReadSlot()
		defer idx.ReleaseReadSlot(slot)
		for node := idx.head; node != nil; node = node.next {
			got := idx.NodeVector(node)
			want := vectors[node.Value.(uint64)]
			for i := range want {
				assert.InDelta(t, want[i], got[i], 0.05)
			}
		}
	})

	t.Run("bin", func(t *testing.T) {
		idx := buildIndex(t, distance.Bin, vectors)
		slot := idx.AcquireReadSlot()
		defer idx.ReleaseReadSlot(slot)
		for node := idx.head; node != nil; node = node.next {
			got := idx.NodeVector(node)
			want := vectors[node.Value.(uint64)]
			for i := range want {
				if want[i] >= 0 {
					assert.Equal(t, float32(1), got[i])
				} else {
					assert.Equal(t, float32(-1), got[i])
				}
			}
		}
	})
}

func TestRandomNode(t *testing.T) {
	idx, err := New(8, distance.None, 0)
	require.NoError(t, err)

	slot := idx.AcquireReadSlot()
	assert.Nil(t, idx.RandomNode(slot))
	idx.ReleaseReadSlot(slot)

	vectors := randomUnitVectors(3, 100, 8)
	for i, v := range vectors {
		_, err := idx.Insert(v, uint64(i), 0)
		require.NoError(t, err)
	}

	slot = idx.AcquireReadSlot()
	defer idx.ReleaseReadSlot(slot)

	seen := map[uint64]bool{}
	for i := 0; i < 200; i++ {
		node := idx.RandomNode(slot)
		require.NotNil(t, node)
		seen[node.ID] = true
	}
	// The walk should mix: many distinct nodes over 200 draws.
	assert.Greater(t, len(seen), 10)
}

func TestShouldReuse(t *testing.T) {
	vectors := randomUnitVectors(29, 200, 8)
	idx := buildIndex(t, distance.None, vectors)

	slot := idx.AcquireReadSlot()

	var node *Node
	for n := idx.head; n != nil; n = n.next {
		if len(n.layers[0].links) >= 4 {
			node = n
			break
		}
	}
	require.NotNil(t, node)
	same := idx.NodeVector(node)
	far := make([]float32, len(same))
	for i := range far {
		far[i] = -same[i]
	}
	idx.ReleaseReadSlot(slot)

	assert.True(t, idx.ShouldReuse(node, same))
	assert.False(t, idx.ShouldReuse(node, far))
}

func TestStats(t *testing.T) {
	vectors := randomUnitVectors(37, 100, 8)
	idx := buildIndex(t, distance.None, vectors)

	stats := idx.Stats()
	assert.Equal(t, uint64(100), stats.Nodes)
	assert.Greater(t, stats.AvgLinks, 1.0)
	assert.Zero(t, stats.IsolatedNodes)
}

func TestValidateFreshIndex(t *testing.T) {
	vectors := randomUnitVectors(41, 200, 8)
	idx := buildIndex(t, distance.None, vectors)

	report := idx.Validate()
	assert.Equal(t, uint64(200), report.ConnectedNodes)
	assert.True(t, report.ReciprocalLinks)
}

func BenchmarkInsert(b *testing.B) {
	vectors := randomUnitVectors(42, b.N+1, 128)
	idx, _ := New(128, distance.None, 0)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if _, err := idx.Insert(vectors[n], nil, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSearch(b *testing.B) {
	vectors := randomUnitVectors(42, 10000, 128)
	idx, _ := New(128, distance.None, 0)
	for i, v := range vectors {
		if _, err := idx.Insert(v, uint64(i), 0); err != nil {
			b.Fatal(err)
		}
	}
	queries := randomUnitVectors(43, 100, 128)
	slot := idx.AcquireReadSlot()
	defer idx.ReleaseReadSlot(slot)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if _, err := idx.Search(queries[n%len(queries)], 10, 100, slot); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConcurrentInsert(b *testing.B) {
	const dim = 128
	vectors := randomUnitVectors(42, 10000, dim)
	idx, _ := New(dim, distance.None, 0)
	var counter uint64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := atomic.AddUint64(&counter, 1) - 1
			v := vectors[int(i)%len(vectors)]
			ctx, err := idx.PrepareInsert(v, 0)
			if err != nil {
				b.Error(err)
				return
			}
			if _, ok := idx.TryCommitInsert(ctx, nil); !ok {
				// Stale preparation, fall back to the blocking path.
				if _, err := idx.Insert(v, nil, 0); err != nil {
					b.Error(err)
					return
				}
			}
		}
	})
}
