// Package hnsw implements a Hierarchical Navigable Small World index: an
// in-memory proximity graph supporting approximate nearest-neighbor search
// with optional predicate filtering, true deletion with neighborhood repair,
// and ID-based serialization with link integrity verification.
//
// The index is safe for concurrent use. Readers acquire one of a fixed
// number of reader slots, which pairs a shared lock with a per-slot visited
// epoch lane so traversals need no per-call visited-set allocation. Node
// pointers returned by a search are only valid while the read slot is held.
package hnsw

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/altavec/altavec/pkg/core/distance"
	"github.com/altavec/altavec/pkg/metrics"
)

// Index is a layered proximity graph over vectors of a fixed dimensionality
// and encoding. All structural mutation happens under the exclusive lock;
// the version counter is bumped by every change that can invalidate an
// in-flight optimistic insert (deletions and entry point changes).
type Index struct {
	mu        sync.RWMutex
	slotLocks [ReaderSlots]sync.Mutex
	nextSlot  atomic.Uint32

	// currentEpoch is bumped by the slot owner at the start of each
	// traversal; nodes stamped with the current value count as visited.
	currentEpoch [ReaderSlots]uint64

	version atomic.Uint64
	lastID  atomic.Uint64

	dim   int
	quant distance.Quantization
	m     int

	entry     *Node
	maxLevel  int
	head      *Node
	nodeCount uint64

	cursors *Cursor
}

// New creates an empty index for vectors of the given dimensionality and
// encoding. m is the target per-layer degree (layer 0 holds up to 2m links);
// zero selects the default and out-of-range values are clamped.
func New(dim int, quant distance.Quantization, m int) (*Index, error) {
	if dim <= 0 {
		return nil, ErrInvalidDimension
	}
	if !quant.Valid() {
		return nil, ErrInvalidQuantization
	}
	switch {
	case m == 0:
		m = DefaultM
	case m < MinM:
		m = MinM
	case m > MaxM:
		m = MaxM
	}
	return &Index{
		dim:   dim,
		quant: quant,
		m:     m,
	}, nil
}

// Dim returns the vector dimensionality of the index.
func (idx *Index) Dim() int { return idx.dim }

// Quantization returns the vector encoding of the index.
func (idx *Index) Quantization() distance.Quantization { return idx.quant }

// M returns the configured branching factor.
func (idx *Index) M() int { return idx.m }

// Len returns the number of nodes currently in the graph.
func (idx *Index) Len() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nodeCount
}

// AcquireReadSlot takes a reader slot and the shared lock. The returned
// slot number must be passed to the traversal functions and eventually to
// ReleaseReadSlot. Release only after any returned node pointers have been
// consumed: nodes are guaranteed alive only while the slot is held.
func (idx *Index) AcquireReadSlot() int {
	// Fast path: grab any free slot.
	for i := range idx.slotLocks {
		if idx.slotLocks[i].TryLock() {
			idx.mu.RLock()
			return i
		}
	}

	// All busy: round-robin on a slot and wait for it.
	slot := int((idx.nextSlot.Add(1) - 1) % ReaderSlots)
	idx.slotLocks[slot].Lock()
	idx.mu.RLock()
	return slot
}

// ReleaseReadSlot releases the shared lock and the slot taken by
// AcquireReadSlot.
func (idx *Index) ReleaseReadSlot(slot int) {
	if slot < 0 || slot >= ReaderSlots {
		return
	}
	idx.mu.RUnlock()
	idx.slotLocks[slot].Unlock()
}

// NodeVector reconstructs an approximation of the vector originally stored
// in the node, de-quantizing and de-normalizing as needed. For the float32
// encoding the result is exact up to rounding.
func (idx *Index) NodeVector(n *Node) []float32 {
	vec := make([]float32, 0, idx.dim)
	switch idx.quant {
	case distance.None:
		vec = append(vec, n.vecF32...)
	case distance.Q8:
		vec = distance.DequantizeQ8(vec, n.vecQ8, n.quantsRange)
	case distance.Bin:
		vec = distance.UnpackBits(vec, n.vecBin, idx.dim)
	}
	if idx.quant != distance.Bin {
		for i := range vec {
			vec[i] *= n.l2
		}
	}
	return vec
}

// RandomNode returns a node picked at random, or nil when the index is
// empty. It descends from the entry point through random links and then
// performs a short random walk at layer 0; the walk length grows with the
// logarithm of the node count so the choice mixes well. The caller must
// hold a read slot.
func (idx *Index) RandomNode(slot int) *Node {
	_ = slot // The walk needs no visited tracking, only the held lock.
	if idx.entry == nil || idx.nodeCount == 0 {
		return nil
	}

	current := idx.entry
	for level := idx.maxLevel; level > 0; level-- {
		if current.level < level || len(current.layers[level].links) == 0 {
			continue
		}
		current = current.layers[level].links[rand.Intn(len(current.layers[level].links))]
	}

	// Walk length log2(N+1)*3, plus a random extra step to avoid the
	// ping-pong effect on tiny graphs where a fixed parity would always
	// land on the same node.
	walks := int(math.Log2(float64(idx.nodeCount+1))*3) + rand.Intn(2)
	for i := 0; i < walks; i++ {
		if len(current.layers[0].links) == 0 {
			return current
		}
		current = current.layers[0].links[rand.Intn(len(current.layers[0].links))]
	}
	return current
}

// quantLabel is the metrics label shared by all operations on this index.
func (idx *Index) quantLabel() string { return idx.quant.String() }

func (idx *Index) observeNodeCount() {
	metrics.Nodes.WithLabelValues(idx.quantLabel()).Set(float64(idx.nodeCount))
}
