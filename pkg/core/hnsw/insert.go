package hnsw

import (
	"math/rand"

	"github.com/altavec/altavec/pkg/metrics"
)

// randomLevel draws the level of a new node from a geometric distribution:
// each step levels up with probability 0.25, capped at MaxLevel.
func randomLevel() int {
	level := 0
	for rand.Float64() < levelUpP && level < MaxLevel {
		level++
	}
	return level
}

// InsertContext carries the read-only preparation work of an optimistic
// insert: the pre-built node and the candidate queue collected for each of
// its layers, plus the graph version observed during preparation.
type InsertContext struct {
	levelQueues [MaxLevel + 1]*priorityQueue
	node        *Node
	version     uint64
	index       *Index
}

// Release frees the context's resources. It must be called when the context
// is abandoned without a commit; a successful commit releases it
// internally.
func (ctx *InsertContext) Release() {
	if ctx == nil {
		return
	}
	for i, q := range ctx.levelQueues {
		if q != nil {
			releaseQueue(q)
			ctx.levelQueues[i] = nil
		}
	}
	ctx.node = nil
}

// prepareInsertNolock builds a new node and collects link candidates for
// every layer it will occupy. Read-only: the caller must hold at least the
// shared lock together with the slot.
func (idx *Index) prepareInsertNolock(vector []float32, slot, ef int) *InsertContext {
	ctx := &InsertContext{
		version: idx.version.Load(),
		index:   idx,
	}
	ctx.node = idx.newNode(0, vector, randomLevel(), true)

	currentEp := idx.entry
	if currentEp == nil {
		// Empty graph, no candidates to collect.
		return ctx
	}

	// Phase 1: find a good entry point on the highest level of the new
	// node, descending greedily through the layers above it.
	level := ctx.node.level
	for lc := idx.maxLevel; lc > level; lc-- {
		results := idx.searchLayer(ctx.node, currentEp, 1, lc, slot, nil, 0)
		if results.len() > 0 {
			currentEp, _ = results.best(0)
		}
		releaseQueue(results)
	}

	// Phase 2: collect potential connections for each layer of the new
	// node.
	top := level
	if idx.maxLevel < top {
		top = idx.maxLevel
	}
	for lc := top; lc >= 0; lc-- {
		candidates := idx.searchLayer(ctx.node, currentEp, ef, lc, slot, nil, 0)
		if candidates.len() > 0 {
			currentEp, _ = candidates.best(0)
		}
		ctx.levelQueues[lc] = candidates
	}

	return ctx
}

// PrepareInsert runs the read-only half of an optimistic insert: it
// snapshots the graph version, builds the node and pre-selects link
// candidates under a reader slot only, without blocking writers. Commit the
// result with TryCommitInsert, or Release the context to abandon it.
func (idx *Index) PrepareInsert(vector []float32, ef int) (*InsertContext, error) {
	if len(vector) != idx.dim {
		return nil, &DimensionMismatchError{Got: len(vector), Want: idx.dim}
	}
	if ef <= 0 {
		ef = DefaultEfC
	}
	slot := idx.AcquireReadSlot()
	ctx := idx.prepareInsertNolock(vector, slot, ef)
	idx.ReleaseReadSlot(slot)
	return ctx, nil
}

// commitInsertNolock links the prepared node into the graph. The caller
// must hold the exclusive lock. This path cannot fail: it only populates
// links on already allocated nodes. It consumes the context.
func (idx *Index) commitInsertNolock(ctx *InsertContext, value any) *Node {
	node := ctx.node
	node.Value = value

	// First node: it becomes the entry point, no linking attempted.
	if idx.entry == nil {
		idx.version.Add(1) // Make concurrent prepared inserts fail.
		idx.entry = node
		idx.maxLevel = node.level
		idx.addNode(node)
		ctx.node = nil
		ctx.Release()
		idx.afterInsert()
		return node
	}

	// Connect the node with near neighbors at each level. The first pass
	// targets M links with the full quality checks; selectNeighbors may
	// deliver fewer since links must be bidirectional and pass the
	// diversity heuristics, so layer 0 escalates when the node ends up
	// under-linked.
	top := node.level
	if idx.maxLevel < top {
		top = idx.maxLevel
	}
	for lc := top; lc >= 0; lc-- {
		if ctx.levelQueues[lc] == nil {
			continue
		}
		idx.selectNeighbors(ctx.levelQueues[lc], node, lc, idx.m, 0)

		if lc == 0 && len(node.layers[0].links) < idx.m/2 {
			idx.selectNeighbors(ctx.levelQueues[lc], node, lc, idx.m, 1)

			if len(node.layers[0].links) < idx.m/4 {
				idx.selectNeighbors(ctx.levelQueues[lc], node, lc, idx.m/4, 2)
			}
		}
	}

	// A node above the current max level becomes the new entry point.
	if node.level > idx.maxLevel {
		idx.version.Add(1) // Entry point changed, fail concurrent inserts.
		idx.entry = node
		idx.maxLevel = node.level
	}

	idx.addNode(node)
	ctx.node = nil
	ctx.Release()
	idx.afterInsert()
	return node
}

func (idx *Index) afterInsert() {
	metrics.Inserts.WithLabelValues(idx.quantLabel()).Inc()
	idx.observeNodeCount()
}

// TryCommitInsert attempts to commit a prepared insert. It returns the
// inserted node and true when the graph version is unchanged since
// preparation; otherwise it consumes the context and returns false, and the
// caller should fall back to the blocking Insert (or prepare again).
// Staleness is an expected outcome under contention, not an error.
func (idx *Index) TryCommitInsert(ctx *InsertContext, value any) (*Node, bool) {
	// Fast path check without the exclusive lock, to return quickly when
	// the version already moved.
	if ctx.version != idx.version.Load() {
		metrics.CommitConflicts.WithLabelValues(idx.quantLabel()).Inc()
		ctx.Release()
		return nil, false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Re-check under the lock to close the race.
	if ctx.version != idx.version.Load() {
		metrics.CommitConflicts.WithLabelValues(idx.quantLabel()).Inc()
		ctx.Release()
		return nil, false
	}

	return idx.commitInsertNolock(ctx, value), true
}

// Insert adds a vector to the graph, blocking concurrent access for the
// whole operation. It runs the same prepare and commit steps as the
// optimistic API but under the exclusive lock from the start, so it cannot
// fail on version conflicts; use it directly when contention makes the
// optimistic path unproductive. ef <= 0 selects the default construction
// width.
func (idx *Index) Insert(vector []float32, value any, ef int) (*Node, error) {
	if len(vector) != idx.dim {
		return nil, &DimensionMismatchError{Got: len(vector), Want: idx.dim}
	}
	if ef <= 0 {
		ef = DefaultEfC
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Slot 0 is safe here: the exclusive lock keeps every reader out.
	ctx := idx.prepareInsertNolock(vector, 0, ef)
	return idx.commitInsertNolock(ctx, value), nil
}
