package hnsw

import (
	"github.com/altavec/altavec/pkg/metrics"
)

// Result is a single search hit. The node pointer is valid only while the
// read slot used for the search is still held.
type Result struct {
	Node     *Node
	Distance float32
}

// FilterFunc decides whether a node's value admits it into a result set.
// It is invoked while the read lock is held, so it must not touch the graph
// and should be cheap: a selective filter can be evaluated for a large
// number of candidates.
type FilterFunc func(value any) bool

// searchLayer collects up to ef nodes near the query at the given layer,
// starting from the entry point. When a filter is set, candidates are still
// explored regardless of the filter outcome so the traversal can cross
// non-matching regions of the graph, but only matching nodes enter the
// result queue; maxCandidates then bounds the number of evaluated
// candidates (0 means unbounded) since a highly selective filter could
// otherwise degenerate into a full scan.
func (idx *Index) searchLayer(query, entryPoint *Node, ef, layer, slot int, filter FilterFunc, maxCandidates int) *priorityQueue {
	// Mark visited nodes with a never seen epoch.
	idx.currentEpoch[slot]++
	epoch := idx.currentEpoch[slot]

	candidates := newQueue(maxFrontier)
	defer releaseQueue(candidates)
	results := newQueue(ef)

	evaluated := 1

	dist := idx.dist(query, entryPoint)
	candidates.push(entryPoint, dist)
	if filter == nil || filter(entryPoint.Value) {
		results.push(entryPoint, dist)
	}
	entryPoint.visitedEpoch[slot] = epoch

	for candidates.len() > 0 {
		if filter != nil && maxCandidates != 0 && evaluated >= maxCandidates {
			break
		}

		current, curDist, _ := candidates.pop()
		evaluated++

		furthest := results.maxDistance()
		if results.len() >= ef && curDist > furthest {
			break
		}

		for _, neighbor := range current.layers[layer].links {
			if neighbor.visitedEpoch[slot] == epoch {
				continue
			}
			neighbor.visitedEpoch[slot] = epoch
			neighborDist := idx.dist(query, neighbor)

			furthest = results.maxDistance()
			if filter == nil {
				if neighborDist < furthest || results.len() < ef {
					candidates.push(neighbor, neighborDist)
					results.push(neighbor, neighborDist)
				}
				continue
			}

			// Keep exploring through non-matching nodes.
			if neighborDist < furthest || candidates.len() < ef {
				candidates.push(neighbor, neighborDist)
			}
			if filter(neighbor.Value) {
				if neighborDist < furthest || results.len() < ef {
					results.push(neighbor, neighborDist)
				}
			}
		}
	}

	return results
}

// descend walks from the entry point down to the target layer with search
// width 1, taking the best node found at each layer as the next entry.
func (idx *Index) descend(query *Node, toLayer, slot int) *Node {
	current := idx.entry
	for lc := idx.maxLevel; lc > toLayer; lc-- {
		results := idx.searchLayer(query, current, 1, lc, slot, nil, 0)
		if results.len() > 0 {
			current, _ = results.best(0)
		}
		releaseQueue(results)
	}
	return current
}

// Search returns the k nodes closest to the query vector, best first. The
// layer-0 search width is max(ef, k); a larger ef trades latency for
// recall. The caller must hold a read slot and must consume the returned
// nodes before releasing it.
func (idx *Index) Search(vector []float32, k, ef, slot int) ([]Result, error) {
	return idx.SearchWithFilter(vector, k, ef, slot, 0, nil)
}

// SearchWithFilter is Search restricted to nodes whose value passes the
// filter. maxCandidates bounds the traversal effort (0 means unbounded);
// see searchLayer for why the bound exists.
func (idx *Index) SearchWithFilter(vector []float32, k, ef, slot, maxCandidates int, filter FilterFunc) ([]Result, error) {
	if len(vector) != idx.dim {
		return nil, &DimensionMismatchError{Got: len(vector), Want: idx.dim}
	}
	if k <= 0 {
		return nil, nil
	}
	metrics.Searches.WithLabelValues(idx.quantLabel()).Inc()
	if idx.entry == nil {
		return nil, nil
	}

	if ef < k {
		ef = k
	}
	query := idx.queryNode(vector)

	currentEp := idx.descend(query, 0, slot)
	results := idx.searchLayer(query, currentEp, ef, 0, slot, filter, maxCandidates)
	defer releaseQueue(results)

	found := results.len()
	if found > k {
		found = k
	}
	out := make([]Result, found)
	for i := 0; i < found; i++ {
		out[i].Node, out[i].Distance = results.best(i)
	}
	return out, nil
}

// GroundTruth returns the exact k nearest nodes by scanning every live
// node, optionally filtered. It exists as a testing and validation oracle;
// it never touches the graph structure, but the caller still must hold a
// read slot so nodes stay alive.
func (idx *Index) GroundTruth(vector []float32, k, slot int, filter FilterFunc) ([]Result, error) {
	_ = slot // Linear scan; the slot is only needed for the held lock.
	if len(vector) != idx.dim {
		return nil, &DimensionMismatchError{Got: len(vector), Want: idx.dim}
	}
	if k <= 0 {
		return nil, nil
	}

	query := idx.queryNode(vector)
	results := newQueue(k)
	defer releaseQueue(results)

	for current := idx.head; current != nil; current = current.next {
		if filter != nil && !filter(current.Value) {
			continue
		}
		results.push(current, idx.dist(query, current))
	}

	out := make([]Result, results.len())
	for i := range out {
		out[i].Node, out[i].Distance = results.best(i)
	}
	return out, nil
}
