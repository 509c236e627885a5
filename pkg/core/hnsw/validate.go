package hnsw

import (
	"sort"

	"github.com/charmbracelet/log"
)

// The functions in this file are debugging and validation surfaces: they
// hold the exclusive lock for their whole run and are not meant for the hot
// path.

// ValidationReport is the result of a Validate call.
type ValidationReport struct {
	// ConnectedNodes is the number of nodes reachable from the entry
	// point following links at any layer.
	ConnectedNodes uint64
	// ReciprocalLinks is true when every link found has its backlink.
	ReciprocalLinks bool
}

// Validate checks graph connectivity and link reciprocity with a DFS from
// the entry point. Unreachable nodes are reported at debug level; a small
// tail of unreachable nodes after heavy deletion is part of the expected
// statistical behavior of the structure, while missing backlinks always
// indicate a bug.
func (idx *Index) Validate() ValidationReport {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	report := ValidationReport{ReciprocalLinks: true}
	if idx.entry == nil {
		return report // Empty graph is valid.
	}

	// Slot 0 epoch marking is safe under the exclusive lock.
	idx.currentEpoch[0]++
	epoch := idx.currentEpoch[0]

	stack := make([]*Node, 0, idx.nodeCount)
	idx.entry.visitedEpoch[0] = epoch
	report.ConnectedNodes++
	stack = append(stack, idx.entry)

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for level := 0; level <= current.level; level++ {
			for _, neighbor := range current.layers[level].links {
				backlink := false
				for _, back := range neighbor.layers[level].links {
					if back == current {
						backlink = true
						break
					}
				}
				if !backlink {
					report.ReciprocalLinks = false
					log.Debug("missing backlink",
						"node", current.ID, "neighbor", neighbor.ID, "layer", level)
				}

				if neighbor.visitedEpoch[0] != epoch {
					neighbor.visitedEpoch[0] = epoch
					report.ConnectedNodes++
					stack = append(stack, neighbor)
				}
			}
		}
	}

	for current := idx.head; current != nil; current = current.next {
		if current.visitedEpoch[0] != epoch {
			log.Debug("unreachable node",
				"id", current.ID, "level", current.level,
				"layer0_links", len(current.layers[0].links))
		}
	}
	return report
}

// GraphStats summarizes node connectivity.
type GraphStats struct {
	Nodes         uint64
	AvgLinks      float64
	MinLinks      int
	IsolatedNodes int
}

// Stats walks the node list and reports link statistics across all layers.
func (idx *Index) Stats() GraphStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stats := GraphStats{MinLinks: -1}
	var totalLinks int
	for current := idx.head; current != nil; current = current.next {
		nodeLinks := 0
		for level := 0; level <= current.level; level++ {
			nodeLinks += len(current.layers[level].links)
		}
		totalLinks += nodeLinks
		if stats.MinLinks == -1 || nodeLinks < stats.MinLinks {
			stats.MinLinks = nodeLinks
		}
		if nodeLinks == 0 {
			stats.IsolatedNodes++
		}
		stats.Nodes++
	}
	if stats.Nodes > 0 {
		stats.AvgLinks = float64(totalLinks) / float64(stats.Nodes)
	}
	log.Debug("graph stats", "nodes", stats.Nodes, "avg_links", stats.AvgLinks,
		"min_links", stats.MinLinks, "isolated", stats.IsolatedNodes)
	return stats
}

// SelfRecall verifies that nodes can find themselves: every node's own
// (reconstructed, normalized) vector is searched with the given width, and
// the fraction of nodes returned as their own top result is reported. A
// small percentage of nodes failing the test is expected, typically entries
// sitting between clusters of the represented space.
func (idx *Index) SelfRecall(testEf int) float64 {
	slot := idx.AcquireReadSlot()
	defer idx.ReleaseReadSlot(slot)

	var total, top1 int
	for current := idx.head; current != nil; current = current.next {
		total++

		vec := idx.NodeVector(current)
		results, err := idx.Search(vec, testEf, testEf, slot)
		if err != nil || len(results) == 0 {
			continue
		}
		if results[0].Node == current {
			top1++
		}
	}

	if total == 0 {
		return 0
	}
	recall := float64(top1) / float64(total)
	log.Debug("graph self recall", "nodes", total, "top1", top1, "recall", recall)
	return recall
}

// ShouldReuse reports whether a node's current position in the graph is
// still good enough for a replacement vector, letting the caller update the
// node in place instead of deleting and reinserting it. The vector of an
// updated entry is typically a re-generated embedding of an only slightly
// changed document, so the node's neighborhood often remains a fit.
//
// The heuristic: take the average of the worst 25% of the node's current
// layer-0 link distances, and accept when at least half of the new vector's
// distances to those same links stay below it. Nodes with fewer than four
// links are never reused, the check would not be meaningful.
func (idx *Index) ShouldReuse(node *Node, newVector []float32) bool {
	if len(newVector) != idx.dim {
		return false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	const minLinksForReuse = 4
	links := node.layers[0].links
	if len(links) < minLinksForReuse {
		return false
	}

	oldDistances := make([]float32, len(links))
	for i, l := range links {
		oldDistances[i] = idx.dist(node, l)
	}
	// Descending, so the worst (largest) distances come first.
	sort.Slice(oldDistances, func(a, b int) bool { return oldDistances[a] > oldDistances[b] })

	count := (len(links) + 3) / 4
	var worstAvg float32
	for i := 0; i < count; i++ {
		worstAvg += oldDistances[i]
	}
	worstAvg /= float32(count)

	query := idx.queryNode(newVector)
	good := 0
	for _, l := range links {
		if idx.dist(query, l) <= worstAvg {
			good++
		}
	}
	return good >= len(links)/2
}
