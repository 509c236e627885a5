package hnsw

// Worst-link cache maintenance. Each layer caches the index and distance of
// its worst neighbor so that eviction decisions during insertion are O(1)
// amortized; the three helpers below keep the cache correct on rescan, add
// and remove.

func (idx *Index) updateWorstNeighbor(node *Node, layer int) {
	var worstDist float32
	worstIdx := 0
	for i, link := range node.layers[layer].links {
		if d := idx.dist(node, link); d > worstDist {
			worstDist = d
			worstIdx = i
		}
	}
	node.layers[layer].worstDist = worstDist
	node.layers[layer].worstIdx = worstIdx
}

func updateWorstNeighborOnAdd(node *Node, layer, addedIdx int, dist float32) {
	l := &node.layers[layer]
	if len(l.links) == 1 || dist > l.worstDist {
		l.worstDist = dist
		l.worstIdx = addedIdx
	}
}

func (idx *Index) updateWorstNeighborOnRemove(node *Node, layer, removedIdx int) {
	l := &node.layers[layer]
	if len(l.links) == 0 {
		l.worstDist = 0
		l.worstIdx = 0
	} else if removedIdx == l.worstIdx {
		idx.updateWorstNeighbor(node, layer)
	} else if removedIdx < l.worstIdx {
		// Just fix the index when removing an element before the worst.
		l.worstIdx--
	}
}

// link establishes one direction of a bidirectional link and maintains the
// worst-link cache of the linking node.
func link(from, to *Node, layer int, dist float32) {
	l := &from.layers[layer]
	l.links = append(l.links, to)
	updateWorstNeighborOnAdd(from, layer, len(l.links)-1, dist)
}

// removeLinkAt drops the link at position j, compacting the array and
// fixing the worst-link cache.
func (idx *Index) removeLinkAt(node *Node, layer, j int) {
	l := &node.layers[layer]
	copy(l.links[j:], l.links[j+1:])
	l.links[len(l.links)-1] = nil
	l.links = l.links[:len(l.links)-1]
	idx.updateWorstNeighborOnRemove(node, layer, j)
}

// selectNeighbors walks the candidate queue in best-first order and links
// newNode bidirectionally with accepted candidates at the given layer,
// stopping once requiredLinks is reached or the node's layer is full.
//
// The aggressive parameter (0..2) escalates the strategy:
//
// At level 0 a candidate must pass a diversity check (no already accepted
// neighbor may be closer to the candidate than the new node is), and a full
// candidate may only have its worst link replaced when the new node is
// closer than that worst link and the bumped node keeps at least M/2 links.
//
// At level 1 the diversity and replacement-quality checks are dropped and
// the bumped node may be left with M/4 links. Since the function may be
// re-called on the same queue, already linked candidates are skipped.
//
// At level 2 the node being linked would otherwise stay near-orphaned: when
// the worst link cannot be sacrificed, the candidate's own neighbors are
// scanned for the worst-connected-other link to drop instead, and failing
// that the candidate's capacity is grown by one slot (bounded at 3M for
// layer 0, 2M above) rather than giving up.
//
// Deletion repair also calls this to give reconnected nodes extra links.
func (idx *Index) selectNeighbors(candidates *priorityQueue, newNode *Node, layer, requiredLinks, aggressive int) {
	for i := 0; i < candidates.len(); i++ {
		neighbor, dist := candidates.best(i)
		if neighbor == newNode {
			continue
		}

		// Links are bidirectional: stop as soon as the new node has no
		// more room or reached the required count.
		nl := &newNode.layers[layer]
		if len(nl.links) >= nl.maxLinks || len(nl.links) >= requiredLinks {
			return
		}

		// On re-calls the new node may already be linked with some of
		// the candidates.
		if aggressive > 0 {
			duplicated := false
			for _, l := range nl.links {
				if l == neighbor {
					duplicated = true
					break
				}
			}
			if duplicated {
				continue
			}
		}

		// Diversity check: reject the candidate when some already
		// accepted neighbor is closer to it than the new node itself.
		// Disabled under pressure to find links.
		if aggressive == 0 {
			diversityFailed := false
			for _, l := range nl.links {
				if idx.dist(neighbor, l) < dist {
					diversityFailed = true
					break
				}
			}
			if diversityFailed {
				continue
			}
		}

		// If the candidate has space, simply add the link. We have
		// space as well, checked above.
		if len(neighbor.layers[layer].links) < neighbor.layers[layer].maxLinks {
			link(neighbor, newNode, layer, dist)
			link(newNode, neighbor, layer, dist)
			continue
		}

		// The candidate is full. Without pressure, skip it unless the
		// new node beats its current worst link: replacing anything
		// else would degrade the candidate's link quality.
		if aggressive == 0 && dist >= neighbor.layers[layer].worstDist {
			continue
		}

		// Dropping the candidate's worst link must not leave the bumped
		// node under-linked; how few links are acceptable loosens with
		// aggressiveness.
		worstNode := neighbor.layers[layer].links[neighbor.layers[layer].worstIdx]
		if aggressive == 0 && len(worstNode.layers[layer].links) <= idx.m/2 {
			continue
		} else if aggressive == 1 && len(worstNode.layers[layer].links) <= idx.m/4 {
			continue
		}

		if aggressive == 2 && len(worstNode.layers[layer].links) <= idx.m/4 {
			// Look for a better connected link of the candidate to
			// sacrifice instead of the worst one; prefer the farthest
			// among those that would keep enough links. The M/4 floor
			// also avoids creating small disconnected cycles.
			worstNode = nil
			worstIdx := 0
			var maxDist float32
			for j, toDrop := range neighbor.layers[layer].links {
				if len(toDrop.layers[layer].links) <= idx.m/4 {
					continue
				}
				linkDist := idx.dist(neighbor, toDrop)
				if worstNode == nil || linkDist > maxDist {
					worstNode = toDrop
					maxDist = linkDist
					worstIdx = j
				}
			}

			if worstNode != nil {
				// Pretend this is the candidate's worst link to unify
				// the replacement path below. The cache is fixed after
				// the replacement anyway.
				neighbor.layers[layer].worstDist = maxDist
				neighbor.layers[layer].worstIdx = worstIdx
			} else {
				// No link can be dropped: grow the candidate's
				// capacity by one slot so the new node is not left
				// orphaned.
				limit := idx.m * 2
				if layer == 0 {
					limit = idx.m * 3
				}
				if neighbor.layers[layer].maxLinks >= limit {
					continue
				}
				neighbor.layers[layer].maxLinks++

				link(neighbor, newNode, layer, dist)
				link(newNode, neighbor, layer, dist)
				continue
			}
		}

		// Remove the backlink from the bumped node.
		for j, l := range worstNode.layers[layer].links {
			if l == neighbor {
				idx.removeLinkAt(worstNode, layer, j)
				break
			}
		}

		// Replace the worst link with the new node; the replaced slot
		// may no longer be the worst, so rescan.
		neighbor.layers[layer].links[neighbor.layers[layer].worstIdx] = newNode
		idx.updateWorstNeighbor(neighbor, layer)

		link(newNode, neighbor, layer, dist)
	}
}
