package hnsw

import (
	"github.com/altavec/altavec/pkg/metrics"
)

// unlinkNode detaches a node from the graph: it removes every bidirectional
// link referencing it, fixes up live cursors, drops it from the node list
// and repairs the entry point when the node was it. The node's own link
// arrays are left intact so deletion can reconnect its former neighborhood
// afterwards. Caller must hold the exclusive lock.
func (idx *Index) unlinkNode(node *Node) {
	// This node may be missing in an already prepared candidate list.
	// Make optimistic concurrent inserts fail.
	idx.version.Add(1)

	// All links are guaranteed to be bidirectional: find and remove the
	// backlink in every linked node, at every level.
	for level := 0; level <= node.level; level++ {
		for _, linked := range node.layers[level].links {
			for j, back := range linked.layers[level].links {
				if back == node {
					idx.removeLinkAt(linked, level, j)
					break
				}
			}
		}
	}

	if idx.cursors != nil {
		idx.cursorElementDeleted(node)
	}

	if node.prev != nil {
		node.prev.next = node.next
	} else {
		idx.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	}
	idx.nodeCount--

	if node == idx.entry {
		idx.entry = nil
		idx.maxLevel = 0

		// Prefer one of the deleted node's own links, at the highest
		// layer that still has one.
		for level := node.level; level >= 0; level-- {
			if len(node.layers[level].links) > 0 {
				idx.entry = node.layers[level].links[0]
				break
			}
		}

		// No link at any level: fall back to a full scan for the
		// highest-level remaining node. With a non-empty graph this
		// should never be needed in practice.
		if idx.entry == nil {
			newMaxLevel := 0
			for current := idx.head; current != nil; current = current.next {
				if current != node && current.level >= newMaxLevel {
					newMaxLevel = current.level
					idx.entry = current
				}
			}
		}

		if idx.entry != nil {
			idx.maxLevel = idx.entry.level
		}
	}

	node.prev = nil
	node.next = nil
}

// Delete removes the node from the graph and repairs the neighborhoods it
// leaves behind: at every layer the node participated in, its former
// neighbors are reconnected among themselves. freeValue, if not nil, is
// invoked exactly once with the node's value; it is never called
// concurrently with another call for the same node.
func (idx *Index) Delete(node *Node, freeValue func(value any)) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.unlinkNode(node)
	if freeValue != nil && node.Value != nil {
		freeValue(node.Value)
	}

	// Relink the nodes orphaned of this node's link, at every level.
	for level := 0; level <= node.level; level++ {
		idx.reconnectNodes(node.layers[level].links, level)
	}

	metrics.Deletes.WithLabelValues(idx.quantLabel()).Inc()
	idx.observeNodeCount()
}
