package hnsw

import (
	"github.com/altavec/altavec/pkg/core/distance"
)

const (
	// MaxLevel is the highest layer a node can be assigned by the random
	// level generator.
	MaxLevel = 16

	// levelUpP is the probability of promoting a new node one more level.
	levelUpP = 0.25

	// DefaultM is the branching factor used when New is called with m == 0.
	DefaultM = 16

	// MinM and MaxM bound the configurable branching factor.
	MinM = 4
	MaxM = 4096

	// DefaultEfC is the construction-time search width used by internal
	// repair searches, where no caller-provided ef is available.
	DefaultEfC = 200

	// ReaderSlots is the number of concurrent reader lanes. Each traversal
	// owns one slot for the duration of its graph walk.
	ReaderSlots = 32
)

// layer holds the neighbor links of a node at one level of the graph.
// Links are weak references: the node list owns the nodes. The worst link
// (index and distance) is cached so that evicting the worst neighbor during
// insertion does not require rescanning the whole array.
type layer struct {
	links     []*Node
	maxLinks  int
	worstDist float32
	worstIdx  int
}

// Node is a single element of the graph. Nodes are created by insertion or
// by loading serialized data, and are only released after a deletion has
// stripped every bidirectional link referencing them.
type Node struct {
	ID    uint64
	Value any

	level  int
	layers []layer

	// Exactly one of the following is set, matching the index encoding.
	vecF32 []float32
	vecQ8  []int8
	vecBin []uint64

	// l2 is the pre-normalization magnitude, quantsRange the Q8 scale.
	l2          float32
	quantsRange float32

	// visitedEpoch lets each reader slot mark nodes as seen during one
	// traversal without allocating a visited set. Only the slot owner
	// reads or writes its entry.
	visitedEpoch [ReaderSlots]uint64

	// Doubly linked list of all nodes, used for enumeration and O(1)
	// removal.
	prev, next *Node

	// pendingLinks holds per-layer neighbor IDs between InsertSerialized
	// and FinishDeserialize, when links cannot be resolved to pointers yet.
	pendingLinks [][]uint64
}

// Level returns the highest layer this node participates in.
func (n *Node) Level() int { return n.level }

// Neighbors returns the IDs of the node's neighbors at the given layer.
// Valid only while a read slot is held.
func (n *Node) Neighbors(layer int) []uint64 {
	if layer > n.level {
		return nil
	}
	ids := make([]uint64, len(n.layers[layer].links))
	for i, l := range n.layers[layer].links {
		ids[i] = l.ID
	}
	return ids
}

// newLayers allocates the layer array for a node of the given level.
func (idx *Index) newLayers(level int) []layer {
	layers := make([]layer, level+1)
	for i := range layers {
		maxLinks := idx.m
		if i == 0 {
			maxLinks = idx.m * 2
		}
		layers[i] = layer{
			links:    make([]*Node, 0, maxLinks),
			maxLinks: maxLinks,
		}
	}
	return layers
}

// newNode creates a node from a raw float32 vector, normalizing and
// quantizing it per the index encoding. id == 0 assigns the next ID.
func (idx *Index) newNode(id uint64, vector []float32, level int, normalize bool) *Node {
	if id == 0 {
		id = idx.lastID.Add(1)
	} else {
		// Restored nodes carry their own IDs; keep lastID ahead of them.
		for {
			last := idx.lastID.Load()
			if id <= last || idx.lastID.CompareAndSwap(last, id) {
				break
			}
		}
	}

	node := &Node{
		ID:     id,
		level:  level,
		layers: idx.newLayers(level),
		l2:     1,
	}

	v := make([]float32, len(vector))
	copy(v, vector)
	if normalize {
		if l2 := distance.Normalize(v); l2 != 0 {
			node.l2 = l2
		}
	}

	switch idx.quant {
	case distance.None:
		node.vecF32 = v
	case distance.Q8:
		node.vecQ8, node.quantsRange = distance.QuantizeQ8(v)
	case distance.Bin:
		node.vecBin = distance.PackBits(v)
	}
	return node
}

// addNode pushes the node onto the head of the node list.
func (idx *Index) addNode(node *Node) {
	node.next = idx.head
	node.prev = nil
	if idx.head != nil {
		idx.head.prev = node
	}
	idx.head = node
	idx.nodeCount++
}

// dist computes the distance between two stored nodes with the kernel
// matching the index encoding.
func (idx *Index) dist(a, b *Node) float32 {
	switch idx.quant {
	case distance.None:
		return distance.DistanceF32(a.vecF32, b.vecF32)
	case distance.Q8:
		return distance.DistanceQ8(a.vecQ8, b.vecQ8, a.quantsRange, b.quantsRange)
	default:
		return distance.DistanceBin(a.vecBin, b.vecBin, idx.dim)
	}
}

// queryNode builds a transient node holding the query vector, so that graph
// traversal can use the node-to-node distance kernels uniformly. The vector
// is copied, normalized and quantized like a stored vector but the node is
// never linked into the graph.
func (idx *Index) queryNode(vector []float32) *Node {
	v := make([]float32, len(vector))
	copy(v, vector)
	distance.Normalize(v)

	q := &Node{l2: 1}
	switch idx.quant {
	case distance.None:
		q.vecF32 = v
	case distance.Q8:
		q.vecQ8, q.quantsRange = distance.QuantizeQ8(v)
	case distance.Bin:
		q.vecBin = distance.PackBits(v)
	}
	return q
}
