package hnsw

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/tidwall/btree"

	"github.com/altavec/altavec/pkg/core/distance"
)

// Serialization format history:
// version 0: the first layout, lacking worst link info.
// version 1: adds the packed worst link index/distance per layer.
const serializationVersion = 1

// serWorstLinkMissing marks a layer loaded from a version 0 node, whose
// worst link info must be recomputed when the index is finalized.
const serWorstLinkMissing = -1

// SerializedNode is the portable form of a node: the encoded vector bytes
// and an array of integer parameters holding the node ID, level, per-layer
// link counts and linked node IDs, the cached worst link and the packed
// magnitude/quantization-range pair. Links are expressed as node IDs, so a
// reloaded index must be finalized with FinishDeserialize to resolve them
// back into references.
//
// The integer array form (rather than an opaque blob) lets the storage
// layer apply its own integer encodings: most indexes are small and their
// IDs compress well.
type SerializedNode struct {
	Vector []byte
	Params []uint64
}

// EncodedVectorSize returns the number of bytes of one encoded vector.
func (idx *Index) EncodedVectorSize() int {
	switch idx.quant {
	case distance.Q8:
		return idx.dim
	case distance.Bin:
		return distance.BinWords(idx.dim) * 8
	default:
		return idx.dim * 4
	}
}

// encodeVector renders the node's stored vector into portable bytes,
// little endian.
func (idx *Index) encodeVector(n *Node) []byte {
	buf := make([]byte, 0, idx.EncodedVectorSize())
	switch idx.quant {
	case distance.None:
		for _, f := range n.vecF32 {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	case distance.Q8:
		for _, q := range n.vecQ8 {
			buf = append(buf, byte(q))
		}
	case distance.Bin:
		for _, w := range n.vecBin {
			buf = binary.LittleEndian.AppendUint64(buf, w)
		}
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func (idx *Index) decodeVector(data []byte) (vecF32 []float32, vecQ8 []int8, vecBin []uint64, err error) {
	if len(data) != idx.EncodedVectorSize() {
		return nil, nil, nil, fmt.Errorf("%w: vector payload is %d bytes, want %d", ErrCorrupt, len(data), idx.EncodedVectorSize())
	}
	switch idx.quant {
	case distance.None:
		vecF32 = make([]float32, idx.dim)
		for i := range vecF32 {
			vecF32[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case distance.Q8:
		vecQ8 = make([]int8, idx.dim)
		for i := range vecQ8 {
			vecQ8[i] = int8(data[i])
		}
	case distance.Bin:
		vecBin = make([]uint64, distance.BinWords(idx.dim))
		for i := range vecBin {
			vecBin[i] = binary.LittleEndian.Uint64(data[i*8:])
		}
	}
	return vecF32, vecQ8, vecBin, nil
}

// SerializeNode exports a node. The result is valid as long as the node is
// not modified or deleted, so call it while writers are excluded. The
// node's value is the caller's to persist separately.
func (idx *Index) SerializeNode(n *Node) *SerializedNode {
	numParams := 2 // node ID, version/level tag.
	for i := 0; i <= n.level; i++ {
		numParams += 2                       // num_links and max_links.
		numParams += len(n.layers[i].links)  // Linked node IDs.
		numParams++                          // Worst link info.
	}
	numParams++ // Packed l2/quantization range.

	params := make([]uint64, 0, numParams)
	params = append(params, n.ID)

	// The second parameter packs the format version and the node level:
	//
	// +--------+--------+--------+--------+
	// |VVVVVVVV|........|........|LLLLLLLL|
	// +--------+--------+--------+--------+
	//
	// The two middle bytes are reserved.
	params = append(params, uint64(n.level&0xff)|uint64(serializationVersion)<<24)

	for i := 0; i <= n.level; i++ {
		l := &n.layers[i]
		params = append(params, uint64(len(l.links)), uint64(l.maxLinks))
		for _, linked := range l.links {
			params = append(params, linked.ID)
		}
		wi := uint64(math.Float32bits(l.worstDist))<<32 | uint64(uint32(l.worstIdx))
		params = append(params, wi)
	}

	// l2 and quantization range packed as raw float bits, endian safe.
	l2AndRange := uint64(math.Float32bits(n.quantsRange))<<32 | uint64(math.Float32bits(n.l2))
	params = append(params, l2AndRange)

	return &SerializedNode{
		Vector: idx.encodeVector(n),
		Params: params,
	}
}

// InsertSerialized loads one exported node back into the index. Links stay
// unresolved (held as IDs) until FinishDeserialize is called; the entry
// point is maintained as the highest-level node seen so far, so the entry
// point at serialization time does not need to be remembered.
func (idx *Index) InsertSerialized(sn *SerializedNode, value any) (*Node, error) {
	params := sn.Params
	if len(params) < 2 {
		return nil, fmt.Errorf("%w: truncated params", ErrCorrupt)
	}

	id := params[0]
	if id == 0 {
		return nil, fmt.Errorf("%w: node ID zero", ErrCorrupt)
	}
	level := int(params[1] & 0xff)
	version := int((params[1] & 0xff000000) >> 24)
	if version > serializationVersion {
		return nil, fmt.Errorf("%w: unknown serialization version %d", ErrCorrupt, version)
	}
	hasWorstLinkInfo := version > 0

	vecF32, vecQ8, vecBin, err := idx.decodeVector(sn.Vector)
	if err != nil {
		return nil, err
	}

	// Keep the ID allocator ahead of restored IDs.
	for {
		last := idx.lastID.Load()
		if id <= last || idx.lastID.CompareAndSwap(last, id) {
			break
		}
	}

	node := &Node{
		ID:           id,
		Value:        value,
		level:        level,
		layers:       idx.newLayers(level),
		vecF32:       vecF32,
		vecQ8:        vecQ8,
		vecBin:       vecBin,
		l2:           1,
		pendingLinks: make([][]uint64, level+1),
	}

	extra := 0
	if hasWorstLinkInfo {
		extra = 1
	}

	paramIdx := 2
	for i := 0; i <= level; i++ {
		if paramIdx+2+extra > len(params) {
			return nil, fmt.Errorf("%w: truncated layer header", ErrCorrupt)
		}
		numLinks := int(params[paramIdx])
		maxLinks := int(params[paramIdx+1])
		paramIdx += 2

		// Links must fit their capacity and the capacity must stay
		// within reason (the growth escape hatch never exceeds this).
		if numLinks > maxLinks || maxLinks > MaxM*4 {
			return nil, fmt.Errorf("%w: implausible link counts %d/%d", ErrCorrupt, numLinks, maxLinks)
		}
		if maxLinks > node.layers[i].maxLinks {
			node.layers[i].maxLinks = maxLinks
		}

		if paramIdx+numLinks+extra > len(params) {
			return nil, fmt.Errorf("%w: truncated link list", ErrCorrupt)
		}
		ids := make([]uint64, numLinks)
		for j := 0; j < numLinks; j++ {
			ids[j] = params[paramIdx]
			paramIdx++
		}
		node.pendingLinks[i] = ids

		if hasWorstLinkInfo {
			wi := params[paramIdx]
			paramIdx++
			worstIdx := int(uint32(wi))
			node.layers[i].worstIdx = worstIdx
			node.layers[i].worstDist = math.Float32frombits(uint32(wi >> 32))
			if numLinks > 0 && worstIdx >= numLinks {
				return nil, fmt.Errorf("%w: worst link index out of range", ErrCorrupt)
			}
		} else {
			node.layers[i].worstIdx = serWorstLinkMissing
			node.layers[i].worstDist = 0
		}
	}

	if paramIdx >= len(params) {
		return nil, fmt.Errorf("%w: missing magnitude params", ErrCorrupt)
	}
	l2AndRange := params[paramIdx]
	node.l2 = math.Float32frombits(uint32(l2AndRange))
	node.quantsRange = math.Float32frombits(uint32(l2AndRange >> 32))

	idx.addNode(node)

	if idx.entry == nil || level > idx.maxLevel {
		idx.maxLevel = level
		idx.entry = node
	}
	return node, nil
}

// FinishDeserialize resolves the ID-valued links of every loaded node into
// node references, verifying the graph on the way.
//
// While resolving, an accumulator is XORed with the keyed 128-bit hash of
// every link it sees (see pairMixer128): each link must appear exactly
// twice, once per direction, with identical hash inputs, so the final
// accumulator is zero exactly when all links are reciprocal. The check is
// O(1) per link and effectively free. The salts make the accumulator state
// unguessable to an attacker crafting serialized data; pass two random
// values when the input is untrusted, or zeros otherwise.
//
// A nonzero accumulator, a duplicate link, a self-link or an unresolvable
// ID all mean the serialized data is corrupt: an error is returned and the
// half-built index must be discarded by the caller.
func (idx *Index) FinishDeserialize(salt0, salt1 uint64) error {
	var table btree.Map[uint64, *Node]
	for node := idx.head; node != nil; node = node.next {
		table.Set(node.ID, node)
	}

	var acc0, acc1 uint64
	for node := idx.head; node != nil; node = node.next {
		if node.pendingLinks == nil {
			return fmt.Errorf("%w: node %d has no pending links (already finalized?)", ErrCorrupt, node.ID)
		}
		for i := 0; i <= node.level; i++ {
			ids := node.pendingLinks[i]

			// Duplicated links are corruptions too: sort to make them
			// adjacent.
			sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
			for j := 0; j+1 < len(ids); j++ {
				if ids[j] == ids[j+1] {
					return fmt.Errorf("%w: duplicated link %d at layer %d", ErrCorrupt, ids[j], i)
				}
			}

			if cap(node.layers[i].links) < len(ids) {
				node.layers[i].links = make([]*Node, 0, len(ids))
			}
			for _, linkedID := range ids {
				if linkedID == node.ID {
					return fmt.Errorf("%w: node %d links to itself", ErrCorrupt, node.ID)
				}

				h1, h2 := pairMixer128(salt0, salt1, node.ID, linkedID, uint64(i))
				acc0 ^= h1
				acc1 ^= h2

				neighbor, ok := table.Get(linkedID)
				if !ok || neighbor.level < i {
					return fmt.Errorf("%w: unresolvable link %d at layer %d", ErrCorrupt, linkedID, i)
				}
				node.layers[i].links = append(node.layers[i].links, neighbor)
			}

			// Worst link info was missing from version 0 nodes: compute
			// it now.
			if node.layers[i].worstIdx == serWorstLinkMissing {
				idx.updateWorstNeighbor(node, i)
			}
		}
		node.pendingLinks = nil
	}

	if acc0 != 0 || acc1 != 0 {
		return fmt.Errorf("%w: link reciprocity check failed", ErrCorrupt)
	}
	idx.observeNodeCount()
	return nil
}
