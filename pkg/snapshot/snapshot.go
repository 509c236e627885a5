// Package snapshot serializes an HNSW index to a compact binary stream
// and restores it, verifying graph integrity on the way back in.
//
// The stream is a sequence of CRC-protected frames: one header frame with
// the index parameters, one frame per node (s2-compressed), and a trailer
// frame carrying the expected node count. Attached values go through a
// caller-provided ValueCodec.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/s2"

	"github.com/altavec/altavec/pkg/core/distance"
	"github.com/altavec/altavec/pkg/core/hnsw"
)

// formatVersion is bumped on any incompatible change to the frame payloads.
const formatVersion = 1

// ValueCodec converts the opaque values attached to nodes to and from bytes.
// A nil codec skips values entirely: nothing is written and restored nodes
// carry a nil value.
type ValueCodec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Save writes a point-in-time snapshot of the index to w.
//
// The iteration holds a shared lock for its whole duration, so writers block
// until Save returns. Wrap w in a bufio.Writer when writing to a file.
func Save(w io.Writer, idx *hnsw.Index, codec ValueCodec) error {
	fw := NewFrameWriter(w)

	header := make([]byte, 11)
	header[0] = formatVersion
	binary.LittleEndian.PutUint32(header[1:5], uint32(idx.Dim()))
	header[5] = byte(idx.Quantization())
	binary.LittleEndian.PutUint32(header[6:10], uint32(idx.M()))
	if err := fw.WriteFrame(OpCodeHeader, header); err != nil {
		return err
	}

	cur := idx.NewCursor()
	defer cur.Close()

	cur.Acquire()
	defer cur.Release()

	var count uint64
	var scratch []byte
	for node := cur.Next(); node != nil; node = cur.Next() {
		payload, err := encodeNode(idx.SerializeNode(node), node.Value, codec)
		if err != nil {
			return fmt.Errorf("node %d: %w", node.ID, err)
		}
		scratch = s2.Encode(scratch[:cap(scratch)], payload)
		if err := fw.WriteFrame(OpCodeNode, scratch); err != nil {
			return err
		}
		count++
	}

	trailer := make([]byte, 8)
	binary.LittleEndian.PutUint64(trailer, count)
	if err := fw.WriteFrame(OpCodeTrailer, trailer); err != nil {
		return err
	}

	log.Debug("snapshot written", "nodes", count, "dim", idx.Dim(), "quant", idx.Quantization())
	return nil
}

// Load reads a snapshot from r and returns a fully linked index. The salts
// must match the ones the index authenticates its links with; a mismatch or
// any tampering with the link structure fails with hnsw.ErrCorrupt.
func Load(r io.Reader, salt0, salt1 uint64, codec ValueCodec) (*hnsw.Index, error) {
	op, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if op != OpCodeHeader {
		return nil, fmt.Errorf("expected header frame, got opcode 0x%02x", op)
	}
	if len(payload) < 11 {
		return nil, ErrIncompleteFrame
	}
	if payload[0] != formatVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", payload[0])
	}
	dim := int(binary.LittleEndian.Uint32(payload[1:5]))
	quant := distance.Quantization(payload[5])
	m := int(binary.LittleEndian.Uint32(payload[6:10]))

	idx, err := hnsw.New(dim, quant, m)
	if err != nil {
		return nil, err
	}

	var count, expected uint64
	var haveTrailer bool
	var scratch []byte
	for {
		op, payload, err := ReadFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch op {
		case OpCodeNode:
			scratch, err = s2.Decode(scratch[:cap(scratch)], payload)
			if err != nil {
				return nil, fmt.Errorf("decompress node: %w", err)
			}
			sn, value, err := decodeNode(scratch, codec)
			if err != nil {
				return nil, err
			}
			if _, err := idx.InsertSerialized(sn, value); err != nil {
				return nil, err
			}
			count++
		case OpCodeTrailer:
			if len(payload) < 8 {
				return nil, ErrIncompleteFrame
			}
			expected = binary.LittleEndian.Uint64(payload)
			haveTrailer = true
		default:
			return nil, fmt.Errorf("unexpected opcode 0x%02x", op)
		}
		if haveTrailer {
			break
		}
	}

	if !haveTrailer {
		return nil, ErrIncompleteFrame
	}
	if count != expected {
		return nil, fmt.Errorf("node count mismatch: stream has %d, trailer says %d", count, expected)
	}

	if err := idx.FinishDeserialize(salt0, salt1); err != nil {
		return nil, err
	}

	log.Debug("snapshot loaded", "nodes", count, "dim", dim, "quant", quant)
	return idx, nil
}

// encodeNode packs a serialized node and its value into one frame payload:
// [vecLen u32][vector][numParams u32][params u64...][value]. The node id
// travels inside the params block.
func encodeNode(sn *hnsw.SerializedNode, value any, codec ValueCodec) ([]byte, error) {
	var valueBytes []byte
	if codec != nil {
		var err error
		valueBytes, err = codec.Encode(value)
		if err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, 4+len(sn.Vector)+4+len(sn.Params)*8+len(valueBytes))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sn.Vector)))
	buf = append(buf, sn.Vector...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sn.Params)))
	for _, p := range sn.Params {
		buf = binary.LittleEndian.AppendUint64(buf, p)
	}
	buf = append(buf, valueBytes...)
	return buf, nil
}

func decodeNode(data []byte, codec ValueCodec) (*hnsw.SerializedNode, any, error) {
	sn := &hnsw.SerializedNode{}
	if len(data) < 4 {
		return nil, nil, ErrIncompleteFrame
	}
	vecLen := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < vecLen+4 {
		return nil, nil, ErrIncompleteFrame
	}
	sn.Vector = append([]byte(nil), data[:vecLen]...)
	data = data[vecLen:]

	numParams := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < numParams*8 {
		return nil, nil, ErrIncompleteFrame
	}
	sn.Params = make([]uint64, numParams)
	for i := range sn.Params {
		sn.Params[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	data = data[numParams*8:]

	var value any
	if codec != nil {
		var err error
		value, err = codec.Decode(data)
		if err != nil {
			return nil, nil, err
		}
	}
	return sn, value, nil
}
