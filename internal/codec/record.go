package codec

import (
	"encoding/binary"
	"math"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// Value types the core's minimal record parser understands directly.
// Anything else is passed through as raw bytes: full bin-value semantics
// (list/map/bit/HLL/expression results) belong to the external value-type
// collaborator, not the cluster/command core.
const (
	ValueTypeNil    uint8 = 0
	ValueTypeInt    uint8 = 1
	ValueTypeFloat  uint8 = 2
	ValueTypeString uint8 = 3
	ValueTypeBlob   uint8 = 4
	ValueTypeBool   uint8 = 17
)

// Record is the minimal decoded reply record: bins plus the metadata the
// command engine and caller need (generation for CAS-style writes, TTL for
// expiration). Complex bin values round-trip as []byte.
type Record struct {
	Bins       map[string]any
	Generation uint32
	Expiration uint32
}

// RecordGroup is one prelude+fields+ops unit within a reply payload. Batch
// and scan/query replies carry a stream of these; single-key replies carry
// exactly one.
type RecordGroup struct {
	Header MessageHeader
	Fields []Field
	Ops    []Operation
}

// IsLast reports whether this group is the terminal one in its stream.
func (g RecordGroup) IsLast() bool { return g.Header.InfoAttr&InfoLast != 0 }

// IsPartitionDone reports whether the INFO3_PARTITION_DONE bit is set,
// meaning the partition this group's BatchIndex/ServerTimeout slot refers
// to drained fully rather than merely erroring.
func (g RecordGroup) IsPartitionDone() bool { return g.Header.InfoAttr&InfoPartitionDone != 0 }

// BatchIndex returns the batch offset piggybacked on ServerTimeout when
// InfoBatch is set, or 0 otherwise.
func (g RecordGroup) BatchIndex() uint32 {
	if g.Header.InfoAttr&InfoBatch != 0 {
		return g.Header.ServerTimeout
	}
	return 0
}

// ParseFieldsAndOps reads fieldCount Fields followed by opCount Operations
// starting at body[0], returning the number of bytes consumed.
func ParseFieldsAndOps(body []byte, fieldCount, opCount uint16) ([]Field, []Operation, int, error) {
	pos := 0
	fields := make([]Field, 0, fieldCount)
	for i := uint16(0); i < fieldCount; i++ {
		if len(body)-pos < 4 {
			return nil, nil, 0, kverrors.ErrShortFrame
		}
		size := int(binary.BigEndian.Uint32(body[pos : pos+4]))
		pos += 4
		if size < 1 || len(body)-pos < size {
			return nil, nil, 0, kverrors.ErrShortFrame
		}
		typ := body[pos]
		val := body[pos+1 : pos+size]
		fields = append(fields, Field{Type: typ, Value: val})
		pos += size
	}

	ops := make([]Operation, 0, opCount)
	for i := uint16(0); i < opCount; i++ {
		if len(body)-pos < 4 {
			return nil, nil, 0, kverrors.ErrShortFrame
		}
		size := int(binary.BigEndian.Uint32(body[pos : pos+4]))
		pos += 4
		if size < 4 || len(body)-pos < size {
			return nil, nil, 0, kverrors.ErrShortFrame
		}
		opType := body[pos]
		valueType := body[pos+1]
		nameLen := int(body[pos+3])
		if 4+nameLen > size {
			return nil, nil, 0, kverrors.ErrShortFrame
		}
		name := string(body[pos+4 : pos+4+nameLen])
		value := body[pos+4+nameLen : pos+size]
		ops = append(ops, Operation{OpType: opType, ValueType: valueType, Name: name, Value: value})
		pos += size
	}

	return fields, ops, pos, nil
}

// ParseGroups decodes a full decompressed payload (as returned by
// ReadFrame) into the sequence of record groups it carries, stopping after
// the first group whose InfoLast bit is set (or at end of buffer for
// protocols, like single-key replies, that never set it).
func ParseGroups(payload []byte) ([]RecordGroup, error) {
	var groups []RecordGroup
	pos := 0
	for pos < len(payload) {
		if len(payload)-pos < MessageHeaderSize {
			return nil, kverrors.ErrShortFrame
		}
		hdr, err := ParseMessageHeader(payload[pos : pos+MessageHeaderSize])
		if err != nil {
			return nil, err
		}
		pos += MessageHeaderSize

		fields, ops, consumed, err := ParseFieldsAndOps(payload[pos:], hdr.FieldCount, hdr.OpCount)
		if err != nil {
			return nil, err
		}
		pos += consumed

		g := RecordGroup{Header: hdr, Fields: fields, Ops: ops}
		groups = append(groups, g)
		if g.IsLast() {
			break
		}
	}
	return groups, nil
}

// DecodeRecord turns a group's operations into a Record. Operations whose
// ValueType the core does not recognize keep their raw bytes, per the
// record-parser scope note above.
func DecodeRecord(g RecordGroup) (*Record, error) {
	bins := make(map[string]any, len(g.Ops))
	for _, op := range g.Ops {
		bins[op.Name] = decodeValue(op.ValueType, op.Value)
	}
	return &Record{
		Bins:       bins,
		Generation: g.Header.Generation,
		Expiration: g.Header.TTL,
	}, nil
}

func decodeValue(valueType uint8, raw []byte) any {
	switch valueType {
	case ValueTypeNil:
		return nil
	case ValueTypeInt:
		if len(raw) == 8 {
			return int64(binary.BigEndian.Uint64(raw))
		}
		return raw
	case ValueTypeFloat:
		if len(raw) == 8 {
			return math.Float64frombits(binary.BigEndian.Uint64(raw))
		}
		return raw
	case ValueTypeString:
		return string(raw)
	case ValueTypeBool:
		return len(raw) == 1 && raw[0] != 0
	case ValueTypeBlob:
		return raw
	default:
		// Complex types (list/map/bit/HLL/...) are out of the core's
		// scope; hand the caller the raw bytes untouched.
		return raw
	}
}
