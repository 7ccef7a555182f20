package codec

import (
	"encoding/binary"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// MessageHeaderSize is the fixed 22-byte message header size per spec §6.
const MessageHeaderSize = 22

// Read/write attribute bits (subset needed by the resolver/command engine).
const (
	ReadAttrRead        uint8 = 1 << 0
	ReadAttrAllReplicas  uint8 = 1 << 1
	ReadAttrConsistency uint8 = 1 << 2 // strong-consistency LINEARIZE flag
	ReadAttrSessionless uint8 = 1 << 3 // strong-consistency SESSION flag

	WriteAttrWrite uint8 = 1 << 0
	WriteAttrDelete uint8 = 1 << 1
)

// Info/flags bits used on replies. BatchIndex piggybacks on the
// ServerTimeout slot when InfoBatch is set, since a reply prelude needs a
// batch index but otherwise mirrors the request header shape exactly.
const (
	InfoLast           uint8 = 1 << 0
	InfoPartitionDone  uint8 = 1 << 1
	InfoStrongConsistency uint8 = 1 << 2
	InfoBatch          uint8 = 1 << 3
)

// MessageHeader is the fixed 22-byte header following the frame header.
type MessageHeader struct {
	HeaderSize    uint8 // always MessageHeaderSize
	ReadAttr      uint8
	WriteAttr     uint8
	InfoAttr      uint8
	Unused        uint8
	ResultCode    uint8
	Generation    uint32
	TTL           uint32
	ServerTimeout uint32 // reused as BatchIndex on replies when InfoBatch is set
	FieldCount    uint16
	OpCount       uint16
}

// PutMessageHeader encodes h into dst[0:22].
func PutMessageHeader(dst []byte, h MessageHeader) {
	dst[0] = MessageHeaderSize
	dst[1] = h.ReadAttr
	dst[2] = h.WriteAttr
	dst[3] = h.InfoAttr
	dst[4] = h.Unused
	dst[5] = h.ResultCode
	binary.BigEndian.PutUint32(dst[6:10], h.Generation)
	binary.BigEndian.PutUint32(dst[10:14], h.TTL)
	binary.BigEndian.PutUint32(dst[14:18], h.ServerTimeout)
	binary.BigEndian.PutUint16(dst[18:20], h.FieldCount)
	binary.BigEndian.PutUint16(dst[20:22], h.OpCount)
}

// ParseMessageHeader decodes src[0:22] into a MessageHeader.
func ParseMessageHeader(src []byte) (MessageHeader, error) {
	if len(src) < MessageHeaderSize {
		return MessageHeader{}, kverrors.ErrShortFrame
	}
	return MessageHeader{
		HeaderSize:    src[0],
		ReadAttr:      src[1],
		WriteAttr:     src[2],
		InfoAttr:      src[3],
		Unused:        src[4],
		ResultCode:    src[5],
		Generation:    binary.BigEndian.Uint32(src[6:10]),
		TTL:           binary.BigEndian.Uint32(src[10:14]),
		ServerTimeout: binary.BigEndian.Uint32(src[14:18]),
		FieldCount:    binary.BigEndian.Uint16(src[18:20]),
		OpCount:       binary.BigEndian.Uint16(src[20:22]),
	}, nil
}

// Field types understood by the core. Only the ones the cluster/command
// layer reads itself are named; everything else round-trips as a raw type
// byte, since field semantics beyond routing are an external collaborator's
// concern.
const (
	FieldNamespace uint8 = 0
	FieldSetName   uint8 = 1
	FieldKey       uint8 = 2
	FieldDigest    uint8 = 4

	// FieldBatchKeys carries one node's compacted batch sub-request (spec
	// §4.8's BATCH_MSG_REPEAT scheme), as a single field rather than one
	// field per key, so a batch request still fits the same field/op TLV
	// framing as a single-key command.
	FieldBatchKeys uint8 = 20
)

// Field is a length-prefixed [size(4)][type(1)][bytes] TLV.
type Field struct {
	Type  uint8
	Value []byte
}

// Size returns the encoded byte length of the field, including its own
// 4-byte size prefix.
func (f Field) Size() int { return 4 + 1 + len(f.Value) }

// Operation types the core cares about for routing/parsing; bin-level
// value semantics are delegated to the record parser.
const (
	OpRead  uint8 = 1
	OpWrite uint8 = 2
)

// Operation is a length-prefixed TLV:
// [size(4)][op_type(1)][value_type(1)][unused(1)][name_len(1)][name][value].
type Operation struct {
	OpType    uint8
	ValueType uint8
	Name      string
	Value     []byte
}

// Size returns the encoded byte length of the operation, including its own
// 4-byte size prefix.
func (o Operation) Size() int { return 4 + 4 + len(o.Name) + len(o.Value) }

// Builder assembles a request frame: frame header + message header + fields
// + operations. It is reset rather than reallocated between uses, so
// repeated assembly with the same Builder produces byte-identical output
// regardless of what the allocator previously held there.
type Builder struct {
	buf         []byte
	fieldCount  uint16
	opCount     uint16
	fieldCountAt int
	opCountAt    int
}

// NewBuilder returns a Builder with its backing array pre-sized to one
// growth increment.
func NewBuilder() *Builder {
	return &Builder{buf: make([]byte, 0, bufferGrowIncrement)}
}

// Reset clears the builder for reuse without releasing its backing array.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.fieldCount = 0
	b.opCount = 0
}

func (b *Builder) append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Begin reserves the frame header (8 bytes, patched in End) and writes the
// message header with the given attributes, fixing the offsets of the
// field/op count bytes so AddField/AddOperation can patch them in place.
func (b *Builder) Begin(h MessageHeader) {
	b.append(make([]byte, FrameHeaderSize)) // placeholder, patched in End
	hdrStart := len(b.buf)
	b.append(make([]byte, MessageHeaderSize))
	PutMessageHeader(b.buf[hdrStart:hdrStart+MessageHeaderSize], h)
	b.fieldCountAt = hdrStart + 18
	b.opCountAt = hdrStart + 20
}

// AddField appends a field TLV and increments the header's field count.
func (b *Builder) AddField(f Field) {
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], uint32(1+len(f.Value)))
	b.append(sz[:])
	b.append([]byte{f.Type})
	b.append(f.Value)
	b.fieldCount++
	binary.BigEndian.PutUint16(b.buf[b.fieldCountAt:b.fieldCountAt+2], b.fieldCount)
}

// AddOperation appends an operation TLV and increments the header's
// operation count.
func (b *Builder) AddOperation(op Operation) {
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], uint32(4+len(op.Name)+len(op.Value)))
	b.append(sz[:])
	b.append([]byte{op.OpType, op.ValueType, 0, uint8(len(op.Name))})
	b.append([]byte(op.Name))
	b.append(op.Value)
	b.opCount++
	binary.BigEndian.PutUint16(b.buf[b.opCountAt:b.opCountAt+2], b.opCount)
}

// End patches the frame header's length field (bytes following the 8-byte
// frame header) and returns the uncompressed wire bytes. It never mutates
// the length field until every field/operation has been added, matching
// the "total-length field fixed in End() after assembly" invariant.
func (b *Builder) End() []byte {
	payloadLen := uint64(len(b.buf) - FrameHeaderSize)
	PutFrameHeader(b.buf[:FrameHeaderSize], FrameHeader{Version: 2, Type: ProtoUncompressed, Length: payloadLen})
	return b.buf
}

// Bytes returns the builder's current backing buffer, valid until the next
// Reset.
func (b *Builder) Bytes() []byte { return b.buf }
