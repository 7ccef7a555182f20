// Package codec implements the binary wire protocol: the 8-byte proto
// frame header, the 22-byte message header, length-prefixed field/operation
// TLVs, and the compressed/uncompressed envelope on both send and receive.
package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// Proto frame types, per spec §6. ProtoInfo carries the text info protocol
// (spec §4.4) over the same 8-byte frame header as the binary command
// protocol, rather than a second ad hoc framing.
const (
	ProtoInfo         uint8 = 1
	ProtoUncompressed uint8 = 3
	ProtoCompressed   uint8 = 4
)

// MaxFrameLength is the hard limit on the 48-bit length field. The codec
// never trusts the on-wire length beyond this; frames claiming more are
// rejected before any allocation is attempted.
const MaxFrameLength = 128 * 1024 * 1024 // 128 MiB

// bufferGrowIncrement is the rounding unit for receive-buffer growth.
const bufferGrowIncrement = 16 * 1024

// FrameHeader is the 8-byte proto header: version(1), type(1), length(6 BE).
type FrameHeader struct {
	Version uint8
	Type    uint8
	Length  uint64 // 48-bit on the wire
}

const FrameHeaderSize = 8

// PutFrameHeader writes a frame header into the first 8 bytes of dst. dst
// must have length >= 8.
func PutFrameHeader(dst []byte, h FrameHeader) {
	dst[0] = h.Version
	dst[1] = h.Type
	// 48-bit big-endian length packed into bytes [2:8].
	var lb [8]byte
	binary.BigEndian.PutUint64(lb[:], h.Length)
	copy(dst[2:8], lb[2:8])
}

// ParseFrameHeader decodes the first 8 bytes of src as a FrameHeader,
// rejecting any length beyond MaxFrameLength before the caller allocates a
// receive buffer sized by it.
func ParseFrameHeader(src []byte) (FrameHeader, error) {
	if len(src) < FrameHeaderSize {
		return FrameHeader{}, kverrors.ErrShortFrame
	}
	var lb [8]byte
	copy(lb[2:8], src[2:8])
	length := binary.BigEndian.Uint64(lb[:])
	h := FrameHeader{Version: src[0], Type: src[1], Length: length}
	if h.Length > MaxFrameLength {
		return FrameHeader{}, kverrors.Wrap(kverrors.ProtocolParse,
			"frame length exceeds hard limit", kverrors.ErrFrameTooLarge).WithResultCode(int(h.Length))
	}
	if h.Type != ProtoUncompressed && h.Type != ProtoCompressed && h.Type != ProtoInfo {
		return FrameHeader{}, kverrors.Wrap(kverrors.ProtocolParse, "unrecognized frame type", kverrors.ErrBadMagic)
	}
	return h, nil
}

// growRounded returns a []byte of at least need bytes, rounding allocation
// up to the next bufferGrowIncrement to avoid reallocating on every small
// increase in reply size.
func growRounded(buf []byte, need int) []byte {
	if cap(buf) >= need {
		return buf[:need]
	}
	rounded := ((need + bufferGrowIncrement - 1) / bufferGrowIncrement) * bufferGrowIncrement
	n := make([]byte, need, rounded)
	copy(n, buf)
	return n
}

// ReadFrame reads one full frame from r (blocking), validates its length,
// and returns the decompressed payload (message header + fields + ops) for
// the uncompressed case, or the inflated payload for the compressed case.
// buf is reused across calls (grown in place, never shrunk) to avoid
// per-call allocation in the data plane's hot path.
func ReadFrame(r io.Reader, buf []byte) (FrameHeader, []byte, []byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FrameHeader{}, buf, nil, kverrors.Wrap(kverrors.Connection, "read frame header", err)
	}
	fh, err := ParseFrameHeader(hdr[:])
	if err != nil {
		return FrameHeader{}, buf, nil, err
	}

	buf = growRounded(buf, int(fh.Length))
	if _, err := io.ReadFull(r, buf[:fh.Length]); err != nil {
		return fh, buf, nil, kverrors.Wrap(kverrors.Connection, "read frame payload", err)
	}

	if fh.Type == ProtoUncompressed || fh.Type == ProtoInfo {
		return fh, buf, buf[:fh.Length], nil
	}

	// Compressed: [u_length(8)][deflate(payload)].
	if fh.Length < 8 {
		return fh, buf, nil, kverrors.Wrap(kverrors.ProtocolParse, "compressed frame too short", kverrors.ErrShortFrame)
	}
	uLen := binary.BigEndian.Uint64(buf[0:8])
	if uLen > MaxFrameLength {
		return fh, buf, nil, kverrors.Wrap(kverrors.ProtocolParse, "uncompressed length exceeds hard limit", kverrors.ErrFrameTooLarge)
	}
	// The decompressed-in buffer is allocated separately from buf: the
	// compressed receive buffer must stay untouched for diagnostics /
	// reuse, matching the distinct-buffer behavior of the send side.
	out := make([]byte, uLen)
	fr := flate.NewReader(bytes.NewReader(buf[8:fh.Length]))
	defer fr.Close()
	if _, err := io.ReadFull(fr, out); err != nil {
		return fh, buf, nil, kverrors.Wrap(kverrors.ProtocolParse, "inflate reply payload", err)
	}
	return fh, buf, out, nil
}
