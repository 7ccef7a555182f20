package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/flate"
)

// DefaultCompressionLevel matches klauspost/compress/flate's "fast but
// effective" tier; the wire is latency sensitive, not bandwidth-starved.
const DefaultCompressionLevel = flate.BestSpeed

// EndCompressed finishes assembly like End, but if the uncompressed message
// body (everything after the 8-byte frame header) is at least
// minCompressSize bytes, it deflates that body into a brand new buffer and
// returns the compressed frame instead, leaving the Builder's own buffer
// untouched. This keeps the compressed-out buffer distinct from the
// compressed-in (original) buffer, so a caller that re-sends the
// uncompressed frame after a failed compressed send is never handed
// aliased memory.
func (b *Builder) EndCompressed(minCompressSize int) ([]byte, error) {
	uncompressed := b.End()
	body := uncompressed[FrameHeaderSize:]
	if len(body) < minCompressSize {
		return uncompressed, nil
	}

	var compressed bytes.Buffer
	compressed.Grow(len(body) / 2)
	fw, err := flate.NewWriter(&compressed, DefaultCompressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(body); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, FrameHeaderSize+8+compressed.Len())
	PutFrameHeader(out[:FrameHeaderSize], FrameHeader{
		Version: 2,
		Type:    ProtoCompressed,
		Length:  uint64(8 + compressed.Len()),
	})
	binary.BigEndian.PutUint64(out[FrameHeaderSize:FrameHeaderSize+8], uint64(len(body)))
	copy(out[FrameHeaderSize+8:], compressed.Bytes())
	return out, nil
}
