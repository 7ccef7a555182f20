package kvmesh

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// digestSize matches internal/batch.DigestSize; kept as its own constant
// here since pkg/kvmesh computes digests independently of whether a given
// call ends up single-key or batched.
const digestSize = 16

// Digest computes a fixed-width hash of (set, key) per the GLOSSARY's
// "Digest — a fixed-width hash of (set, key); first 32 bits (little-endian)
// mod 4096 yield the partition id." The exact algorithm is unspecified by
// spec.md, so this uses cespare/xxhash/v2 (a teacher go.mod dependency)
// over two distinct domain-separated inputs to fill digestSize bytes,
// rather than inventing a cryptographic hash the core has no other need
// for.
func Digest(set string, key []byte) []byte {
	h1 := xxhash.New()
	h1.WriteString(set)
	h1.Write([]byte{0})
	h1.Write(key)

	h2 := xxhash.New()
	h2.WriteString(set)
	h2.Write([]byte{1})
	h2.Write(key)

	out := make([]byte, digestSize)
	binary.LittleEndian.PutUint64(out[0:8], h1.Sum64())
	binary.LittleEndian.PutUint64(out[8:16], h2.Sum64())
	return out
}
