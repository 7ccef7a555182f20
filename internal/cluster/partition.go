package cluster

import (
	"encoding/base64"
	"strconv"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// PartitionCount is the fixed number of hash buckets per namespace, per
// spec §3.
const PartitionCount = 4096

const bitmapBytes = PartitionCount / 8

// Partitions holds one namespace's replica ownership table: a 2-D
// replicas[replicaRow][partition] grid of node names (empty string = null)
// and a parallel regimes array used to resolve conflicting claims, per
// spec §3.
type Partitions struct {
	ReplicaCount int
	Replicas     [][]string // [row][partition] -> node name, "" if unowned
	Regimes      [PartitionCount]uint32
}

// newPartitions allocates an empty table with replicaCount rows.
func newPartitions(replicaCount int) *Partitions {
	p := &Partitions{ReplicaCount: replicaCount}
	p.Replicas = make([][]string, replicaCount)
	for i := range p.Replicas {
		p.Replicas[i] = make([]string, PartitionCount)
	}
	return p
}

// clone deep-copies p so a tend iteration can mutate the copy without
// disturbing any in-flight reader of the published map.
func (p *Partitions) clone() *Partitions {
	out := &Partitions{ReplicaCount: p.ReplicaCount, Regimes: p.Regimes}
	out.Replicas = make([][]string, len(p.Replicas))
	for i, row := range p.Replicas {
		cp := make([]string, len(row))
		copy(cp, row)
		out.Replicas[i] = cp
	}
	return out
}

// applyBitmap sets row's ownership for every partition whose bit is set in
// bitmap to nodeName, but only if regime is >= the partition's currently
// recorded regime (highest-regime claim wins; ties favor the most recent
// writer, i.e. this call), per spec §3's invariant.
func (p *Partitions) applyBitmap(row int, nodeName string, regime uint32, bitmap []byte) {
	for partition := 0; partition < PartitionCount; partition++ {
		byteIdx := partition / 8
		bitIdx := 7 - uint(partition%8) // big-endian within each byte, per spec §6
		if byteIdx >= len(bitmap) || bitmap[byteIdx]&(1<<bitIdx) == 0 {
			continue
		}
		if regime < p.Regimes[partition] {
			continue
		}
		p.Regimes[partition] = regime
		p.Replicas[row][partition] = nodeName
	}
}

// decodeBitmap base64-decodes a partition ownership bitmap, validating its
// length is exactly PartitionCount bits.
func decodeBitmap(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.ProtocolParse, "decode partition bitmap", err)
	}
	if len(raw) != bitmapBytes {
		return nil, kverrors.New(kverrors.ProtocolParse, "partition bitmap has wrong length")
	}
	return raw, nil
}

// encodeBitmap is the inverse of decodeBitmap, used by tests asserting the
// round-trip law in spec §8.
func encodeBitmap(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// NamespaceUpdate is one namespace's `replicas` reply, parsed from the
// "ns:regime,count,<bitmap0>,<bitmap1>,...;" payload of spec §6.
type NamespaceUpdate struct {
	Namespace    string
	Regime       uint32
	ReplicaCount int
	Bitmaps      [][]byte
}

// ParsePartitionsPayload parses the full semicolon-terminated payload
// returned by the `replicas` info key.
func ParsePartitionsPayload(payload string) ([]NamespaceUpdate, error) {
	var updates []NamespaceUpdate
	for _, entry := range strings.Split(payload, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		u, err := parseNamespaceEntry(entry)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func parseNamespaceEntry(entry string) (NamespaceUpdate, error) {
	nsSplit := strings.SplitN(entry, ":", 2)
	if len(nsSplit) != 2 {
		return NamespaceUpdate{}, kverrors.New(kverrors.ProtocolParse, "partitions entry missing namespace separator")
	}
	fields := strings.Split(nsSplit[1], ",")
	if len(fields) < 2 {
		return NamespaceUpdate{}, kverrors.New(kverrors.ProtocolParse, "partitions entry missing regime/count")
	}
	regime, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return NamespaceUpdate{}, kverrors.Wrap(kverrors.ProtocolParse, "parse regime", err)
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil {
		return NamespaceUpdate{}, kverrors.Wrap(kverrors.ProtocolParse, "parse replica count", err)
	}
	bitmapFields := fields[2:]
	if len(bitmapFields) != count {
		return NamespaceUpdate{}, kverrors.New(kverrors.ProtocolParse, "partitions entry bitmap count mismatch")
	}
	bitmaps := make([][]byte, count)
	for i, enc := range bitmapFields {
		b, err := decodeBitmap(enc)
		if err != nil {
			return NamespaceUpdate{}, err
		}
		bitmaps[i] = b
	}
	return NamespaceUpdate{
		Namespace:    nsSplit[0],
		Regime:       uint32(regime),
		ReplicaCount: count,
		Bitmaps:      bitmaps,
	}, nil
}

// Map is the copy-on-write namespace -> Partitions table published
// atomically by the tend loop, per spec §3/§9 ("snapshot publisher
// pattern"). It wraps an immutable radix tree keyed by namespace so a
// single-namespace update never touches other namespaces' entries.
type Map struct {
	tree *iradix.Tree
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{tree: iradix.New()}
}

// Get returns the Partitions table for ns, or nil if unknown.
func (m *Map) Get(ns string) (*Partitions, bool) {
	v, ok := m.tree.Get([]byte(ns))
	if !ok {
		return nil, false
	}
	return v.(*Partitions), true
}

// Namespaces lists every namespace currently tracked.
func (m *Map) Namespaces() []string {
	var out []string
	m.tree.Root().Walk(func(k []byte, v interface{}) bool {
		out = append(out, string(k))
		return false
	})
	return out
}

// Builder accumulates namespace updates for one tend iteration on top of a
// base Map, following spec §4.6 step 6: "the first namespace update in an
// iteration shallow-clones the map; later updates mutate the clone; the new
// map is published atomically at the end."
type Builder struct {
	base  *Map
	txn   *iradix.Txn
	dirty map[string]*Partitions
}

// NewBuilder starts a builder on top of base (which may be nil for an
// empty starting map).
func NewBuilder(base *Map) *Builder {
	if base == nil {
		base = NewMap()
	}
	return &Builder{base: base, txn: base.tree.Txn(), dirty: make(map[string]*Partitions)}
}

// namespacePartitions returns the namespace's working copy, cloning from
// the base map (or allocating fresh) on first touch this iteration.
func (b *Builder) namespacePartitions(ns string, replicaCount int) *Partitions {
	if p, ok := b.dirty[ns]; ok {
		return p
	}
	var p *Partitions
	if existing, ok := b.base.Get(ns); ok {
		p = existing.clone()
		if p.ReplicaCount < replicaCount {
			grown := newPartitions(replicaCount)
			copy(grown.Replicas, p.Replicas)
			grown.Regimes = p.Regimes
			p = grown
		}
	} else {
		p = newPartitions(replicaCount)
	}
	b.dirty[ns] = p
	return p
}

// ApplyNamespaceUpdate folds one NamespaceUpdate (one node's claim) into
// the namespace's working Partitions table.
func (b *Builder) ApplyNamespaceUpdate(nodeName string, u NamespaceUpdate) {
	p := b.namespacePartitions(u.Namespace, u.ReplicaCount)
	for row, bitmap := range u.Bitmaps {
		p.applyBitmap(row, nodeName, u.Regime, bitmap)
	}
}

// ClearNode removes every reference to nodeName from every namespace's
// replica table, used when the tend loop retires a node.
func (b *Builder) ClearNode(nodeName string) {
	for _, ns := range b.base.Namespaces() {
		p := b.namespacePartitions(ns, 0)
		for _, row := range p.Replicas {
			for i, n := range row {
				if n == nodeName {
					row[i] = ""
				}
			}
		}
	}
}

// Commit publishes every namespace touched this iteration into the base
// map's tree and returns the new, immutable Map.
func (b *Builder) Commit() *Map {
	for ns, p := range b.dirty {
		b.txn.Insert([]byte(ns), p)
	}
	return &Map{tree: b.txn.Commit()}
}
