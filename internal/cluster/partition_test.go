package cluster

import (
	"testing"
)

// bitmapAllSet returns a PartitionCount-bit bitmap with every bit set.
func bitmapAllSet() []byte {
	b := make([]byte, bitmapBytes)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

// bitmapWithPartition returns a zero bitmap with only partition set.
func bitmapWithPartition(partition int) []byte {
	b := make([]byte, bitmapBytes)
	byteIdx := partition / 8
	bitIdx := 7 - uint(partition%8)
	b[byteIdx] = 1 << bitIdx
	return b
}

func TestBitmapEncodeDecodeRoundTrip(t *testing.T) {
	raw := bitmapWithPartition(13)
	encoded := encodeBitmap(raw)
	decoded, err := decodeBitmap(encoded)
	if err != nil {
		t.Fatalf("decodeBitmap: %v", err)
	}
	if len(decoded) != len(raw) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(raw))
	}
	for i := range raw {
		if decoded[i] != raw[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, decoded[i], raw[i])
		}
	}
}

func TestDecodeBitmapWrongLength(t *testing.T) {
	if _, err := decodeBitmap(encodeBitmap([]byte{0x01, 0x02})); err == nil {
		t.Fatal("expected error decoding short bitmap")
	}
}

func TestApplyBitmapAssignsOwnership(t *testing.T) {
	p := newPartitions(2)
	p.applyBitmap(0, "BB9", 1, bitmapWithPartition(5))
	if p.Replicas[0][5] != "BB9" {
		t.Fatalf("partition 5 owner = %q, want BB9", p.Replicas[0][5])
	}
	if p.Replicas[0][6] != "" {
		t.Fatalf("partition 6 owner = %q, want empty", p.Replicas[0][6])
	}
}

func TestApplyBitmapHighestRegimeWins(t *testing.T) {
	p := newPartitions(1)
	p.applyBitmap(0, "BB9", 5, bitmapWithPartition(0))
	// lower regime claim must not overwrite
	p.applyBitmap(0, "CC1", 3, bitmapWithPartition(0))
	if p.Replicas[0][0] != "BB9" {
		t.Fatalf("owner after lower-regime claim = %q, want BB9", p.Replicas[0][0])
	}
	// higher regime claim overwrites
	p.applyBitmap(0, "CC1", 7, bitmapWithPartition(0))
	if p.Replicas[0][0] != "CC1" {
		t.Fatalf("owner after higher-regime claim = %q, want CC1", p.Replicas[0][0])
	}
}

func TestPartitionsClone(t *testing.T) {
	p := newPartitions(1)
	p.applyBitmap(0, "BB9", 1, bitmapWithPartition(0))
	clone := p.clone()
	clone.applyBitmap(0, "CC1", 2, bitmapWithPartition(1))
	if p.Replicas[0][1] != "" {
		t.Fatal("mutating clone must not affect original")
	}
	if clone.Replicas[0][0] != "BB9" {
		t.Fatal("clone must retain original's existing ownership")
	}
}

func TestParsePartitionsPayload(t *testing.T) {
	bm := encodeBitmap(bitmapAllSet())
	payload := "ns1:7,1," + bm + ";ns2:3,1," + bm + ";"
	updates, err := ParsePartitionsPayload(payload)
	if err != nil {
		t.Fatalf("ParsePartitionsPayload: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Namespace != "ns1" || updates[0].Regime != 7 || updates[0].ReplicaCount != 1 {
		t.Fatalf("unexpected update[0]: %+v", updates[0])
	}
	if updates[1].Namespace != "ns2" || updates[1].Regime != 3 {
		t.Fatalf("unexpected update[1]: %+v", updates[1])
	}
}

func TestParsePartitionsPayloadMalformed(t *testing.T) {
	if _, err := ParsePartitionsPayload("ns1-missing-colon"); err == nil {
		t.Fatal("expected error for missing namespace separator")
	}
	if _, err := ParsePartitionsPayload("ns1:notanumber,1;"); err == nil {
		t.Fatal("expected error for bad regime")
	}
}

func TestBuilderCopyOnWriteSemantics(t *testing.T) {
	base := NewMap()
	b := NewBuilder(base)
	b.ApplyNamespaceUpdate("BB9", NamespaceUpdate{
		Namespace: "ns1", Regime: 1, ReplicaCount: 1,
		Bitmaps: [][]byte{bitmapWithPartition(0)},
	})
	updated := b.Commit()

	// base map must be untouched.
	if _, ok := base.Get("ns1"); ok {
		t.Fatal("base map must not observe the builder's uncommitted changes")
	}
	p, ok := updated.Get("ns1")
	if !ok {
		t.Fatal("expected ns1 in the committed map")
	}
	if p.Replicas[0][0] != "BB9" {
		t.Fatalf("ns1 partition 0 owner = %q, want BB9", p.Replicas[0][0])
	}

	// A second builder layered on top of updated must not mutate updated's
	// Partitions in place: first touch clones.
	b2 := NewBuilder(updated)
	b2.ApplyNamespaceUpdate("CC1", NamespaceUpdate{
		Namespace: "ns1", Regime: 2, ReplicaCount: 1,
		Bitmaps: [][]byte{bitmapWithPartition(1)},
	})
	updated2 := b2.Commit()

	stillOld, _ := updated.Get("ns1")
	if stillOld.Replicas[0][1] != "" {
		t.Fatal("committing a new builder must not mutate a prior Map's Partitions")
	}
	newer, _ := updated2.Get("ns1")
	if newer.Replicas[0][1] != "CC1" {
		t.Fatalf("new map partition 1 owner = %q, want CC1", newer.Replicas[0][1])
	}
	if newer.Replicas[0][0] != "BB9" {
		t.Fatal("new map must retain prior generation's ownership for untouched partitions")
	}
}

func TestBuilderClearNode(t *testing.T) {
	base := NewMap()
	b := NewBuilder(base)
	b.ApplyNamespaceUpdate("BB9", NamespaceUpdate{
		Namespace: "ns1", Regime: 1, ReplicaCount: 1,
		Bitmaps: [][]byte{bitmapAllSet()},
	})
	m := b.Commit()

	b2 := NewBuilder(m)
	b2.ClearNode("BB9")
	cleared := b2.Commit()

	p, ok := cleared.Get("ns1")
	if !ok {
		t.Fatal("expected ns1 to still exist after ClearNode")
	}
	for _, owner := range p.Replicas[0] {
		if owner == "BB9" {
			t.Fatal("ClearNode must remove every reference to the node")
		}
	}
}

func TestMapNamespaces(t *testing.T) {
	base := NewMap()
	b := NewBuilder(base)
	b.ApplyNamespaceUpdate("BB9", NamespaceUpdate{Namespace: "ns1", Regime: 1, ReplicaCount: 1, Bitmaps: [][]byte{bitmapWithPartition(0)}})
	b.ApplyNamespaceUpdate("BB9", NamespaceUpdate{Namespace: "ns2", Regime: 1, ReplicaCount: 1, Bitmaps: [][]byte{bitmapWithPartition(0)}})
	m := b.Commit()
	namespaces := m.Namespaces()
	if len(namespaces) != 2 {
		t.Fatalf("expected 2 namespaces, got %v", namespaces)
	}
}
