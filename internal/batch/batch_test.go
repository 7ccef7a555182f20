package batch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kvmesh/kvmesh-go/internal/cluster"
	"github.com/kvmesh/kvmesh-go/internal/codec"
	"github.com/kvmesh/kvmesh-go/internal/command"
	"github.com/kvmesh/kvmesh-go/internal/netconn"
	"github.com/kvmesh/kvmesh-go/internal/resolver"
)

func digest(b byte) []byte {
	d := make([]byte, DigestSize)
	d[0] = b
	return d
}

// TestCompactEntriesSharedShapeIsExact mirrors spec §8 scenario 4: a batch
// read of 4 keys all sharing ns/set/bin-names compacts to exactly one full
// header and three BATCH_MSG_REPEAT bytes.
func TestCompactEntriesSharedShapeIsExact(t *testing.T) {
	keys := make([]Key, 4)
	for i := range keys {
		keys[i] = Key{Namespace: "t", Set: "s", BinNames: []string{"a", "b"}, Digest: digest(byte(i))}
	}
	out := compactEntries(keys)

	fullCount, repeatCount := 0, 0
	i := 0
	for i < len(out) {
		switch out[i] {
		case batchMsgFull:
			fullCount++
			nsLen := int(out[i+1])
			i += 2 + nsLen
			setLen := int(out[i])
			i += 1 + setLen
			binCount := int(out[i])
			i++
			for b := 0; b < binCount; b++ {
				nameLen := int(out[i])
				i += 1 + nameLen
			}
			i += DigestSize
		case batchMsgRepeat:
			repeatCount++
			i += 1 + DigestSize
		default:
			t.Fatalf("unexpected marker byte %d at offset %d", out[i], i)
		}
	}
	if fullCount != 1 {
		t.Fatalf("full header count = %d, want 1", fullCount)
	}
	if repeatCount != 3 {
		t.Fatalf("repeat marker count = %d, want 3", repeatCount)
	}
}

func TestCompactEntriesDifferentShapeNeverRepeats(t *testing.T) {
	keys := []Key{
		{Namespace: "t", Set: "s", BinNames: []string{"a"}, Digest: digest(1)},
		{Namespace: "t", Set: "s", BinNames: []string{"b"}, Digest: digest(2)},
	}
	out := compactEntries(keys)
	if out[0] != batchMsgFull {
		t.Fatalf("first entry marker = %d, want full", out[0])
	}
	// Second entry must also be full since its bin-names differ; find its
	// marker by skipping over the first entry's full encoding.
	nsLen := int(out[1])
	idx := 2 + nsLen
	setLen := int(out[idx])
	idx += 1 + setLen
	binCount := int(out[idx])
	idx++
	for b := 0; b < binCount; b++ {
		nameLen := int(out[idx])
		idx += 1 + nameLen
	}
	idx += DigestSize
	if out[idx] != batchMsgFull {
		t.Fatalf("second entry marker = %d, want full (differing bin-names must not compact)", out[idx])
	}
}

// startFakeBatchServer replies to every incoming frame with a fixed number
// of synthetic record groups, each tagged with an ascending generation so
// reassembly order can be checked.
func startFakeBatchServer(t *testing.T, groupCount int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 0, 4096)
		for {
			if _, _, _, err := codec.ReadFrame(conn, buf); err != nil {
				return
			}
			var body []byte
			for i := 0; i < groupCount; i++ {
				info := uint8(0)
				if i == groupCount-1 {
					info = codec.InfoLast
				}
				var hdr [codec.MessageHeaderSize]byte
				codec.PutMessageHeader(hdr[:], codec.MessageHeader{ResultCode: 0, Generation: uint32(i + 1), InfoAttr: info})
				body = append(body, hdr[:]...)
			}
			var fhdr [codec.FrameHeaderSize]byte
			codec.PutFrameHeader(fhdr[:], codec.FrameHeader{Version: 2, Type: codec.ProtoUncompressed, Length: uint64(len(body))})
			if _, err := conn.Write(fhdr[:]); err != nil {
				return
			}
			if _, err := conn.Write(body); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func singleNodePlanner(t *testing.T, addr string) *Planner {
	t.Helper()
	nd, err := cluster.NewNode("N1", cluster.Host{Address: addr}, func() (*netconn.Connection, error) {
		return netconn.Dial(netconn.Config{Address: addr, DialTimeout: time.Second})
	}, 0, 1)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	nd.Activate()

	allSet := make([]byte, cluster.PartitionCount/8)
	for i := range allSet {
		allSet[i] = 0xff
	}
	b := cluster.NewBuilder(cluster.NewMap())
	b.ApplyNamespaceUpdate("N1", cluster.NamespaceUpdate{
		Namespace: "test", Regime: 1, ReplicaCount: 1, Bitmaps: [][]byte{allSet},
	})

	c, err := cluster.New(cluster.Config{Seeds: []cluster.Host{{Address: addr}}, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("cluster.New: %v", err)
	}
	t.Cleanup(c.Close)
	c.PublishForTest([]*cluster.Node{nd}, b.Commit())

	r := resolver.New(0)
	e := command.New(c, r, nil)
	return New(c, r, e)
}

func TestExecuteReassemblesByStableOffset(t *testing.T) {
	addr := startFakeBatchServer(t, 3)
	p := singleNodePlanner(t, addr)

	keys := []Key{
		{Namespace: "test", Digest: digest(1)},
		{Namespace: "test", Digest: digest(2)},
		{Namespace: "test", Digest: digest(3)},
	}
	items, err := p.Execute(context.Background(), Request{Keys: keys, Policy: resolver.PolicyMaster, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	for i, it := range items {
		if it.Err != nil {
			t.Fatalf("item %d: %v", i, it.Err)
		}
		if it.Index != i {
			t.Fatalf("item %d has Index %d", i, it.Index)
		}
		if int(it.Group.Header.Generation) != i+1 {
			t.Fatalf("item %d generation = %d, want %d", i, it.Group.Header.Generation, i+1)
		}
	}
}

func TestExecuteUnknownNamespaceFailsAllItems(t *testing.T) {
	addr := startFakeBatchServer(t, 1)
	p := singleNodePlanner(t, addr)

	keys := []Key{{Namespace: "missing", Digest: digest(1)}}
	items, err := p.Execute(context.Background(), Request{Keys: keys, Policy: resolver.PolicyMaster, Timeout: time.Second})
	if err == nil {
		t.Fatal("expected an error for an unknown namespace")
	}
	if items[0].Err == nil {
		t.Fatal("expected the item itself to carry the error")
	}
}
