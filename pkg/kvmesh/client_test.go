package kvmesh

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kvmesh/kvmesh-go/internal/cluster"
	"github.com/kvmesh/kvmesh-go/internal/codec"
	"github.com/kvmesh/kvmesh-go/internal/info"
)

func TestDigestIsDeterministicAndSetSensitive(t *testing.T) {
	a := Digest("set1", []byte("key"))
	b := Digest("set1", []byte("key"))
	if string(a) != string(b) {
		t.Fatal("Digest is not deterministic for identical inputs")
	}
	c := Digest("set2", []byte("key"))
	if string(a) == string(c) {
		t.Fatal("Digest must vary with the set name")
	}
	if len(a) != digestSize {
		t.Fatalf("len(Digest) = %d, want %d", len(a), digestSize)
	}
}

// startFakeNode speaks both the info protocol (for tend's bootstrap) and
// the binary command protocol (for data-plane dispatch) on the same
// listener, branching on the frame type, so a single Client can both tend
// and dispatch against it.
func startFakeNode(t *testing.T, name string, resultCode uint8) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 0, 4096)
				for {
					fh, _, payload, err := codec.ReadFrame(conn, buf)
					if err != nil {
						return
					}
					if fh.Type == codec.ProtoInfo {
						reply := []byte(info.KeyNode + "\t" + name + "\n" +
							info.KeyPeersGeneration + "\t1\n" +
							info.KeyPartitionGeneration + "\t1\n" +
							info.KeyRebalanceGeneration + "\t1\n")
						var hdr [codec.FrameHeaderSize]byte
						codec.PutFrameHeader(hdr[:], codec.FrameHeader{Version: 2, Type: codec.ProtoInfo, Length: uint64(len(reply))})
						conn.Write(hdr[:])
						conn.Write(reply)
						continue
					}
					_ = payload
					b := codec.NewBuilder()
					b.Begin(codec.MessageHeader{ResultCode: resultCode, InfoAttr: codec.InfoLast})
					conn.Write(b.End())
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestClientTendDiscoversSeedNode(t *testing.T) {
	addr := startFakeNode(t, "N1", 0)

	policy := DefaultClientPolicy()
	policy.Cluster.DialTimeout = time.Second
	cl, err := New([]cluster.Host{{Address: addr}}, policy)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cl.Close()

	if _, err := cl.Tend(context.Background()); err != nil {
		t.Fatalf("Tend: %v", err)
	}

	// The fake node doesn't actually own a real partitions table (no
	// partitions-all exchange modeled here), so no command is dispatched;
	// this checks only the node the tend loop discovered.
	if len(cl.Cluster().Nodes()) != 1 {
		t.Fatalf("expected 1 discovered node, got %d", len(cl.Cluster().Nodes()))
	}
	if cl.Cluster().Nodes()[0].Name() != "N1" {
		t.Fatalf("discovered node name = %q, want N1", cl.Cluster().Nodes()[0].Name())
	}
}
