package command

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kvmesh/kvmesh-go/internal/cluster"
	"github.com/kvmesh/kvmesh-go/internal/codec"
	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/netconn"
	"github.com/kvmesh/kvmesh-go/internal/resolver"
)

// startFakeDataServer accepts one connection and feeds every request frame
// it receives to handler, writing back whatever reply bytes it returns.
func startFakeDataServer(t *testing.T, handler func(req []byte) []byte) string {
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
			_, _, payload, err := codec.ReadFrame(conn, buf)
			if err != nil {
				return
			}
			reply := handler(payload)
			if reply == nil {
				return
			}
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

// replyWithResultCode builds a single-group reply frame carrying code.
func replyWithResultCode(code uint8) []byte {
	b := codec.NewBuilder()
	b.Begin(codec.MessageHeader{ResultCode: code, InfoAttr: codec.InfoLast})
	return b.End()
}

func dialerTo(addr string) func() (*netconn.Connection, error) {
	return func() (*netconn.Connection, error) {
		return netconn.Dial(netconn.Config{Address: addr, DialTimeout: time.Second})
	}
}

// singleNodeEngine builds a one-node Cluster dialing addr, a one-row
// partitions table owning every partition via that node, and an Engine
// ready to dispatch against it, all without driving the tend loop.
func singleNodeEngine(t *testing.T, addr string) *Engine {
	t.Helper()
	nd, err := cluster.NewNode("N1", cluster.Host{Address: addr}, dialerTo(addr), 0, 1)
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

	return New(c, resolver.New(0), nil)
}

func TestExecuteSingleKeyReadSuccess(t *testing.T) {
	addr := startFakeDataServer(t, func(req []byte) []byte {
		return replyWithResultCode(0)
	})
	e := singleNodeEngine(t, addr)

	res, err := e.Execute(context.Background(), Request{
		Namespace: "test",
		Digest:    []byte{1, 0, 0, 0},
		Policy:    DefaultPolicy(),
		Kind:      KindRead,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Node != "N1" {
		t.Fatalf("result node = %q, want N1", res.Node)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
}

func TestExecuteRetriesThenFailsOnPersistentUnavailable(t *testing.T) {
	addr := startFakeDataServer(t, func(req []byte) []byte {
		return replyWithResultCode(resultPartitionUnavailable)
	})
	e := singleNodeEngine(t, addr)

	policy := DefaultPolicy()
	policy.MaxRetries = 2
	policy.SleepBetweenRetries = time.Millisecond

	_, err := e.Execute(context.Background(), Request{
		Namespace: "test",
		Digest:    []byte{1, 0, 0, 0},
		Policy:    policy,
		Kind:      KindWrite,
	})
	if kverrors.KindOf(err) != kverrors.TimeoutTotal {
		t.Fatalf("expected TimeoutTotal after exhausting retries, got %v", err)
	}
	if !kverrors.IsInDoubt(err) {
		t.Fatal("expected a write's exhausted-retry failure to be tagged in-doubt")
	}
}

func TestExecuteNotFoundSurfacesImmediatelyWithoutRetry(t *testing.T) {
	calls := 0
	addr := startFakeDataServer(t, func(req []byte) []byte {
		calls++
		return replyWithResultCode(resultNotFound)
	})
	e := singleNodeEngine(t, addr)

	policy := DefaultPolicy()
	policy.MaxRetries = 2

	_, err := e.Execute(context.Background(), Request{
		Namespace: "test",
		Digest:    []byte{1, 0, 0, 0},
		Policy:    policy,
		Kind:      KindRead,
	})
	if kverrors.KindOf(err) != kverrors.ServerApplication {
		t.Fatalf("expected ServerApplication not-found error, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("not-found must not be classified retryable")
	}
	if calls != 1 {
		t.Fatalf("expected a single dispatch attempt, server saw %d", calls)
	}
}

func TestExecuteCancelledContextAbortsWithoutRetry(t *testing.T) {
	addr := startFakeDataServer(t, func(req []byte) []byte {
		return replyWithResultCode(0)
	})
	e := singleNodeEngine(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, Request{
		Namespace: "test",
		Digest:    []byte{1, 0, 0, 0},
		Policy:    DefaultPolicy(),
		Kind:      KindRead,
	})
	if kverrors.KindOf(err) != kverrors.Cancelled {
		t.Fatalf("expected Cancelled error, got %v", err)
	}
}

func TestExecuteUnknownNamespaceFailsWithoutDialing(t *testing.T) {
	addr := startFakeDataServer(t, func(req []byte) []byte {
		t.Fatal("server should not be contacted for an unknown namespace")
		return nil
	})
	e := singleNodeEngine(t, addr)

	_, err := e.Execute(context.Background(), Request{
		Namespace: "missing",
		Digest:    []byte{1, 0, 0, 0},
		Policy:    DefaultPolicy(),
		Kind:      KindRead,
	})
	if kverrors.KindOf(err) != kverrors.Configuration {
		t.Fatalf("expected an immediate Configuration error for an unknown namespace, got %v", err)
	}
}

func TestIsRetryableClassifiesConnectionAndSocketTimeoutKinds(t *testing.T) {
	if !IsRetryable(kverrors.New(kverrors.Connection, "x")) {
		t.Fatal("Connection errors should be retryable")
	}
	if !IsRetryable(kverrors.New(kverrors.TimeoutSocket, "x")) {
		t.Fatal("TimeoutSocket errors should be retryable")
	}
	if IsRetryable(kverrors.New(kverrors.Authentication, "x")) {
		t.Fatal("Authentication errors should not be retryable")
	}
}
