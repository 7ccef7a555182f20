package cluster

import (
	"testing"

	"github.com/kvmesh/kvmesh-go/internal/auth"
)

func testConfig() Config {
	return Config{
		Seeds: []Host{{Address: "127.0.0.1", Port: 3000}},
		Credentials: auth.Credentials{
			Mode: auth.ModePKI,
		},
	}
}

func TestNewRequiresSeeds(t *testing.T) {
	cfg := testConfig()
	cfg.Seeds = nil
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error constructing a Cluster with no seeds")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if c.cfg.PoolMaxPerShard != 8 {
		t.Fatalf("PoolMaxPerShard default = %d, want 8", c.cfg.PoolMaxPerShard)
	}
	if c.cfg.ErrorRateWindow != 50 {
		t.Fatalf("ErrorRateWindow default = %d, want 50", c.cfg.ErrorRateWindow)
	}
	if len(c.Nodes()) != 0 {
		t.Fatalf("expected no nodes at construction, got %d", len(c.Nodes()))
	}
	if _, ok := c.PartitionMap().Get("ns1"); ok {
		t.Fatal("expected an empty partition map at construction")
	}
}

func TestHostForNodeResolvesPendingThenPublished(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if _, ok := c.hostForNode("BB9"); ok {
		t.Fatal("expected no host known for an unregistered node")
	}

	host := Host{Address: "10.0.0.1", Port: 3000}
	c.registerPendingHost("BB9", host)
	got, ok := c.hostForNode("BB9")
	if !ok || got != host {
		t.Fatalf("hostForNode(pending) = %+v, %v, want %+v, true", got, ok, host)
	}

	c.clearPendingHost("BB9")
	if _, ok := c.hostForNode("BB9"); ok {
		t.Fatal("expected pending host to be gone after clearPendingHost")
	}

	n, err := NewNode("BB9", host, dialErr, 0, 1)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	c.publishNodes([]*Node{n})
	got, ok = c.hostForNode("BB9")
	if !ok || got != host {
		t.Fatalf("hostForNode(published) = %+v, %v, want %+v, true", got, ok, host)
	}
}

func TestPublishNodesUpdatesNodeByName(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	n, err := NewNode("BB9", Host{Address: "a"}, dialErr, 0, 1)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	c.publishNodes([]*Node{n})

	got, ok := c.NodeByName("BB9")
	if !ok || got != n {
		t.Fatalf("NodeByName = %v, %v, want the published node", got, ok)
	}
	if _, ok := c.NodeByName("CC1"); ok {
		t.Fatal("expected no entry for an unpublished node name")
	}
}

func TestWakeTendDoesNotBlockWhenUndrained(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	// WakeTend must never block the caller, even if called repeatedly with
	// no Run goroutine draining wakeCh.
	c.WakeTend()
	c.WakeTend()
	c.WakeTend()
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Close()
	c.Close()
}
