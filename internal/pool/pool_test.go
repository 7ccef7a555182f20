package pool

import (
	"sync"
	"testing"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/netconn"
)

func fakeDialer(fail bool) (Dialer, *int) {
	count := 0
	return func() (*netconn.Connection, error) {
		count++
		if fail {
			return nil, kverrors.New(kverrors.Connection, "dial failed")
		}
		// A nil-socket Connection is fine for pool bookkeeping tests: the
		// pool never calls I/O methods on it.
		return &netconn.Connection{}, nil
	}, &count
}

func TestPoolCapacityZeroAlwaysExhausted(t *testing.T) {
	dial, _ := fakeDialer(false)
	p, err := New(0, 0, dial)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Get()
	if kverrors.KindOf(err) != kverrors.Connection || err != kverrors.ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestPoolInvalidRange(t *testing.T) {
	dial, _ := fakeDialer(false)
	if _, err := New(5, 2, dial); kverrors.KindOf(err) != kverrors.Configuration {
		t.Fatalf("expected Configuration error, got %v", err)
	}
}

func TestPoolReservationReleasedOnDialFailure(t *testing.T) {
	dial, _ := fakeDialer(true)
	p, err := New(0, 1, dial)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Get(); err == nil {
		t.Fatal("expected dial failure to surface")
	}
	st := p.Stats()
	if st.Total != 0 {
		t.Fatalf("expected reservation released after dial failure, total=%d", st.Total)
	}
}

func TestPoolTotalInvariant(t *testing.T) {
	dial, _ := fakeDialer(false)
	p, err := New(0, 3, dial)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c1, err := p.Get()
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	c2, err := p.Get()
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}
	st := p.Stats()
	if st.Total != st.InUse+st.InPool {
		t.Fatalf("invariant broken: %+v", st)
	}
	if st.InUse != 2 {
		t.Fatalf("expected 2 in use, got %+v", st)
	}

	p.Put(c1)
	st = p.Stats()
	if st.Total != st.InUse+st.InPool {
		t.Fatalf("invariant broken after put: %+v", st)
	}
	if st.InPool != 1 {
		t.Fatalf("expected 1 idle after put, got %+v", st)
	}

	p.Discard(c2)
	st = p.Stats()
	if st.Total != 1 {
		t.Fatalf("expected total 1 after discard, got %+v", st)
	}
}

func TestPoolExhaustionAtCapacity(t *testing.T) {
	dial, _ := fakeDialer(false)
	p, err := New(0, 1, dial)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Get(); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := p.Get(); err != kverrors.ErrPoolExhausted {
		t.Fatalf("expected exhaustion at capacity, got %v", err)
	}
}

func TestPoolPutAfterCloseClosesConnection(t *testing.T) {
	dial, _ := fakeDialer(false)
	p, err := New(0, 2, dial)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := p.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p.Close()
	p.Put(c)
	if !c.Closed() {
		t.Fatal("expected connection returned to a closing pool to be closed")
	}
}

func TestPoolConcurrentGetPutMaintainsInvariant(t *testing.T) {
	dial, _ := fakeDialer(false)
	p, err := New(0, 8, dial)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Get()
			if err != nil {
				return
			}
			p.Put(c)
		}()
	}
	wg.Wait()

	st := p.Stats()
	if st.Total != st.InUse+st.InPool {
		t.Fatalf("invariant broken after concurrent use: %+v", st)
	}
}

func TestNodePoolPutCreditsOwningShard(t *testing.T) {
	dial, _ := fakeDialer(false)
	np, err := NewNodePool(4, 0, 8, dial)
	if err != nil {
		t.Fatalf("NewNodePool: %v", err)
	}

	leases := make([]*Leased, 0, 8)
	for i := 0; i < 8; i++ {
		l, err := np.Get()
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		leases = append(leases, l)
	}
	for _, l := range leases {
		np.Put(l)
	}

	st := np.Stats()
	if st.Total != st.InUse+st.InPool {
		t.Fatalf("sharded invariant broken: %+v", st)
	}
	if st.InPool != 8 {
		t.Fatalf("expected all 8 back in pool, got %+v", st)
	}
}
