// Package pool implements the per-node bounded connection pool: a sharded,
// bounded LIFO of *netconn.Connection with reservation-before-create
// semantics and linearizable per-pool operations.
package pool

import (
	"sync"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/netconn"
)

// Dialer creates a new connection for a pool's node. Supplied by the
// cluster/node layer, which knows the node's address and auth state.
type Dialer func() (*netconn.Connection, error)

// Pool is a single bounded LIFO of connections to one node. total is
// incremented BEFORE a connection is created (a reservation) and
// decremented on creation failure or close, so a burst of concurrent Get
// calls can never overshoot capacity even while dials are in flight.
type Pool struct {
	mu      sync.Mutex
	min     int
	max     int
	total   int
	idle    []*netconn.Connection // idle[0] = oldest (tail), idle[len-1] = most-recently-used (head)
	closing bool
	dial    Dialer
}

// New returns a Pool bounded to [min, max] connections. A negative bound or
// min > max is rejected as a configuration error (spec: "bad capacity
// range"); max == 0 yields a pool whose every Get fails with
// ErrPoolExhausted.
func New(min, max int, dial Dialer) (*Pool, error) {
	if max < 0 || min < 0 || min > max {
		return nil, kverrors.New(kverrors.Configuration, "invalid pool capacity range")
	}
	return &Pool{min: min, max: max, dial: dial}, nil
}

// Get returns an idle connection if one is available (most-recently-used
// first, to keep hot connections hot), or reserves capacity and dials a
// new one if under max, or fails with ErrPoolExhausted.
func (p *Pool) Get() (*netconn.Connection, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, kverrors.New(kverrors.Connection, "pool is closing")
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	if p.max == 0 || p.total >= p.max {
		p.mu.Unlock()
		return nil, kverrors.ErrPoolExhausted
	}
	p.total++
	p.mu.Unlock()

	conn, err := p.dial()
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, kverrors.Wrap(kverrors.Connection, "dial pooled connection", err)
	}
	return conn, nil
}

// Put returns conn to the pool's head (most-recently-used slot). A
// connection returned to a closing pool is closed instead of enqueued, per
// the shared-resource contract.
func (p *Pool) Put(conn *netconn.Connection) {
	p.mu.Lock()
	if p.closing || conn.Closed() {
		p.mu.Unlock()
		p.closeAndRelease(conn)
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Discard closes conn (because it errored or timed out) and releases its
// reservation, rather than returning it to the pool.
func (p *Pool) Discard(conn *netconn.Connection) {
	p.closeAndRelease(conn)
}

func (p *Pool) closeAndRelease(conn *netconn.Connection) {
	conn.Close()
	p.mu.Lock()
	if p.total > 0 {
		p.total--
	}
	p.mu.Unlock()
}

// TrimIdle closes idle connections beyond min, dequeuing from the tail
// (oldest-idle first) as specified for idle-trim.
func (p *Pool) TrimIdle() {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 || p.total <= p.min {
			p.mu.Unlock()
			return
		}
		c := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		p.closeAndRelease(c)
	}
}

// Close closes every idle connection and marks the pool as closing so any
// in-flight Put calls close rather than enqueue.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closing = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		p.closeAndRelease(c)
	}
}

// Stats reports the pool's steady-state invariant: total == inUse + inPool.
// Transient negative values from unsynchronized reads elsewhere are
// clamped to zero here rather than surfaced.
type Stats struct {
	Total  int
	InUse  int
	InPool int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inPool := len(p.idle)
	inUse := p.total - inPool
	if inUse < 0 {
		inUse = 0
	}
	if inPool < 0 {
		inPool = 0
	}
	return Stats{Total: p.total, InUse: inUse, InPool: inPool}
}
