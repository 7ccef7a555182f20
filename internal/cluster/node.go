// Package cluster implements membership discovery and the partition-to-node
// ownership map: the Node state machine, the copy-on-write Partitions table,
// the Cluster aggregate, and the tend loop that keeps both current.
package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/pool"
)

// State is a Node's position in the Validating -> Active -> Inactive (->
// Closed) lifecycle, per spec §4.5.
type State int32

const (
	StateValidating State = iota
	StateActive
	StateInactive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Feature bits relevant to routing, per spec §4.5.
const (
	FeaturePartitionQuery uint32 = 1 << iota
	FeatureBatchAny
	FeatureQueryShow
)

// Generations are the four monotonic counters a Node tracks, per spec §3.
type Generations struct {
	Peers      uint64
	Partition  uint64
	Rebalance  uint64
	Error      uint64
}

// Node is a single server's state, as owned exclusively by the Cluster:
// primary endpoint, aliases, features, session token expiry, per-namespace
// rack ids, connection pools, generations, and lifecycle state.
type Node struct {
	name string
	host Host

	state int32 // atomic State

	features uint32 // atomic bitset

	gen Generations // only mutated by the tend goroutine

	mu      sync.RWMutex
	aliases []string
	racks   map[string]uint32 // namespace -> rack id

	failures int32 // atomic consecutive-failure count (tend refresh health)

	commandErrors int32 // atomic: data-plane error count, reset periodically by tend (§5)

	refCount int32 // atomic: how many other nodes' peer lists mention this one

	sessionExpiration time.Time
	sessionMu         sync.RWMutex

	pools *pool.NodePool
}

// NewNode constructs a Validating node for name/host with a freshly sized
// connection pool.
func NewNode(name string, host Host, dialer pool.Dialer, min, max int) (*Node, error) {
	pools, err := pool.NewNodePool(pool.DefaultShardsPerNode, min, max, dialer)
	if err != nil {
		return nil, err
	}
	return &Node{
		name:  name,
		host:  host,
		state: int32(StateValidating),
		racks: make(map[string]uint32),
		pools: pools,
	}, nil
}

func (n *Node) Name() string { return n.name }
func (n *Node) Host() Host   { return n.host }

func (n *Node) State() State { return State(atomic.LoadInt32(&n.state)) }

func (n *Node) setState(s State) { atomic.StoreInt32(&n.state, int32(s)) }

// Activate transitions a validated node into Active.
func (n *Node) Activate() { n.setState(StateActive) }

// Deactivate transitions the node to Inactive. The tend loop is responsible
// for subsequently closing its pools and removing it from the cluster.
func (n *Node) Deactivate() { n.setState(StateInactive) }

// Close transitions to Closed and releases pooled connections. Safe to call
// more than once.
func (n *Node) Close() {
	n.setState(StateClosed)
	n.pools.Close()
}

func (n *Node) Pools() *pool.NodePool { return n.pools }

func (n *Node) HasFeature(bit uint32) bool {
	return atomic.LoadUint32(&n.features)&bit != 0
}

func (n *Node) SetFeatures(bits uint32) { atomic.StoreUint32(&n.features, bits) }

func (n *Node) Aliases() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.aliases))
	copy(out, n.aliases)
	return out
}

func (n *Node) AddAlias(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.aliases {
		if a == addr {
			return
		}
	}
	n.aliases = append(n.aliases, addr)
}

// Rack returns the node's rack id for namespace ns, and whether one is
// known.
func (n *Node) Rack(ns string) (uint32, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	id, ok := n.racks[ns]
	return id, ok
}

// SetRacks replaces the whole racks map wholesale, per spec §3's ownership
// rule ("both are replaced wholesale rather than mutated").
func (n *Node) SetRacks(racks map[string]uint32) {
	n.mu.Lock()
	n.racks = racks
	n.mu.Unlock()
}

func (n *Node) Failures() int32 { return atomic.LoadInt32(&n.failures) }

func (n *Node) IncrementFailures() int32 { return atomic.AddInt32(&n.failures, 1) }

func (n *Node) ResetFailures() { atomic.StoreInt32(&n.failures, 0) }

// RefCount reports how many other nodes' peer lists currently mention this
// node.
func (n *Node) RefCount() int32 { return atomic.LoadInt32(&n.refCount) }

func (n *Node) SetRefCount(v int32) { atomic.StoreInt32(&n.refCount, v) }

func (n *Node) SessionExpiration() time.Time {
	n.sessionMu.RLock()
	defer n.sessionMu.RUnlock()
	return n.sessionExpiration
}

func (n *Node) SetSessionExpiration(t time.Time) {
	n.sessionMu.Lock()
	n.sessionExpiration = t
	n.sessionMu.Unlock()
}

// SessionExpired reports whether the node's cached session has passed its
// expiration instant, per spec §3's token-validity invariant.
func (n *Node) SessionExpired(now time.Time) bool {
	exp := n.SessionExpiration()
	return exp.IsZero() || !now.Before(exp)
}

func (n *Node) Generations() Generations { return n.gen }

// SetGenerations replaces the tend-owned generation counters wholesale;
// only the tend goroutine ever calls this.
func (n *Node) SetGenerations(g Generations) { n.gen = g }

// IncrementCommandErrors records a data-plane I/O failure against the
// node's error-rate counter, per spec §5.
func (n *Node) IncrementCommandErrors() int32 { return atomic.AddInt32(&n.commandErrors, 1) }

// CommandErrors reports the node's current error-rate counter.
func (n *Node) CommandErrors() int32 { return atomic.LoadInt32(&n.commandErrors) }

// ResetCommandErrors clears the error-rate counter; called by tend every
// errorRateWindow iterations.
func (n *Node) ResetCommandErrors() { atomic.StoreInt32(&n.commandErrors, 0) }

// ExceedsErrorRate reports whether the node's command-error count has
// crossed maxErrorRate, per spec §5's backoff-state trigger.
func (n *Node) ExceedsErrorRate(maxErrorRate int32) bool {
	return maxErrorRate > 0 && n.CommandErrors() >= maxErrorRate
}

// RenameTo reports whether the server-reported name differs from the
// cached name, the condition that forces immediate Inactive per spec §4.5.
func (n *Node) RenameTo(reportedName string) bool {
	return reportedName != "" && reportedName != n.name
}

// AliasResolver maps any address a node is known by (primary or alias) to
// its canonical node name, bounded so a deployment that rotates addresses
// over time cannot grow it without limit.
type AliasResolver struct {
	cache *lru.Cache
}

// NewAliasResolver builds a bounded alias->canonical-name cache of size.
func NewAliasResolver(size int) (*AliasResolver, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Configuration, "create alias resolver cache", err)
	}
	return &AliasResolver{cache: c}, nil
}

// Remember records that address resolves to canonicalName.
func (a *AliasResolver) Remember(address, canonicalName string) {
	a.cache.Add(address, canonicalName)
}

// Resolve returns the canonical node name for address, if known.
func (a *AliasResolver) Resolve(address string) (string, bool) {
	v, ok := a.cache.Get(address)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Forget removes address from the resolver, used when a node is removed.
func (a *AliasResolver) Forget(address string) {
	a.cache.Remove(address)
}
