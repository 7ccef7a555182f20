package pool

import (
	"sync/atomic"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/netconn"
)

// DefaultShardsPerNode mirrors the teacher's per-partition connection
// fan-out idea (pkg/client/pool.go uses one connection per partition
// bucket); here it reduces mutex contention on a single node's pool by
// splitting it into independent shards.
const DefaultShardsPerNode = 8

// NodePool shards a node's connections across several independent Pool
// instances so concurrent data-plane goroutines rarely contend on the same
// mutex. Requests iterate shards starting at a round-robin index, then
// walk bi-directionally on a miss.
type NodePool struct {
	shards []*Pool
	rr     uint64
}

// Leased wraps a connection borrowed from a NodePool together with the
// shard it came from, so Put/Discard credit the same shard's total that
// reserved it — required to keep each shard's total == inUse + inPool.
type Leased struct {
	Conn  *netconn.Connection
	shard int
}

// NewNodePool creates shardCount independent Pool shards and splits max
// across them (the first max%shardCount shards get one extra), so the
// node-wide total never exceeds max; a shard whose share is 0 always
// reports exhaustion.
func NewNodePool(shardCount, min, max int, dial Dialer) (*NodePool, error) {
	if shardCount <= 0 {
		shardCount = DefaultShardsPerNode
	}
	perShardMin := min / shardCount

	shards := make([]*Pool, shardCount)
	for i := range shards {
		perShardMax := max / shardCount
		if i < max%shardCount {
			perShardMax++
		}
		p, err := New(perShardMin, perShardMax, dial)
		if err != nil {
			return nil, err
		}
		shards[i] = p
	}
	return &NodePool{shards: shards}, nil
}

// Get tries shards starting from a round-robin index, walking outward
// bi-directionally until one yields a connection or every shard is
// exhausted.
func (np *NodePool) Get() (*Leased, error) {
	n := len(np.shards)
	start := int(atomic.AddUint64(&np.rr, 1) % uint64(n))

	var lastErr error
	for offset := 0; offset < n; offset++ {
		candidates := []int{start + offset}
		if offset != 0 {
			candidates = append(candidates, start-offset)
		}
		for _, idx := range candidates {
			idx = ((idx % n) + n) % n
			conn, err := np.shards[idx].Get()
			if err == nil {
				return &Leased{Conn: conn, shard: idx}, nil
			}
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = kverrors.ErrPoolExhausted
	}
	return nil, lastErr
}

// Put returns l's connection to the shard that reserved it.
func (np *NodePool) Put(l *Leased) {
	np.shards[l.shard].Put(l.Conn)
}

// Discard closes l's connection and releases its reservation from the
// shard that reserved it.
func (np *NodePool) Discard(l *Leased) {
	np.shards[l.shard].Discard(l.Conn)
}

// TrimIdle balances every shard down to its configured min.
func (np *NodePool) TrimIdle() {
	for _, s := range np.shards {
		s.TrimIdle()
	}
}

// Close closes every shard.
func (np *NodePool) Close() {
	for _, s := range np.shards {
		s.Close()
	}
}

// Stats aggregates totals across all shards.
func (np *NodePool) Stats() Stats {
	var agg Stats
	for _, s := range np.shards {
		st := s.Stats()
		agg.Total += st.Total
		agg.InUse += st.InUse
		agg.InPool += st.InPool
	}
	return agg
}
