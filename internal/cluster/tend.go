package cluster

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"

	"github.com/kvmesh/kvmesh-go/internal/info"
	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/netconn"
)

// Stats summarizes one tend iteration, returned for diagnostics (and used
// by cmd/clusterprobe).
type Stats struct {
	ActiveNodes       int
	PeersDiscovered   int
	PartitionsChanged int
	Duration          time.Duration
}

// Tend runs one full tend iteration per spec §4.6 steps 1-7.
func (c *Cluster) Tend(ctx context.Context) (Stats, error) {
	start := time.Now()
	n := atomic.AddUint64(&c.iteration, 1)

	nodes := c.Nodes()
	var discovered, partitionsChangedCount int

	// Step 1: clear per-node reference counts.
	for _, nd := range nodes {
		nd.SetRefCount(0)
	}

	// Step 2: bootstrap from seeds if the node array is empty.
	if len(nodes) == 0 {
		seeded, err := c.seedFromScratch(ctx)
		if err != nil {
			return Stats{}, err
		}
		nodes = seeded
		c.publishNodes(nodes)
	} else {
		// Step 3: periodic refresh of every active node.
		var peersChanged bool
		var partitionsChangedNodes []*Node
		failedThisIteration := make(map[string]struct{})

		for _, nd := range nodes {
			if nd.State() != StateActive {
				continue
			}
			changed, err := c.refreshNode(nd)
			if err != nil {
				nd.IncrementFailures()
				failedThisIteration[nd.Host().Address] = struct{}{}
				c.log.Warn("tend refresh failed", "node", nd.Name(), "error", err, "failures", nd.Failures())
				continue
			}
			nd.ResetFailures()
			if changed.peers {
				peersChanged = true
			}
			if changed.partitions {
				partitionsChangedNodes = append(partitionsChangedNodes, nd)
			}
			if changed.renamed {
				nd.Deactivate()
			}
		}

		// Step 4: peer discovery if any node's peers-generation advanced.
		if peersChanged {
			added, err := c.discoverPeers(ctx, nodes, failedThisIteration)
			if err != nil {
				c.log.Warn("peer discovery failed", "error", err)
			}
			if len(added) > 0 {
				nodes = append(nodes, added...)
				discovered = len(added)
			}
		}

		// Step 5: prune nodes that are inactive, over the failure limit, or
		// unreferenced and holding no partitions.
		pm := c.PartitionMap()
		kept := nodes[:0:0]
		var removed []*Node
		for _, nd := range nodes {
			if c.shouldRemove(nd, pm) {
				removed = append(removed, nd)
				continue
			}
			kept = append(kept, nd)
		}
		nodes = kept

		// Step 6: rebuild partition map contributions for changed nodes.
		if len(partitionsChangedNodes) > 0 {
			newMap, count, err := c.rebuildPartitions(partitionsChangedNodes)
			if err != nil {
				c.log.Warn("partition rebuild failed", "error", err)
			} else {
				c.publishPartitions(newMap)
				partitionsChangedCount = count
			}
		}

		c.publishNodes(nodes)
		for _, nd := range removed {
			nd.Deactivate()
			nd.Close()
			c.aliases.Forget(nd.Host().Address)
		}

		metrics.IncrCounter([]string{"kvmesh", "tend", "peers_discovered"}, float32(discovered))
		metrics.IncrCounter([]string{"kvmesh", "tend", "partitions_changed"}, float32(partitionsChangedCount))
	}

	// Step 7: periodic pool rebalance / error-counter reset.
	if n%uint64(c.cfg.PoolRebalanceEvery) == 0 {
		for _, nd := range c.Nodes() {
			nd.Pools().TrimIdle()
		}
	}
	if n%uint64(c.cfg.ErrorRateWindow) == 0 {
		for _, nd := range c.Nodes() {
			nd.ResetCommandErrors()
		}
	}

	active := 0
	for _, nd := range c.Nodes() {
		if nd.State() == StateActive {
			active++
		}
	}
	metrics.SetGauge([]string{"kvmesh", "tend", "active_nodes"}, float32(active))
	dur := time.Since(start)
	metrics.MeasureSince([]string{"kvmesh", "tend", "duration"}, start)

	return Stats{ActiveNodes: active, PeersDiscovered: discovered, PartitionsChanged: partitionsChangedCount, Duration: dur}, nil
}

// Run drives Tend on cfg.TendInterval with an interruptible sleep: either
// the interval elapses, WakeTend is signalled, or ctx/Close fires.
func (c *Cluster) Run(ctx context.Context) {
	for {
		if _, err := c.Tend(ctx); err != nil {
			c.log.Error("tend iteration failed", "error", err)
		}

		timer := time.NewTimer(c.cfg.TendInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.closeCh:
			timer.Stop()
			return
		case <-c.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nodeChanges summarizes one node's refresh outcome for the iteration.
type nodeChanges struct {
	peers      bool
	partitions bool
	renamed    bool
}

// refreshNode issues the periodic info batch against an already-active
// node and reports which generations advanced, per spec §4.5's Refresh
// transition.
func (c *Cluster) refreshNode(nd *Node) (nodeChanges, error) {
	leased, err := nd.Pools().Get()
	if err != nil {
		return nodeChanges{}, err
	}

	reply, err := info.Request(leased.Conn,
		info.KeyNode, info.KeyPartitionGeneration, info.KeyPeersGeneration, info.KeyRebalanceGeneration)
	if err != nil {
		nd.Pools().Discard(leased)
		return nodeChanges{}, err
	}
	nd.Pools().Put(leased)

	reportedName := reply[info.KeyNode]
	if nd.RenameTo(reportedName) {
		return nodeChanges{renamed: true}, nil
	}

	peersGen, err := info.ParseUint64(reply, info.KeyPeersGeneration)
	if err != nil {
		return nodeChanges{}, err
	}
	partGen, err := info.ParseUint64(reply, info.KeyPartitionGeneration)
	if err != nil {
		return nodeChanges{}, err
	}
	rebalGen, err := info.ParseUint64(reply, info.KeyRebalanceGeneration)
	if err != nil {
		return nodeChanges{}, err
	}

	prev := nd.Generations()
	// A peers-generation that moved backward indicates the node restarted;
	// spec §4.5 treats this as "quick restart": force a relogin (by dropping
	// the cached session token) and a pool rebalance, and report both peers
	// and partitions as changed.
	quickRestart := peersGen < prev.Peers
	changes := nodeChanges{
		peers:      quickRestart || peersGen != prev.Peers,
		partitions: quickRestart || partGen != prev.Partition,
	}
	nd.SetGenerations(Generations{Peers: peersGen, Partition: partGen, Rebalance: rebalGen})
	if quickRestart {
		c.authMgr.Invalidate(nd.Name())
		nd.Pools().TrimIdle()
	}
	return changes, nil
}

// seedFromScratch iterates seeds in order, stopping at the first
// successful validation, per spec §4.6 step 2.
func (c *Cluster) seedFromScratch(ctx context.Context) ([]*Node, error) {
	var composite *kverrors.Error
	for _, seed := range c.cfg.Seeds {
		nd, err := c.validateHost(seed)
		if err != nil {
			composite = appendChain(composite, err)
			continue
		}
		return []*Node{nd}, nil
	}
	if c.cfg.FailIfNotConnected {
		if composite == nil {
			composite = kverrors.New(kverrors.Connection, "no seeds configured")
		}
		return nil, composite
	}
	return nil, nil
}

func appendChain(composite *kverrors.Error, err error) *kverrors.Error {
	if composite == nil {
		composite = kverrors.New(kverrors.Connection, "all seeds failed validation")
	}
	return composite.Append(err)
}

// validateHost dials host, confirms cluster-name membership if configured,
// and returns a freshly Activated Node.
func (c *Cluster) validateHost(host Host) (*Node, error) {
	conn, err := netconn.Dial(netconn.Config{
		Address:        hostAddress(host),
		DialTimeout:    c.cfg.DialTimeout,
		TLSServerName:  host.TLSServerName,
		RevokedSerials: c.cfg.TLSRevokedSerials,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	keys := []string{info.KeyNode, info.KeyPartitionGeneration, info.KeyPeersGeneration, info.KeyRebalanceGeneration}
	if c.cfg.ClusterName != "" {
		keys = append(keys, info.KeyClusterName)
	}
	reply, err := info.Request(conn, keys...)
	if err != nil {
		return nil, err
	}

	if c.cfg.ClusterName != "" && reply[info.KeyClusterName] != c.cfg.ClusterName {
		return nil, kverrors.New(kverrors.Configuration, "cluster-name mismatch").WithNode(host.Address)
	}

	name, err := info.RequireKey(reply, info.KeyNode)
	if err != nil {
		return nil, err
	}

	c.registerPendingHost(name, host)
	nd, err := NewNode(name, host, c.dialerForNode(name, host), c.cfg.PoolMinPerShard, c.cfg.PoolMaxPerShard)
	if err != nil {
		c.clearPendingHost(name)
		return nil, err
	}

	peersGen, _ := info.ParseUint64(reply, info.KeyPeersGeneration)
	partGen, _ := info.ParseUint64(reply, info.KeyPartitionGeneration)
	rebalGen, _ := info.ParseUint64(reply, info.KeyRebalanceGeneration)
	nd.SetGenerations(Generations{Peers: peersGen, Partition: partGen, Rebalance: rebalGen})
	nd.Activate()
	c.clearPendingHost(name)
	c.aliases.Remember(host.Address, name)
	return nd, nil
}

// discoverPeers fetches peers-* from every active node and validates any
// peer not already known, per spec §4.6 step 4.
func (c *Cluster) discoverPeers(ctx context.Context, nodes []*Node, failedThisIteration map[string]struct{}) ([]*Node, error) {
	known := make(map[string]struct{}, len(nodes))
	for _, nd := range nodes {
		known[nd.Name()] = struct{}{}
	}

	var mu sync.Mutex
	var added []*Node

	for _, nd := range nodes {
		if nd.State() != StateActive {
			continue
		}
		leased, err := nd.Pools().Get()
		if err != nil {
			continue
		}
		reply, err := info.Request(leased.Conn, info.PeersKey(nd.Host().TLSServerName != "", false))
		nd.Pools().Put(leased)
		if err != nil {
			continue
		}
		raw, ok := reply[info.PeersKey(nd.Host().TLSServerName != "", false)]
		if !ok {
			continue
		}
		parsed, err := info.ParsePeers(raw)
		if err != nil {
			continue
		}

		for _, peer := range parsed.Peers {
			mu.Lock()
			_, already := known[peer.NodeName]
			mu.Unlock()
			if already {
				continue
			}

			var validated *Node
			for _, h := range peer.Hosts {
				if _, failed := failedThisIteration[h]; failed {
					continue
				}
				candidate := Host{Address: h, TLSServerName: peer.TLSName, Port: parsed.DefaultPort}
				if _, _, err := net.SplitHostPort(h); err == nil {
					candidate.Port = 0 // h already carries its own port
				}
				v, err := c.validateHost(candidate)
				if err != nil {
					failedThisIteration[h] = struct{}{}
					continue
				}
				validated = v
				break
			}
			if validated == nil {
				continue
			}
			mu.Lock()
			known[validated.Name()] = struct{}{}
			added = append(added, validated)
			mu.Unlock()
		}
	}
	return added, nil
}

// shouldRemove reports whether nd qualifies for pruning per spec §4.6
// step 5 / §4.5.
func (c *Cluster) shouldRemove(nd *Node, pm *Map) bool {
	if nd.State() == StateInactive {
		return true
	}
	if nd.Failures() >= c.cfg.MaxConsecutiveFails {
		return true
	}
	if nd.RefCount() == 0 && !holdsAnyPartition(nd, pm) {
		return true
	}
	return false
}

func holdsAnyPartition(nd *Node, pm *Map) bool {
	if pm == nil {
		return false
	}
	for _, ns := range pm.Namespaces() {
		p, ok := pm.Get(ns)
		if !ok {
			continue
		}
		for _, row := range p.Replicas {
			for _, owner := range row {
				if owner == nd.Name() {
					return true
				}
			}
		}
	}
	return false
}

// rebuildPartitions fetches `replicas` from every node whose partition
// generation advanced and folds the result into a fresh Map, per spec
// §4.6 step 6.
func (c *Cluster) rebuildPartitions(changed []*Node) (*Map, int, error) {
	b := NewBuilder(c.PartitionMap())
	touched := 0
	for _, nd := range changed {
		leased, err := nd.Pools().Get()
		if err != nil {
			continue
		}
		reply, err := info.Request(leased.Conn, info.KeyReplicas)
		nd.Pools().Put(leased)
		if err != nil {
			continue
		}
		raw, ok := reply[info.KeyReplicas]
		if !ok {
			continue
		}
		updates, err := ParsePartitionsPayload(raw)
		if err != nil {
			return nil, 0, err
		}
		for _, u := range updates {
			b.ApplyNamespaceUpdate(nd.Name(), u)
			touched++
		}
	}
	return b.Commit(), touched, nil
}
