// Package batch implements the batch planner of spec §4.8's batch
// paragraph: group keys by owning node, compact consecutive entries sharing
// namespace/set/bin-names with a BATCH_MSG_REPEAT marker, issue one
// sub-request per node (optionally in parallel), and reassemble results
// into the caller's original key order by stable offset.
//
// Grounded on `clients/go/kv_client.go`'s parallel per-node fan-out in its
// Set/Delete paths (quorum over primary+replicas), generalized here from
// "send the same payload to every replica" to "send each node only the
// keys it owns."
package batch

import (
	"context"
	"sort"
	"time"

	"github.com/kvmesh/kvmesh-go/internal/cluster"
	"github.com/kvmesh/kvmesh-go/internal/codec"
	"github.com/kvmesh/kvmesh-go/internal/command"
	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/resolver"
)

// DigestSize is the fixed digest length the planner assumes for every key,
// matching the core's single-key digest field: two concatenated
// cespare/xxhash/v2 Sum64 outputs (see pkg/kvmesh.Digest). It is the
// core's own internal constant, not a reproduction of any specific
// server's wire value (spec.md never states one beyond "fixed-width").
const DigestSize = 16

// batchMsgRepeat marks an entry whose namespace/set/bin-names are identical
// to the immediately preceding entry within the same node's sub-request.
const batchMsgRepeat uint8 = 1
const batchMsgFull uint8 = 0

// Key is one key participating in a batch command.
type Key struct {
	Namespace string
	Set       string
	Digest    []byte // must be DigestSize bytes
	BinNames  []string
}

func (k Key) sameShape(o Key) bool {
	if k.Namespace != o.Namespace || k.Set != o.Set || len(k.BinNames) != len(o.BinNames) {
		return false
	}
	for i := range k.BinNames {
		if k.BinNames[i] != o.BinNames[i] {
			return false
		}
	}
	return true
}

// Item is one key's outcome after dispatch, indexed by its position in the
// caller's original Keys slice so results can be reassembled by stable
// offset regardless of per-node grouping or parallel completion order.
type Item struct {
	Index int
	Key   Key
	Group codec.RecordGroup
	Err   error
}

// Request describes one batch command.
type Request struct {
	Keys     []Key
	Policy   resolver.Policy
	ReadMode resolver.ReadMode
	IsWrite  bool
	Parallel bool
	Timeout  time.Duration
}

// Planner groups keys by partition/node and dispatches one sub-request per
// node via the command engine's raw per-node dispatch path.
type Planner struct {
	cluster  *cluster.Cluster
	resolver *resolver.Resolver
	engine   *command.Engine
}

// New builds a Planner over c/r/e, the same collaborators a command.Engine
// uses for single-key dispatch.
func New(c *cluster.Cluster, r *resolver.Resolver, e *command.Engine) *Planner {
	return &Planner{cluster: c, resolver: r, engine: e}
}

type nodeGroup struct {
	node    *cluster.Node
	indices []int // indices into the original Keys slice, in encounter order
}

// Execute groups req.Keys by owning node, dispatches one compacted
// sub-request per node (sequentially, or concurrently if req.Parallel),
// and returns one Item per key in the same order as req.Keys.
func (p *Planner) Execute(ctx context.Context, req Request) ([]Item, error) {
	items := make([]Item, len(req.Keys))
	for i, k := range req.Keys {
		items[i] = Item{Index: i, Key: k}
	}

	groups, err := p.groupByNode(req)
	if err != nil {
		for i := range items {
			items[i].Err = err
		}
		return items, err
	}

	deadline := time.Now().Add(req.Timeout)
	if req.Parallel {
		p.dispatchParallel(ctx, req, groups, items, deadline)
	} else {
		for _, g := range groups {
			p.dispatchGroup(ctx, req, g, items, time.Until(deadline))
		}
	}
	return items, nil
}

func (p *Planner) dispatchParallel(ctx context.Context, req Request, groups []nodeGroup, items []Item, deadline time.Time) {
	done := make(chan struct{}, len(groups))
	for _, g := range groups {
		go func(g nodeGroup) {
			p.dispatchGroup(ctx, req, g, items, time.Until(deadline))
			done <- struct{}{}
		}(g)
	}
	for range groups {
		<-done
	}
}

func (p *Planner) dispatchGroup(ctx context.Context, req Request, g nodeGroup, items []Item, budget time.Duration) {
	keys := make([]Key, len(g.indices))
	for i, idx := range g.indices {
		keys[i] = req.Keys[idx]
	}
	payload := assembleBatchRequest(keys, req.IsWrite)

	recGroups, err := p.engine.ExecuteOnNode(ctx, g.node, payload, budget)
	if err != nil {
		for _, idx := range g.indices {
			items[idx].Err = err
		}
		return
	}
	if len(recGroups) != len(g.indices) {
		err := kverrors.New(kverrors.ProtocolParse, "batch sub-reply group count mismatch").WithNode(g.node.Name())
		for _, idx := range g.indices {
			items[idx].Err = err
		}
		return
	}
	for i, idx := range g.indices {
		items[idx].Group = recGroups[i]
	}
}

// groupByNode resolves every key's owning node once (no per-key retry
// state: a batch sub-request either lands on its node or the whole group
// fails together) and buckets keys into stable, deterministically ordered
// per-node groups.
func (p *Planner) groupByNode(req Request) ([]nodeGroup, error) {
	pm := p.cluster.PartitionMap()
	byNode := make(map[string]*nodeGroup)
	var order []string

	for i, k := range req.Keys {
		parts, ok := pm.Get(k.Namespace)
		if !ok {
			return nil, kverrors.New(kverrors.Configuration, "unknown namespace").WithNode("")
		}
		partition := resolver.PartitionForDigest(k.Digest)
		rreq := resolver.Request{
			Namespace: k.Namespace,
			Partition: partition,
			Policy:    req.Policy,
			ReadMode:  req.ReadMode,
			Attempt:   &resolver.Attempt{},
		}
		node, err := p.resolver.Resolve(rreq, parts, p.cluster.Nodes(), p.cluster.NodeByName)
		if err != nil {
			return nil, err
		}
		g, ok := byNode[node.Name()]
		if !ok {
			g = &nodeGroup{node: node}
			byNode[node.Name()] = g
			order = append(order, node.Name())
		}
		g.indices = append(g.indices, i)
	}

	sort.Strings(order)
	out := make([]nodeGroup, len(order))
	for i, name := range order {
		out[i] = *byNode[name]
	}
	return out, nil
}

// assembleBatchRequest builds one node's compacted sub-request: a single
// message frame carrying one FieldBatchKeys field whose value is the
// BATCH_MSG_REPEAT-compacted key list, per spec §4.8/§8's exact-size
// property (a group of N keys sharing ns/set/bin-names costs exactly one
// full header plus N-1 single-byte repeat markers).
func assembleBatchRequest(keys []Key, isWrite bool) []byte {
	b := codec.NewBuilder()
	h := codec.MessageHeader{}
	if isWrite {
		h.WriteAttr |= codec.WriteAttrWrite
	} else {
		h.ReadAttr |= codec.ReadAttrRead
	}
	b.Begin(h)
	b.AddField(codec.Field{Type: codec.FieldBatchKeys, Value: compactEntries(keys)})
	return b.End()
}

// compactEntries encodes keys into the BATCH_MSG_REPEAT wire form: the
// first key, and any key whose namespace/set/bin-names differ from the
// immediately preceding one, gets a full entry
// [batchMsgFull][nsLen][ns][setLen][set][binCount][binNameLen][name]...[digest];
// every other key gets only [batchMsgRepeat][digest].
func compactEntries(keys []Key) []byte {
	out := make([]byte, 0, len(keys)*(DigestSize+1))
	for i, k := range keys {
		if i > 0 && k.sameShape(keys[i-1]) {
			out = append(out, batchMsgRepeat)
			out = append(out, k.Digest...)
			continue
		}
		out = append(out, batchMsgFull)
		out = append(out, byte(len(k.Namespace)))
		out = append(out, k.Namespace...)
		out = append(out, byte(len(k.Set)))
		out = append(out, k.Set...)
		out = append(out, byte(len(k.BinNames)))
		for _, name := range k.BinNames {
			out = append(out, byte(len(name)))
			out = append(out, name...)
		}
		out = append(out, k.Digest...)
	}
	return out
}
