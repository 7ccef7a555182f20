// Package kvmesh is the user-facing client: it wires the cluster tend loop,
// partition resolver, command engine, and batch planner into a single
// API, the only way a caller exercises the rest of this module. The CLI in
// cmd/clusterprobe is a thin diagnostic shell around this same Client —
// the library is embedded, never the other way around.
package kvmesh

import (
	"context"
	"time"

	"github.com/kvmesh/kvmesh-go/internal/auth"
	"github.com/kvmesh/kvmesh-go/internal/batch"
	"github.com/kvmesh/kvmesh-go/internal/cluster"
	"github.com/kvmesh/kvmesh-go/internal/codec"
	"github.com/kvmesh/kvmesh-go/internal/command"
	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/resolver"
)

// ClientPolicy bundles the cluster and per-command defaults a Client
// starts from, matching the teacher's DefaultConfig/DefaultPoolConfig
// idiom: one struct, one constructor, fields overridden selectively.
type ClientPolicy struct {
	Cluster cluster.Config
	Command command.Policy
}

// DefaultClientPolicy returns a usable policy: a one-second tend interval,
// MASTER replica routing, two retries, and a one-second total command
// timeout.
func DefaultClientPolicy() ClientPolicy {
	return ClientPolicy{
		Cluster: cluster.Config{},
		Command: command.DefaultPolicy(),
	}
}

// Client is the embeddable core: it owns the Cluster (tend loop, node
// table, partition map), the Resolver, the command Engine, and the batch
// Planner, and exposes the handful of command kinds spec.md §4.8 names.
type Client struct {
	cluster  *cluster.Cluster
	resolver *resolver.Resolver
	engine   *command.Engine
	batch    *batch.Planner
	policy   ClientPolicy
}

// New builds a Client from seed hosts and a policy, without starting the
// tend loop — call Run (or Tend once, for a one-shot diagnostic) to
// populate the node table and partition map.
func New(seeds []cluster.Host, policy ClientPolicy) (*Client, error) {
	policy.Cluster.Seeds = seeds
	c, err := cluster.New(policy.Cluster)
	if err != nil {
		return nil, err
	}
	r := resolver.New(policy.Cluster.RackID)
	e := command.New(c, r, policy.Cluster.Log)
	b := batch.New(c, r, e)
	return &Client{cluster: c, resolver: r, engine: e, batch: b, policy: policy}, nil
}

// Run drives the cluster's tend loop until ctx is cancelled or Close is
// called. It blocks; callers typically run it in its own goroutine.
func (cl *Client) Run(ctx context.Context) { cl.cluster.Run(ctx) }

// Tend runs a single tend iteration synchronously, useful for a one-shot
// diagnostic that needs a populated node table without a background
// goroutine (cmd/clusterprobe's use case).
func (cl *Client) Tend(ctx context.Context) (cluster.Stats, error) { return cl.cluster.Tend(ctx) }

// Close stops the tend loop (if running) and releases every node's pooled
// connections.
func (cl *Client) Close() { cl.cluster.Close() }

// Cluster exposes the underlying Cluster for diagnostics (cmd/clusterprobe
// prints node/partition-map state directly from it).
func (cl *Client) Cluster() *cluster.Cluster { return cl.cluster }

// Key identifies one record: namespace, set, and a digest computed from
// (set, userKey) by Digest. BinNames optionally filters which bins a read
// or batch read returns (nil reads every bin).
type Key struct {
	Namespace string
	Set       string
	UserKey   []byte
	BinNames  []string
}

func (k Key) digest() []byte { return Digest(k.Set, k.UserKey) }

// commandPolicy returns cl.policy.Command, or override in full if the
// caller supplied one for this call.
func (cl *Client) commandPolicy(override *command.Policy) command.Policy {
	if override == nil {
		return cl.policy.Command
	}
	return *override
}

// Get performs a single-key read. A nil key.BinNames reads every bin;
// otherwise one read operation is sent per named bin. Result
// bins/metadata live in the returned Result's Groups.
func (cl *Client) Get(ctx context.Context, key Key, override *command.Policy) (*command.Result, error) {
	policy := cl.commandPolicy(override)
	var ops []codec.Operation
	for _, name := range key.BinNames {
		ops = append(ops, codec.Operation{OpType: codec.OpRead, Name: name})
	}
	return cl.engine.Execute(ctx, command.Request{
		Namespace: key.Namespace,
		Set:       key.Set,
		Digest:    key.digest(),
		Policy:    policy,
		Kind:      command.KindRead,
		Ops:       ops,
	})
}

// Put performs a single-key write. ops supplies the bin operations
// (pre-built by the caller, since bin value serialization is an external
// collaborator's concern per spec.md §1).
func (cl *Client) Put(ctx context.Context, key Key, ops []codec.Operation, override *command.Policy) (*command.Result, error) {
	policy := cl.commandPolicy(override)
	policy.Replica = resolver.PolicyMaster // writes always target the master
	return cl.engine.Execute(ctx, command.Request{
		Namespace: key.Namespace,
		Set:       key.Set,
		Digest:    key.digest(),
		Policy:    policy,
		Kind:      command.KindWrite,
		Ops:       ops,
	})
}

// Delete removes a single key.
func (cl *Client) Delete(ctx context.Context, key Key, override *command.Policy) (*command.Result, error) {
	policy := cl.commandPolicy(override)
	policy.Replica = resolver.PolicyMaster
	return cl.engine.Execute(ctx, command.Request{
		Namespace: key.Namespace,
		Set:       key.Set,
		Digest:    key.digest(),
		Policy:    policy,
		Kind:      command.KindDelete,
	})
}

// Touch refreshes a record's TTL without reading or writing its bins.
func (cl *Client) Touch(ctx context.Context, key Key, override *command.Policy) (*command.Result, error) {
	policy := cl.commandPolicy(override)
	policy.Replica = resolver.PolicyMaster
	return cl.engine.Execute(ctx, command.Request{
		Namespace: key.Namespace,
		Set:       key.Set,
		Digest:    key.digest(),
		Policy:    policy,
		Kind:      command.KindTouch,
	})
}

// Exists checks whether a key is present without returning its bins.
func (cl *Client) Exists(ctx context.Context, key Key, override *command.Policy) (*command.Result, error) {
	policy := cl.commandPolicy(override)
	return cl.engine.Execute(ctx, command.Request{
		Namespace: key.Namespace,
		Set:       key.Set,
		Digest:    key.digest(),
		Policy:    policy,
		Kind:      command.KindExists,
	})
}

// Operate runs a mixed read/write operation list against a single key.
func (cl *Client) Operate(ctx context.Context, key Key, ops []codec.Operation, override *command.Policy) (*command.Result, error) {
	policy := cl.commandPolicy(override)
	policy.Replica = resolver.PolicyMaster
	return cl.engine.Execute(ctx, command.Request{
		Namespace: key.Namespace,
		Set:       key.Set,
		Digest:    key.digest(),
		Policy:    policy,
		Kind:      command.KindOperate,
		Ops:       ops,
	})
}

// BatchKeys is one command's full key list for a batch read/operate/delete.
type BatchKeys []Key

func (ks BatchKeys) toBatchKeys() []batch.Key {
	out := make([]batch.Key, len(ks))
	for i, k := range ks {
		out[i] = batch.Key{Namespace: k.Namespace, Set: k.Set, Digest: k.digest(), BinNames: k.BinNames}
	}
	return out
}

// BatchGet reads every key in keys, grouped by owning node per spec.md
// §4.8's batch paragraph, returning one Item per key in the original order.
func (cl *Client) BatchGet(ctx context.Context, keys BatchKeys, parallel bool, timeout time.Duration) ([]batch.Item, error) {
	return cl.batch.Execute(ctx, batch.Request{
		Keys:     keys.toBatchKeys(),
		Policy:   cl.policy.Command.Replica,
		ReadMode: cl.policy.Command.ReadModeSC,
		Parallel: parallel,
		Timeout:  timeout,
	})
}

// BatchDelete deletes every key in keys, grouped by owning node.
func (cl *Client) BatchDelete(ctx context.Context, keys BatchKeys, parallel bool, timeout time.Duration) ([]batch.Item, error) {
	return cl.batch.Execute(ctx, batch.Request{
		Keys:     keys.toBatchKeys(),
		Policy:   resolver.PolicyMaster,
		IsWrite:  true,
		Parallel: parallel,
		Timeout:  timeout,
	})
}

// Credentials is re-exported so callers configuring ClientPolicy.Cluster
// never need to import internal/auth directly.
type Credentials = auth.Credentials

// WaitForLogin blocks until node's auth token has been established, or ctx
// is cancelled — useful after a credentials rotation before issuing new
// commands, surfaced here rather than forcing callers to reach into the
// cluster's auth manager directly.
func (cl *Client) WaitForLogin(ctx context.Context, node string) error {
	if !cl.policy.Cluster.Credentials.RequiresRelogin() {
		return nil
	}
	for {
		if _, err := cl.cluster.Auth().Token(node); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return kverrors.Wrap(kverrors.Cancelled, "wait for login cancelled", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
