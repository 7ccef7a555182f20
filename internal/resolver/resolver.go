// Package resolver implements the partition resolver (spec §4.7): mapping
// a key's digest to a partition id, then picking a node from a namespace's
// replica table according to a replica policy.
package resolver

import (
	"encoding/binary"
	"math/rand"
	"sync/atomic"

	"github.com/kvmesh/kvmesh-go/internal/cluster"
	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// Policy selects which replica row(s) a resolve call may consider.
type Policy int

const (
	PolicyMaster Policy = iota
	PolicyMasterProles
	PolicySequence
	PolicyPreferRack
	PolicyRandom
)

func (p Policy) String() string {
	switch p {
	case PolicyMaster:
		return "master"
	case PolicyMasterProles:
		return "master_proles"
	case PolicySequence:
		return "sequence"
	case PolicyPreferRack:
		return "prefer_rack"
	case PolicyRandom:
		return "random"
	default:
		return "unknown"
	}
}

// ReadMode is a namespace's strong-consistency read mode, which remaps the
// effective replica policy per spec §4.7.
type ReadMode int

const (
	ReadModeAllowReplica ReadMode = iota
	ReadModeAllowUnavailable
	ReadModeSession
	ReadModeLinearize
)

// RemapForStrongConsistency applies spec §4.7's read-mode remap for
// strong-consistency namespaces: SESSION forces MASTER, LINEARIZE forces
// SEQUENCE (which also downgrades PREFER_RACK, since SEQUENCE is the only
// outcome LINEARIZE ever produces), and the ALLOW_* modes leave the
// caller's policy untouched.
func RemapForStrongConsistency(policy Policy, mode ReadMode) Policy {
	switch mode {
	case ReadModeSession:
		return PolicyMaster
	case ReadModeLinearize:
		return PolicySequence
	default:
		return policy
	}
}

// PartitionForDigest computes partition_id = little_endian_u32(digest[0:4])
// mod PartitionCount, per spec §4.7/§3.
func PartitionForDigest(digest []byte) int {
	if len(digest) < 4 {
		return 0
	}
	v := binary.LittleEndian.Uint32(digest[:4])
	return int(v % uint32(cluster.PartitionCount))
}

// Attempt tracks one command's replica-sequence counter across its
// retries. It is never shared across commands, per spec §5.
type Attempt struct {
	sequence int
}

// Advance moves the sequence counter forward, except per spec §4.7's retry
// rule: a socket timeout under LINEARIZE read mode must not advance the
// sequence, so the next attempt targets the same replica again (advancing
// it would break the linearizability guarantee that replica promises).
func (a *Attempt) Advance(mode ReadMode, lastFailureWasTimeout bool) {
	if mode == ReadModeLinearize && lastFailureWasTimeout {
		return
	}
	a.sequence++
}

// Sequence returns the attempt's current sequence value.
func (a *Attempt) Sequence() int { return a.sequence }

// NodeByName resolves a node name to a *cluster.Node, returning false if
// the node is unknown. Satisfied by *cluster.Cluster's NodeByName.
type NodeByName func(name string) (*cluster.Node, bool)

// Request carries the per-attempt context Resolve needs to route one
// command attempt.
type Request struct {
	Namespace    string
	Partition    int
	Policy       Policy
	ReadMode     ReadMode
	Attempt      *Attempt
	FinalAttempt bool // true on the last of maxRetries+1 attempts
}

// Resolver picks a node for a resolved partition according to a replica
// policy, per spec §4.7's table. Grounded on
// `clients/go/kv_client.go`'s `getPartitionForKey`/`getConnectionForKey`,
// generalized from "one node per partition" to the full policy table.
type Resolver struct {
	rackID         uint32
	mprolesCounter uint64 // shared atomic counter, MASTER_PROLES round-robin
}

// New builds a Resolver that prefers rackID under PREFER_RACK policy.
func New(rackID uint32) *Resolver {
	return &Resolver{rackID: rackID}
}

// Resolve returns the node that should serve req given the namespace's
// current Partitions table and node array.
func (r *Resolver) Resolve(req Request, p *cluster.Partitions, nodes []*cluster.Node, byName NodeByName) (*cluster.Node, error) {
	if p == nil || p.ReplicaCount == 0 {
		return nil, kverrors.ErrInvalidNode
	}
	switch req.Policy {
	case PolicyMaster:
		return r.pickRow(p, req.Partition, 0, byName)
	case PolicyMasterProles:
		row := int(atomic.AddUint64(&r.mprolesCounter, 1)-1) % p.ReplicaCount
		return r.pickRow(p, req.Partition, row, byName)
	case PolicySequence:
		row := req.Attempt.Sequence() % p.ReplicaCount
		return r.pickRow(p, req.Partition, row, byName)
	case PolicyPreferRack:
		return r.resolvePreferRack(req, p, byName)
	case PolicyRandom:
		return r.resolveRandom(nodes)
	default:
		return nil, kverrors.New(kverrors.Configuration, "unknown replica policy")
	}
}

// pickRow returns the active node owning partition in replica row, or
// ErrInvalidNode if the slot is null or the node is not active.
func (r *Resolver) pickRow(p *cluster.Partitions, partition, row int, byName NodeByName) (*cluster.Node, error) {
	if row < 0 || row >= p.ReplicaCount {
		return nil, kverrors.ErrInvalidNode
	}
	name := p.Replicas[row][partition]
	if name == "" {
		return nil, kverrors.ErrInvalidNode
	}
	n, ok := byName(name)
	if !ok || n.State() != cluster.StateActive {
		return nil, kverrors.ErrInvalidNode
	}
	return n, nil
}

// resolvePreferRack walks replica rows starting at the attempt's sequence,
// returning the first on-rack active node found. It remembers the first
// active node seen (on- or off-rack) as a fallback, returned on the final
// attempt even if off-rack, per spec §4.7.
func (r *Resolver) resolvePreferRack(req Request, p *cluster.Partitions, byName NodeByName) (*cluster.Node, error) {
	var fallback *cluster.Node
	start := req.Attempt.Sequence() % p.ReplicaCount
	for offset := 0; offset < p.ReplicaCount; offset++ {
		row := (start + offset) % p.ReplicaCount
		name := p.Replicas[row][req.Partition]
		if name == "" {
			continue
		}
		n, ok := byName(name)
		if !ok || n.State() != cluster.StateActive {
			continue
		}
		if fallback == nil {
			fallback = n
		}
		if id, ok := n.Rack(req.Namespace); ok && id == r.rackID {
			return n, nil
		}
	}
	if fallback == nil {
		return nil, kverrors.ErrInvalidNode
	}
	if !req.FinalAttempt {
		// No on-rack replica this round: still hand back the fallback
		// rather than failing the attempt outright; only the final
		// attempt is specified to accept it, but an earlier attempt with
		// no other option has nothing better to try either.
		return fallback, nil
	}
	return fallback, nil
}

// resolveRandom returns any active node in the cluster, per spec §4.7
// ("RANDOM: any active node in the cluster" — not scoped to the
// partition's replica rows).
func (r *Resolver) resolveRandom(nodes []*cluster.Node) (*cluster.Node, error) {
	active := make([]*cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.State() == cluster.StateActive {
			active = append(active, n)
		}
	}
	if len(active) == 0 {
		return nil, kverrors.ErrInvalidNode
	}
	return active[rand.Intn(len(active))], nil
}
