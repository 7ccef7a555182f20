package cluster

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kvmesh/kvmesh-go/internal/auth"
	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/netconn"
	"github.com/kvmesh/kvmesh-go/internal/pool"
)

// Host is a user-provided seed or a discovered cluster peer, per spec §3.
type Host struct {
	Address       string
	TLSServerName string // empty disables TLS for this host
	Port          int
}

// Config controls the Cluster and its tend loop.
type Config struct {
	Seeds               []Host
	ClusterName         string // empty disables validation
	RackID              uint32
	TendInterval        time.Duration
	FailIfNotConnected  bool
	PoolMinPerShard     int
	PoolMaxPerShard     int
	DialTimeout         time.Duration
	Credentials         auth.Credentials
	TLSRevokedSerials   map[string]struct{}
	MaxConsecutiveFails int32
	MaxErrorRate        int32
	ErrorRateWindow     int // tend iterations between error-counter resets
	PoolRebalanceEvery  int // tend iterations between min-size rebalances, default 30
	Log                 hclog.Logger
}

func (c Config) withDefaults() Config {
	if c.TendInterval <= 0 {
		c.TendInterval = time.Second
	}
	if c.PoolMaxPerShard <= 0 {
		c.PoolMaxPerShard = 8
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxConsecutiveFails <= 0 {
		c.MaxConsecutiveFails = 5
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = 50
	}
	if c.PoolRebalanceEvery <= 0 {
		c.PoolRebalanceEvery = 30
	}
	if c.Log == nil {
		c.Log = hclog.NewNullLogger()
	}
	return c
}

// Cluster owns the node array, seed list, auth credentials, and the
// current partition map, exclusively, per spec §3's ownership rules.
type Cluster struct {
	cfg Config
	log hclog.Logger

	mu           sync.RWMutex
	byName       map[string]*Node
	pendingHosts map[string]Host // node name -> host, for nodes mid-validation

	nodeList atomic.Value // []*Node, published snapshot

	partitions atomic.Value // *Map

	authMgr *auth.Manager

	aliases *AliasResolver

	iteration uint64 // atomic; counts completed Tend calls

	closeOnce sync.Once
	closeCh   chan struct{}
	wakeCh    chan struct{}
}

// New builds a Cluster from cfg. It does not start the tend loop or
// connect to anything; call Run to do so.
func New(cfg Config) (*Cluster, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Seeds) == 0 {
		return nil, kverrors.New(kverrors.Configuration, "at least one seed host is required")
	}

	aliases, err := NewAliasResolver(4096)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:          cfg,
		log:          cfg.Log,
		byName:       make(map[string]*Node),
		pendingHosts: make(map[string]Host),
		aliases:      aliases,
		closeCh:      make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
	c.nodeList.Store([]*Node{})
	c.partitions.Store(NewMap())

	mgr, err := auth.NewManager(cfg.Credentials, clusterLoginer{c}, cfg.Log)
	if err != nil {
		return nil, err
	}
	c.authMgr = mgr

	return c, nil
}

// clusterLoginer adapts the Cluster into an auth.Loginer: a login is always
// performed over a fresh admin connection to the node's known host, per
// spec §4.3's "dedicated short-lived admin framing."
type clusterLoginer struct{ c *Cluster }

func (l clusterLoginer) Login(node string, creds auth.Credentials) (auth.Token, error) {
	host, ok := l.c.hostForNode(node)
	if !ok {
		return auth.Token{}, kverrors.New(kverrors.Connection, "unknown node for login").WithNode(node)
	}
	conn, err := netconn.Dial(netconn.Config{
		Address:        hostAddress(host),
		DialTimeout:    l.c.cfg.DialTimeout,
		TLSServerName:  host.TLSServerName,
		RevokedSerials: l.c.cfg.TLSRevokedSerials,
	})
	if err != nil {
		return auth.Token{}, err
	}
	defer conn.Close()
	return Authenticate(conn, creds)
}

// registerPendingHost records the dial host for a node still mid-validation
// so a login triggered before the node is published can still resolve it.
func (c *Cluster) registerPendingHost(name string, host Host) {
	c.mu.Lock()
	c.pendingHosts[name] = host
	c.mu.Unlock()
}

func (c *Cluster) clearPendingHost(name string) {
	c.mu.Lock()
	delete(c.pendingHosts, name)
	c.mu.Unlock()
}

// hostForNode resolves a node name to its dial host, consulting the
// published node map first and falling back to pendingHosts for nodes
// still mid-validation (not yet published).
func (c *Cluster) hostForNode(node string) (Host, bool) {
	if n, ok := c.NodeByName(node); ok {
		return n.Host(), true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.pendingHosts[node]
	return h, ok
}

// Nodes returns the current published node snapshot. Safe for concurrent
// use with tend-loop mutation: the slice itself is never mutated in
// place, only replaced.
func (c *Cluster) Nodes() []*Node {
	return c.nodeList.Load().([]*Node)
}

// NodeByName looks up a node by its current cached name.
func (c *Cluster) NodeByName(name string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.byName[name]
	return n, ok
}

// PartitionMap returns the currently published partition Map.
func (c *Cluster) PartitionMap() *Map {
	return c.partitions.Load().(*Map)
}

// PublishForTest replaces the cluster's node list and, if non-nil, its
// partition map directly, bypassing the tend loop entirely. It gives
// collaborators (the command/batch engines' own tests) a fixed,
// deterministic topology to dispatch against without driving a fake
// info-protocol server through a full tend cycle.
func (c *Cluster) PublishForTest(nodes []*Node, partitions *Map) {
	c.publishNodes(nodes)
	if partitions != nil {
		c.publishPartitions(partitions)
	}
}

// publishNodes atomically replaces the node snapshot and name index.
func (c *Cluster) publishNodes(nodes []*Node) {
	byName := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name()] = n
	}
	c.mu.Lock()
	c.byName = byName
	c.mu.Unlock()
	c.nodeList.Store(nodes)
}

// publishPartitions atomically replaces the published partition map.
func (c *Cluster) publishPartitions(m *Map) {
	c.partitions.Store(m)
}

// dialerFor builds a pool.Dialer that dials host and tunes the socket,
// without presenting any session token. dialerForNode wraps it to add the
// token; tend's own validation connections do not use it (validateHost
// dials netconn directly).
func (c *Cluster) dialerFor(host Host) pool.Dialer {
	return func() (*netconn.Connection, error) {
		cfg := netconn.Config{
			Address:        hostAddress(host),
			DialTimeout:    c.cfg.DialTimeout,
			RevokedSerials: c.cfg.TLSRevokedSerials,
		}
		if host.TLSServerName != "" {
			cfg.TLSServerName = host.TLSServerName
		}
		return netconn.Dial(cfg)
	}
}

// dialerForNode builds a pool.Dialer for name's data-plane connection pool:
// dials host, tunes the socket, and — per spec §4.3 ("Authenticate
// presents the token on a newly-created connection") — presents the
// node's cached session token before handing the connection to its pool,
// when the cluster's credentials require one.
func (c *Cluster) dialerForNode(name string, host Host) pool.Dialer {
	base := c.dialerFor(host)
	return func() (*netconn.Connection, error) {
		conn, err := base()
		if err != nil {
			return nil, err
		}
		if !c.cfg.Credentials.RequiresRelogin() {
			return conn, nil
		}
		tok, err := c.authMgr.Token(name)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := PresentToken(conn, tok); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// Auth returns the cluster's auth manager, for collaborators (the command
// engine) that must trigger a relogin when a connection observes an
// authentication failure.
func (c *Cluster) Auth() *auth.Manager { return c.authMgr }

func hostAddress(h Host) string {
	if h.Port == 0 {
		return h.Address
	}
	return h.Address + ":" + strconv.Itoa(h.Port)
}

// WakeTend signals the tend loop to run immediately rather than waiting
// out its interruptible sleep, per spec §4.6 ("external wake tend
// signals, e.g. after a login required").
func (c *Cluster) WakeTend() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Close stops the tend loop (if running) and closes every node.
func (c *Cluster) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		for _, n := range c.Nodes() {
			n.Close()
		}
		c.authMgr.Close()
	})
}
