// Package auth implements the login/authenticate state machine: internal
// (hashed password), external (TLS + clear-text password), and PKI (TLS
// client certificate identity) modes, plus the session-token cache that
// backs re-authentication of newly created connections.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// Mode selects how credentials are presented, per spec §4.3.
type Mode int

const (
	ModeInternal Mode = iota
	ModeExternal
	ModePKI
)

// Credentials holds the identity presented at login. For ModePKI, User and
// Password are unused (identity comes from the TLS client certificate).
type Credentials struct {
	Mode     Mode
	User     string
	Password string
}

// HashPassword hashes the password for ModeInternal storage as the
// hex-encoded SHA-256 of its UTF-8 bytes. This is a single fixed-cost hash,
// not a slow or tunable KDF (no bcrypt/scrypt/argon2, no salt).
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Token is an opaque session token plus its expiration instant.
type Token struct {
	Bytes      []byte
	Expiration time.Time
}

// Loginer performs the wire-level login exchange for one node; supplied by
// the cluster layer, which owns the dedicated admin-framing connection and
// knows how to dial the node by name.
type Loginer interface {
	Login(node string, creds Credentials) (Token, error)
}

// Manager coordinates login/authenticate across nodes, caching session
// tokens with a TTL equal to their remaining validity so expiry is
// enforced by the cache itself rather than by hand-rolled timestamp
// comparisons, per spec §4.3/§4.0.
type Manager struct {
	creds   Credentials
	login   Loginer
	cache   *ristretto.Cache[string, Token]
	log     hclog.Logger
	inFlight sync.Map // nodeName -> *int32, monotonic 0->1->0 login-in-flight flag
}

// NewManager builds a Manager with its own reasonably sized ristretto
// token cache.
func NewManager(creds Credentials, login Loginer, log hclog.Logger) (*Manager, error) {
	if creds.Mode == ModeExternal && creds.Password == "" {
		return nil, kverrors.New(kverrors.Configuration, "external auth mode requires a password")
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Token]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Configuration, "create session token cache", err)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Manager{creds: creds, login: login, cache: cache, log: log}, nil
}

// Close releases the token cache.
func (m *Manager) Close() { m.cache.Close() }

// flagFor returns the monotonic 0/1 in-flight flag for a node, creating it
// on first use. Only one login may be in flight per node at a time.
func (m *Manager) flagFor(node string) *int32 {
	v, _ := m.inFlight.LoadOrStore(node, new(int32))
	return v.(*int32)
}

// Login exchanges credentials for a session token for node, honoring the
// "only one login in flight per node" rule: a concurrent caller observes
// ErrAuthLoginInFlight and should retry rather than double-login.
func (m *Manager) Login(node string) (Token, error) {
	flag := m.flagFor(node)
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		return Token{}, kverrors.ErrAuthLoginInFlight
	}
	defer atomic.StoreInt32(flag, 0)

	tok, err := m.login.Login(node, m.creds)
	if err != nil {
		m.log.Warn("login failed", "node", node, "error", err)
		return Token{}, kverrors.Wrap(kverrors.Authentication, "login", err).WithNode(node)
	}

	ttl := time.Until(tok.Expiration)
	if ttl <= 0 {
		return Token{}, kverrors.New(kverrors.Authentication, "server returned an already-expired token").WithNode(node)
	}
	m.cache.SetWithTTL(node, tok, 1, ttl)
	m.cache.Wait()
	m.log.Debug("login succeeded", "node", node, "expires_in", ttl)
	return tok, nil
}

// Token returns the cached session token for node, triggering a fresh
// Login if none is cached or the cached one has expired.
func (m *Manager) Token(node string) (Token, error) {
	if tok, ok := m.cache.Get(node); ok {
		return tok, nil
	}
	return m.Login(node)
}

// Invalidate forces the next Token call to relogin, used when a command
// observes an auth failure on a connection presenting the cached token.
func (m *Manager) Invalidate(node string) {
	m.cache.Del(node)
}

// RequiresRelogin reports whether mode requires a re-login flow at all;
// PKI mode never does, since identity comes from the TLS certificate and
// there is no session token to expire.
func (creds Credentials) RequiresRelogin() bool {
	return creds.Mode != ModePKI
}
