// Package netconn implements the scoped TCP/TLS connection resource: a
// single socket with framed blocking I/O, idle tracking, and TLS
// server-name verification against SAN/CN plus a revocation list.
package netconn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kvmesh/kvmesh-go/internal/kverrors"
)

// Connection owns one TCP or TLS socket. It is a scoped resource: a
// borrower must return it to its pool (or Close it) on every exit path,
// including error, per the pool's shared-resource contract.
type Connection struct {
	conn     net.Conn
	nodeName string
	lastUsed time.Time
	closed   bool
}

// Config controls how a Connection dials and, for TLS, how it verifies the
// peer.
type Config struct {
	Address           string
	DialTimeout       time.Duration
	TLSServerName     string // empty disables TLS
	TLSConfig         *tls.Config
	RevokedSerials    map[string]struct{} // certificates whose serial is revoked
	SocketSendBufSize int
	SocketRecvBufSize int
	Keepalive         time.Duration
}

// Dial opens a new Connection per cfg, applying TCP tuning (delegated to
// tuneSocket, platform-specific) and, when TLSServerName is set, performing
// the handshake plus SAN/CN + revocation verification.
func Dial(cfg Config) (*Connection, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	raw, err := net.DialTimeout("tcp", cfg.Address, timeout)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Connection, "dial", err)
	}

	if tcpConn, ok := raw.(*net.TCPConn); ok {
		tuneSocket(tcpConn, cfg)
	}

	conn := raw
	if cfg.TLSServerName != "" {
		tlsConn, err := handshakeTLS(raw, cfg)
		if err != nil {
			raw.Close()
			return nil, err
		}
		conn = tlsConn
	}

	return &Connection{conn: conn, lastUsed: time.Now()}, nil
}

func handshakeTLS(raw net.Conn, cfg Config) (*tls.Conn, error) {
	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	// Perform verification ourselves against SAN/CN + revocation list
	// rather than relying solely on ServerName matching, so the revoked
	// serial list is honored per spec.
	configured := tlsCfg.Clone()
	configured.InsecureSkipVerify = true
	tlsConn := tls.Client(raw, configured)

	if err := tlsConn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, kverrors.Wrap(kverrors.Connection, "set tls deadline", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, kverrors.Wrap(kverrors.Connection, "tls handshake", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return nil, kverrors.Wrap(kverrors.Connection, "clear tls deadline", err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, kverrors.New(kverrors.Connection, "tls handshake produced no peer certificate")
	}
	leaf := state.PeerCertificates[0]

	if cfg.RevokedSerials != nil {
		if _, revoked := cfg.RevokedSerials[leaf.SerialNumber.String()]; revoked {
			return nil, kverrors.New(kverrors.Connection, "peer certificate serial is revoked").WithNode(cfg.TLSServerName)
		}
	}

	if !verifyServerName(leaf, cfg.TLSServerName) {
		return nil, kverrors.New(kverrors.Connection, fmt.Sprintf("certificate does not match tls name %q", cfg.TLSServerName))
	}

	return tlsConn, nil
}

// verifyServerName checks name against the leaf's Subject-CN and every
// Subject-Alternative-Name DNS entry, per spec §4.2.
func verifyServerName(leaf *x509.Certificate, name string) bool {
	if leaf.Subject.CommonName == name {
		return true
	}
	for _, dns := range leaf.DNSNames {
		if dns == name {
			return true
		}
	}
	return false
}

// SetNodeName records the logical node this connection belongs to, for
// diagnostics and pool bookkeeping.
func (c *Connection) SetNodeName(name string) { c.nodeName = name }

// NodeName returns the logical node this connection belongs to.
func (c *Connection) NodeName() string { return c.nodeName }

// LastUsed reports when the connection was last used for I/O.
func (c *Connection) LastUsed() time.Time { return c.lastUsed }

// IdleSince reports how long the connection has sat unused in a pool.
func (c *Connection) IdleSince() time.Duration { return time.Since(c.lastUsed) }

// SetTimeout applies a combined read/write deadline to subsequent I/O.
func (c *Connection) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetDeadline(time.Time{})
	}
	return c.conn.SetDeadline(time.Now().Add(d))
}

// WriteAll writes p in full, surfacing any short write as a Connection
// error so the caller closes rather than reuses the socket.
func (c *Connection) WriteAll(p []byte) error {
	if c.closed {
		return kverrors.New(kverrors.Connection, "write on closed connection")
	}
	n, err := c.conn.Write(p)
	c.lastUsed = time.Now()
	if err != nil {
		return kverrors.Wrap(kverrors.Connection, "write", err).WithNode(c.nodeName)
	}
	if n != len(p) {
		return kverrors.New(kverrors.Connection, "short write").WithNode(c.nodeName)
	}
	return nil
}

// ReadFully reads exactly len(p) bytes into p.
func (c *Connection) ReadFully(p []byte) error {
	if c.closed {
		return kverrors.New(kverrors.Connection, "read on closed connection")
	}
	_, err := io.ReadFull(c.conn, p)
	c.lastUsed = time.Now()
	if err != nil {
		return kverrors.Wrap(kverrors.Connection, "read", err).WithNode(c.nodeName)
	}
	return nil
}

// Reader exposes the underlying net.Conn as an io.Reader for the codec's
// frame reader, which needs to read a variable-length payload.
func (c *Connection) Reader() io.Reader { return c.conn }

// Close closes the underlying socket. Safe to call more than once.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closed }
