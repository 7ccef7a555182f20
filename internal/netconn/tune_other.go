//go:build !unix

package netconn

import (
	"net"
	"time"
)

// tuneSocket on non-unix platforms applies the portable subset of tuning
// (Nagle disable + keepalive); raw socket-buffer sizing needs unix.
func tuneSocket(conn *net.TCPConn, cfg Config) {
	conn.SetNoDelay(true)
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(keepalive)
}
