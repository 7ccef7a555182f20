//go:build unix

package netconn

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneSocket applies the send/receive buffer sizing and keepalive settings
// from cfg to a freshly dialed TCP connection, grounded on the teacher's
// pkg/client/pool.go raw syscall.SetsockoptInt tuning, generalized to
// golang.org/x/sys/unix for portability across the unix build tag rather
// than hand-picking syscall constants per OS.
func tuneSocket(conn *net.TCPConn, cfg Config) {
	conn.SetNoDelay(true)

	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(keepalive)

	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		if cfg.SocketSendBufSize > 0 {
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SocketSendBufSize)
		}
		if cfg.SocketRecvBufSize > 0 {
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.SocketRecvBufSize)
		}
	})
}
