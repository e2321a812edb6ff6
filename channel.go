package shuffle

import (
	"errors"
	"net"
	"sync/atomic"
	"syscall"
	"time"
)

// Channel is a non-blocking byte stream owned by a network task.
//
// Read returns (0, nil) when no bytes are available and io.EOF once the
// remote side has closed the stream. Write may accept fewer bytes than
// offered and returns (0, nil) when the socket cannot take more right now.
// Neither call blocks.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// connPollTimeout bounds a fallback read or write on connections that do
// not expose a raw file descriptor (net.Pipe in tests, non-unix platforms).
const connPollTimeout = 200 * time.Microsecond

// ConnChannel adapts a net.Conn to Channel. On unix it issues raw
// non-blocking syscalls against the connection's descriptor; elsewhere it
// polls with a very short deadline.
type ConnChannel struct {
	conn   net.Conn
	raw    syscall.RawConn
	closed atomic.Bool
}

// NewConnChannel wraps conn.
func NewConnChannel(conn net.Conn) *ConnChannel {
	c := &ConnChannel{conn: conn}
	if !rawIOSupported {
		return c
	}
	if sc, ok := conn.(syscall.Conn); ok {
		if rc, err := sc.SyscallConn(); err == nil {
			c.raw = rc
		}
	}
	return c
}

func (c *ConnChannel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if c.raw != nil {
		return rawRead(c.raw, p)
	}
	c.conn.SetReadDeadline(time.Now().Add(connPollTimeout))
	n, err := c.conn.Read(p)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (c *ConnChannel) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if c.raw != nil {
		return rawWrite(c.raw, p)
	}
	c.conn.SetWriteDeadline(time.Now().Add(connPollTimeout))
	n, err := c.conn.Write(p)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

// Close closes the underlying connection. Safe to call multiple times.
func (c *ConnChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// RemoteAddr returns the connection's remote address.
func (c *ConnChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
