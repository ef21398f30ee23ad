package socket

import (
	"net"

	"github.com/panjf2000/gnet/v2"
)

// gnetBackend drives a Socket from a gnet event loop. The gnet connection is
// also the Socket's native Source: bytes stay in gnet's inbound buffer until
// the socket or a consuming parser discards them.
type gnetBackend struct {
	conn   gnet.Conn
	closed bool
}

// NewGnet binds a Socket to a gnet connection. It must be called on the
// connection's event loop, typically from OnOpen. The caller forwards
// OnTraffic to Socket.Readable and OnClose to Socket.PushEnd and
// Socket.Closed.
func NewGnet(c gnet.Conn, opts Options) *Socket {
	return New(&gnetBackend{conn: c}, opts)
}

func (b *gnetBackend) Write(buf []byte, done func(error)) error {
	return b.conn.AsyncWrite(buf, func(_ gnet.Conn, err error) error {
		done(err)
		return nil
	})
}

// CloseWrite closes the whole connection: gnet exposes no half-close.
func (b *gnetBackend) CloseWrite() error {
	return b.Close()
}

func (b *gnetBackend) Close() error {
	if b.closed {
		return nil
	}

	b.closed = true
	return b.conn.Close()
}

// StartReading re-triggers OnTraffic so bytes gnet buffered while the
// socket was paused are delivered.
func (b *gnetBackend) StartReading() {
	if b.closed {
		return
	}

	_ = b.conn.Wake(nil)
}

// StopReading is a no-op: gnet keeps filling its inbound buffer and the
// socket simply stops draining it.
func (b *gnetBackend) StopReading() {}

func (b *gnetBackend) Source() Source {
	return b.conn
}

func (b *gnetBackend) Post(fn func()) {
	_ = b.conn.Wake(func(_ gnet.Conn, _ error) error {
		fn()
		return nil
	})
}

func (b *gnetBackend) RemoteAddr() net.Addr {
	return b.conn.RemoteAddr()
}
