package h1bind

import (
	"net"

	"github.com/indigo-web/utils/strcomp"

	"github.com/albertbausili/h1bind/internal/h1"
	"github.com/albertbausili/h1bind/internal/socket"
)

// Request is the head of an Upgrade or CONNECT request.
type Request struct {
	Method  string
	URL     string
	Proto   string
	Headers [][2]string
}

func newRequest(msg *h1.Message) *Request {
	return &Request{
		Method:  msg.Method,
		URL:     msg.URL,
		Proto:   msg.Proto,
		Headers: append([][2]string(nil), msg.Headers...),
	}
}

// Header returns the first value of the named header.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strcomp.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Conn is a connection taken over by an UpgradeHandler. Its methods must be
// called from the callbacks it delivers; use Exec from other goroutines.
type Conn struct {
	sock *socket.Socket
}

// Write queues b. It reports false when the write queue is past its high
// water mark; OnDrain fires once it empties.
func (c *Conn) Write(b []byte) (bool, error) {
	return c.sock.Write(b)
}

// OnData registers fn for inbound bytes. b is only valid during the call.
func (c *Conn) OnData(fn func(b []byte)) {
	c.sock.On(socket.EventData, func(sig socket.Signal) { fn(sig.Data) })
}

// OnEnd registers fn for the client half-closing its side.
func (c *Conn) OnEnd(fn func()) {
	c.sock.On(socket.EventEnd, func(socket.Signal) { fn() })
}

// OnDrain registers fn for the write queue emptying.
func (c *Conn) OnDrain(fn func()) {
	c.sock.On(socket.EventDrain, func(socket.Signal) { fn() })
}

// OnClose registers fn for the connection closing. err is nil on a clean
// close.
func (c *Conn) OnClose(fn func(err error)) {
	c.sock.On(socket.EventClose, func(sig socket.Signal) { fn(sig.Err) })
}

// Pause stops reading until Resume.
func (c *Conn) Pause() {
	c.sock.Pause()
}

// Resume restarts reading.
func (c *Conn) Resume() {
	c.sock.Resume()
}

// End half-closes the connection once queued writes are flushed.
func (c *Conn) End() {
	c.sock.End()
}

// Close tears the connection down now.
func (c *Conn) Close() {
	c.sock.Destroy(nil)
}

// Exec runs fn on the connection's goroutine.
func (c *Conn) Exec(fn func()) {
	c.sock.Exec(fn)
}

// RemoteAddr returns the client address, when the transport knows it.
func (c *Conn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}
