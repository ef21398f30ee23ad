// Package dummy provides an in-memory socket backend for deterministic,
// single-goroutine tests. Writes are recorded and may be held back to
// simulate a slow peer; the native Source is an append-only byte buffer.
package dummy

import (
	"bytes"
	"errors"
	"net"

	"github.com/albertbausili/h1bind/internal/socket"
)

// ErrShortBuffer is returned by Source.Peek when fewer bytes are buffered
// than requested.
var ErrShortBuffer = errors.New("dummy: short buffer")

type heldWrite struct {
	n    int
	done func(error)
}

// Backend implements socket.Backend. Every completion runs synchronously on
// the calling goroutine.
type Backend struct {
	// HoldWrites keeps write completions pending until Flush is called.
	HoldWrites bool
	// WriteErr, when set, fails the next completion with it.
	WriteErr error

	Writes      [][]byte
	WriteClosed bool
	Closed      bool
	Reading     bool
	ReadStarts  int
	ReadStops   int

	held []heldWrite
	src  *Source
}

// New returns a backend without a native Source.
func New() *Backend {
	return &Backend{Reading: true}
}

// NewWithSource returns a backend exposing a native Source.
func NewWithSource() *Backend {
	return &Backend{Reading: true, src: new(Source)}
}

// NewSocket wraps a new backend in a Socket.
func NewSocket(withSource bool, opts socket.Options) (*socket.Socket, *Backend) {
	b := New()
	if withSource {
		b = NewWithSource()
	}

	return socket.New(b, opts), b
}

func (b *Backend) Write(buf []byte, done func(error)) error {
	if b.Closed {
		return net.ErrClosed
	}

	b.Writes = append(b.Writes, bytes.Clone(buf))
	if b.HoldWrites {
		b.held = append(b.held, heldWrite{n: len(buf), done: done})
		return nil
	}

	done(b.takeErr())
	return nil
}

func (b *Backend) takeErr() error {
	err := b.WriteErr
	b.WriteErr = nil
	return err
}

// Held reports the number of writes waiting for Flush.
func (b *Backend) Held() int {
	return len(b.held)
}

// HeldBytes reports the size of the writes waiting for Flush.
func (b *Backend) HeldBytes() (n int) {
	for _, h := range b.held {
		n += h.n
	}

	return n
}

// Flush completes every held write in order.
func (b *Backend) Flush() {
	for len(b.held) > 0 {
		h := b.held[0]
		b.held = b.held[1:]
		h.done(b.takeErr())
	}
}

// FlushN completes the first n held writes.
func (b *Backend) FlushN(n int) {
	for ; n > 0 && len(b.held) > 0; n-- {
		h := b.held[0]
		b.held = b.held[1:]
		h.done(b.takeErr())
	}
}

// Output joins every recorded write.
func (b *Backend) Output() string {
	return string(bytes.Join(b.Writes, nil))
}

func (b *Backend) CloseWrite() error {
	b.WriteClosed = true
	return nil
}

func (b *Backend) Close() error {
	b.Closed = true
	b.held = nil
	return nil
}

func (b *Backend) StartReading() {
	b.Reading = true
	b.ReadStarts++
}

func (b *Backend) StopReading() {
	b.Reading = false
	b.ReadStops++
}

func (b *Backend) Source() socket.Source {
	if b.src == nil {
		return nil
	}

	return b.src
}

// Buffer returns the native Source, or nil.
func (b *Backend) Buffer() *Source {
	return b.src
}

func (b *Backend) Post(fn func()) {
	fn()
}

func (b *Backend) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

// Deliver hands data to sock the way a real backend would: through the
// native Source when there is one, else as a pushed chunk.
func Deliver(sock *socket.Socket, b *Backend, data string) {
	if b.src != nil {
		b.src.Append([]byte(data))
		sock.Readable()
		return
	}

	sock.Push([]byte(data))
}

// Source is an in-memory socket.Source.
type Source struct {
	buf []byte
}

// Append adds inbound bytes.
func (s *Source) Append(p []byte) {
	s.buf = append(s.buf, p...)
}

func (s *Source) Peek(n int) ([]byte, error) {
	if n < 0 {
		return s.buf, nil
	}

	if n > len(s.buf) {
		return s.buf, ErrShortBuffer
	}

	return s.buf[:n], nil
}

func (s *Source) Discard(n int) (int, error) {
	if n > len(s.buf) {
		n = len(s.buf)
	}

	s.buf = append(s.buf[:0:0], s.buf[n:]...)
	return n, nil
}

func (s *Source) InboundBuffered() int {
	return len(s.buf)
}
