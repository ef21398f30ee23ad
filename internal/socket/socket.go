// Package socket provides the duplex transport handle an HTTP/1 parser binds
// to. A Socket turns a backend (gnet connection, net.Conn, or a test double)
// into an event-driven stream with listener registration, pause/resume flow
// control, graceful half-close, and an optional native inbound buffer for
// zero-copy parsing.
//
// A Socket is not safe for concurrent use. Every method must be called from
// the goroutine driving its backend; use Exec to get there from elsewhere.
package socket

import (
	"bytes"
	"errors"
	"net"
)

const (
	// DefaultHighWaterMark is the write-queue size above which Write reports
	// that the caller should wait for EventDrain.
	DefaultHighWaterMark = 16 << 10
	// DefaultReadBufferSize is used when Options.ReadBufferSize is unset.
	DefaultReadBufferSize = 32 << 10
)

// ErrNotWritable is returned by Write once the write side has been ended or
// the socket destroyed.
var ErrNotWritable = errors.New("socket: write after end")

// Source is a native inbound buffer a parser may read from directly instead
// of receiving copied chunks. gnet.Conn satisfies it.
type Source interface {
	Peek(n int) ([]byte, error)
	Discard(n int) (int, error)
	InboundBuffered() int
}

// Consumer reads a socket's Source directly while the socket is in
// ReadModeConsumed.
type Consumer interface {
	// Readable is called when new bytes are available in the Source.
	Readable()
	// Unconsume reverts to per-chunk delivery. It must call Socket.Unconsume.
	Unconsume()
}

// Parser is the parser attached to a socket for the current transaction
// sequence. The socket only holds the reference; it never drives it.
type Parser interface {
	Pause()
	Resume()
}

// Backend moves bytes for a Socket. Completion callbacks and every Socket
// entry point it invokes must run on the socket's goroutine.
type Backend interface {
	// Write queues b and calls done once it is flushed or failed.
	Write(b []byte, done func(error)) error
	// CloseWrite half-closes the outgoing direction.
	CloseWrite() error
	Close() error
	StartReading()
	StopReading()
	// Source returns the native inbound buffer, or nil when the backend
	// delivers chunks through Push.
	Source() Source
	// Post runs fn on the socket's goroutine.
	Post(fn func())
	RemoteAddr() net.Addr
}

// Options tunes a Socket.
type Options struct {
	HighWaterMark int
	// ReadBufferSize is the per-read buffer of backends that read into
	// their own memory.
	ReadBufferSize int
}

const (
	flowUnset int8 = iota
	flowOn
	flowOff
)

// Socket is the transport handle. See the package documentation.
type Socket struct {
	backend   Backend
	listeners [numEvents][]entry
	nextID    uint64

	mode     ReadMode
	consumer Consumer
	parser   Parser

	flowing    int8
	paused     bool
	reading    bool
	pending    [][]byte
	endPending bool

	highWaterMark int
	writeQueued   int
	writable      bool
	ending        bool
	destroySoon   bool
	writeClosed   bool
	readEnded     bool
	destroyed     bool
	closed        bool

	depth int
	ticks []func()
}

// New wraps a backend. The backend is assumed to be reading already.
func New(b Backend, opts Options) *Socket {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}

	return &Socket{
		backend:       b,
		highWaterMark: opts.HighWaterMark,
		reading:       true,
		writable:      true,
	}
}

func (s *Socket) enter() {
	s.depth++
}

// leave runs deferred work once the outermost entry point returns.
func (s *Socket) leave() {
	s.depth--
	if s.depth > 0 {
		return
	}

	for len(s.ticks) > 0 {
		ticks := s.ticks
		s.ticks = nil
		s.depth++
		for _, fn := range ticks {
			fn()
		}
		s.depth--
	}
}

func (s *Socket) nextTick(fn func()) {
	s.ticks = append(s.ticks, fn)
}

// Exec runs fn on the socket's goroutine.
func (s *Socket) Exec(fn func()) {
	s.backend.Post(func() {
		s.enter()
		defer s.leave()
		fn()
	})
}

// On registers a listener. Subscribing to EventData or EventReadable while a
// consumer reads the Source directly reverts the socket to per-chunk
// delivery first, so the new listener observes every byte.
func (s *Socket) On(ev Event, fn Listener) Subscription {
	s.enter()
	defer s.leave()

	s.nextID++
	s.listeners[ev] = append(s.listeners[ev], entry{id: s.nextID, fn: fn})

	if ev == EventData || ev == EventReadable {
		if s.mode == ReadModeConsumed && s.consumer != nil {
			s.consumer.Unconsume()
		}
	}

	if ev == EventData && s.flowing == flowUnset {
		s.Resume()
	}

	return Subscription{event: ev, id: s.nextID}
}

// Off removes a listener. Removing an unknown subscription is a no-op.
func (s *Socket) Off(sub Subscription) {
	ls := s.listeners[sub.event]
	for i := range ls {
		if ls[i].id == sub.id {
			s.listeners[sub.event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// ListenerCount reports how many listeners are registered for ev.
func (s *Socket) ListenerCount(ev Event) int {
	return len(s.listeners[ev])
}

func (s *Socket) emit(sig Signal) {
	ls := s.listeners[sig.Event]
	if len(ls) == 0 {
		return
	}

	snapshot := make([]entry, len(ls))
	copy(snapshot, ls)
	for _, e := range snapshot {
		e.fn(sig)
	}
}

// Source returns the backend's native inbound buffer, if any.
func (s *Socket) Source() Source {
	return s.backend.Source()
}

// Mode reports the current read mode.
func (s *Socket) Mode() ReadMode {
	return s.mode
}

// Consume switches to ReadModeConsumed: c pulls bytes from the Source and
// data signals stop.
func (s *Socket) Consume(c Consumer) {
	s.mode = ReadModeConsumed
	s.consumer = c
}

// Unconsume switches to ReadModeStandard and restarts reading so bytes left
// in the Source are delivered as chunks.
func (s *Socket) Unconsume() {
	if s.mode != ReadModeConsumed {
		return
	}

	s.mode = ReadModeStandard
	s.consumer = nil
	if s.flowing != flowOff && !s.destroyed {
		s.reading = true
		s.backend.StartReading()
	}
}

// Parser returns the attached parser, or nil.
func (s *Socket) Parser() Parser {
	return s.parser
}

// SetParser sets or clears the attached parser reference.
func (s *Socket) SetParser(p Parser) {
	s.parser = p
}

// Paused reports the backpressure flag set by the owner of the socket. It is
// independent of the flowing state toggled by Pause and Resume.
func (s *Socket) Paused() bool {
	return s.paused
}

// SetPaused sets the backpressure flag.
func (s *Socket) SetPaused(paused bool) {
	s.paused = paused
}

// Flowing reports whether inbound chunks are being delivered.
func (s *Socket) Flowing() bool {
	return s.flowing == flowOn
}

// ResetFlowing puts the socket back into its initial state: neither flowing
// nor explicitly paused. The next EventData subscription starts the flow.
func (s *Socket) ResetFlowing() {
	s.flowing = flowUnset
}

// Pause stops delivery of inbound chunks.
func (s *Socket) Pause() {
	s.enter()
	defer s.leave()

	if s.flowing == flowOff {
		return
	}

	s.flowing = flowOff
	s.emit(Signal{Event: EventPause})
	if s.mode != ReadModeConsumed {
		s.ReadStop()
	}
}

// Resume restarts delivery. The resume signal and any held chunks are
// delivered once the current dispatch unwinds, so a listener must check the
// flags it cares about when it actually runs.
func (s *Socket) Resume() {
	s.enter()
	defer s.leave()

	if s.flowing == flowOn {
		return
	}

	s.flowing = flowOn
	s.nextTick(func() {
		if s.destroyed {
			return
		}

		s.emit(Signal{Event: EventResume})
		s.flushPending()
		if s.mode != ReadModeConsumed && s.flowing == flowOn {
			s.ReadStart()
		}
	})
}

// Reading reports whether the backend is currently asked to read.
func (s *Socket) Reading() bool {
	return s.reading
}

// ReadStart asks the backend to read again.
func (s *Socket) ReadStart() {
	if s.reading || s.destroyed {
		return
	}

	s.reading = true
	s.backend.StartReading()
}

// ReadStop asks the backend to stop reading. Bytes already read stay in the
// Source or are held until the socket flows again.
func (s *Socket) ReadStop() {
	if !s.reading {
		return
	}

	s.reading = false
	s.backend.StopReading()
}

// Push delivers an inbound chunk. Backends without a Source call it for each
// read; the socket takes ownership of b.
func (s *Socket) Push(b []byte) {
	s.enter()
	defer s.leave()

	if s.readEnded {
		return
	}

	s.push(b)
}

func (s *Socket) push(b []byte) {
	if s.destroyed || len(b) == 0 {
		return
	}

	if s.flowing != flowOn || len(s.pending) > 0 {
		s.pending = append(s.pending, b)
		s.emit(Signal{Event: EventReadable})
		return
	}

	s.emit(Signal{Event: EventData, Data: b})
}

// Readable tells the socket that its backend's Source has new bytes.
func (s *Socket) Readable() {
	s.enter()
	defer s.leave()

	if s.destroyed {
		return
	}

	if s.mode == ReadModeConsumed {
		if s.reading && s.consumer != nil {
			s.consumer.Readable()
		}
		s.maybeEnd()
		return
	}

	src := s.backend.Source()
	if src == nil || s.flowing == flowOff {
		return
	}

	n := src.InboundBuffered()
	if n == 0 {
		return
	}

	buf, err := src.Peek(n)
	if err != nil {
		s.Destroy(err)
		return
	}

	chunk := bytes.Clone(buf)
	if _, err = src.Discard(len(buf)); err != nil {
		s.Destroy(err)
		return
	}

	s.push(chunk)
	s.maybeEnd()
}

// Read pops a chunk held while the socket was not flowing.
func (s *Socket) Read() []byte {
	if len(s.pending) == 0 {
		return nil
	}

	b := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return b
}

func (s *Socket) flushPending() {
	for s.flowing == flowOn && len(s.pending) > 0 && !s.destroyed {
		b := s.Read()
		s.emit(Signal{Event: EventData, Data: b})
	}

	s.maybeEnd()
}

// PushEnd reports that the remote peer will send no more bytes.
func (s *Socket) PushEnd() {
	s.enter()
	defer s.leave()

	if s.destroyed || s.readEnded {
		return
	}

	s.readEnded = true
	if !s.inboundDrained() {
		s.endPending = true
		return
	}

	s.emitEnd()
}

// inboundDrained reports whether every byte read before the end has been
// delivered, either as a chunk or through the Source.
func (s *Socket) inboundDrained() bool {
	if len(s.pending) > 0 {
		return false
	}

	src := s.backend.Source()
	return src == nil || src.InboundBuffered() == 0
}

// maybeEnd emits a deferred end once the inbound bytes are gone.
func (s *Socket) maybeEnd() {
	if s.endPending && !s.destroyed && s.inboundDrained() {
		s.endPending = false
		s.emitEnd()
	}
}

func (s *Socket) emitEnd() {
	s.emit(Signal{Event: EventEnd})
	s.maybeClose()
}

// ReadEnded reports whether the remote peer half-closed.
func (s *Socket) ReadEnded() bool {
	return s.readEnded
}

// Write queues b. The returned bool is false once the write queue has grown
// past the high-water mark; callers should then wait for EventDrain.
func (s *Socket) Write(b []byte) (bool, error) {
	s.enter()
	defer s.leave()

	if !s.writable || s.destroyed {
		return false, ErrNotWritable
	}

	n := len(b)
	s.writeQueued += n
	if err := s.backend.Write(b, func(err error) { s.written(n, err) }); err != nil {
		s.writeQueued -= n
		s.Destroy(err)
		return false, err
	}

	return s.writeQueued < s.highWaterMark, nil
}

func (s *Socket) written(n int, err error) {
	s.enter()
	defer s.leave()

	s.writeQueued -= n
	if s.writeQueued < 0 {
		s.writeQueued = 0
	}

	if err != nil {
		s.Destroy(err)
		return
	}

	if s.writeQueued == 0 && !s.destroyed {
		if s.ending && !s.writeClosed {
			s.closeWrite()
		}
		s.emit(Signal{Event: EventDrain})
	}
}

// WriteQueued reports the bytes handed to the backend and not yet flushed.
func (s *Socket) WriteQueued() int {
	return s.writeQueued
}

// HighWaterMark reports the write-queue threshold.
func (s *Socket) HighWaterMark() int {
	return s.highWaterMark
}

// Writable reports whether Write may still be called.
func (s *Socket) Writable() bool {
	return s.writable && !s.destroyed
}

// End closes the write side once every queued write has been flushed.
func (s *Socket) End() {
	s.enter()
	defer s.leave()

	if s.ending || s.destroyed {
		return
	}

	s.ending = true
	s.writable = false
	if s.writeQueued == 0 {
		s.closeWrite()
	}
}

// DestroySoon ends the write side and destroys the socket once the queued
// writes are flushed, without waiting for the peer to end its side.
func (s *Socket) DestroySoon() {
	s.enter()
	defer s.leave()

	if s.destroyed {
		return
	}

	s.destroySoon = true
	if s.writeClosed {
		s.Destroy(nil)
		return
	}

	s.End()
}

func (s *Socket) closeWrite() {
	s.writeClosed = true
	if err := s.backend.CloseWrite(); err != nil {
		s.Destroy(err)
		return
	}

	if s.destroySoon {
		s.Destroy(nil)
		return
	}

	s.maybeClose()
}

// WriteClosed reports whether the write side has actually been closed.
func (s *Socket) WriteClosed() bool {
	return s.writeClosed
}

func (s *Socket) maybeClose() {
	if s.readEnded && s.writeClosed && !s.destroyed {
		s.Destroy(nil)
	}
}

// Destroy tears the connection down. A non-nil err is delivered as
// EventError first; EventClose follows once the current dispatch unwinds.
// Only the first call has any effect.
func (s *Socket) Destroy(err error) {
	s.enter()
	defer s.leave()

	if s.destroyed {
		return
	}

	s.destroyed = true
	s.writable = false
	s.pending = nil
	_ = s.backend.Close()

	if err != nil {
		s.emit(Signal{Event: EventError, Err: err})
	}

	s.nextTick(func() {
		if s.closed {
			return
		}

		s.closed = true
		s.emit(Signal{Event: EventClose, Err: err})
	})
}

// Closed reports whether the backend reported its own closure.
func (s *Socket) Closed(err error) {
	s.Destroy(err)
}

// Destroyed reports whether Destroy has been called.
func (s *Socket) Destroyed() bool {
	return s.destroyed
}

// IsClosed reports whether EventClose has been delivered.
func (s *Socket) IsClosed() bool {
	return s.closed
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() net.Addr {
	return s.backend.RemoteAddr()
}
