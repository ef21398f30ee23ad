package socket

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type connWrite struct {
	buf  []byte
	done func(error)
}

// connBackend drives a Socket over a plain net.Conn. Three goroutines
// cooperate: the event loop runs every Socket entry point, the reader feeds
// Push and PushEnd, the writer flushes queued writes in order.
type connBackend struct {
	conn net.Conn
	sock *Socket

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	writes  []connWrite
	reading bool
	stopped bool
	// panicked holds a value recovered on the event loop.
	panicked any

	readBufferSize int
}

// Serve runs a Socket over c until the connection is torn down. setup is
// called on the socket's event loop before the first read; it is where the
// caller attaches its parser. The returned error is the first read or write
// failure other than the peer or the socket closing the connection. A panic
// on the event loop closes the connection and is re-raised on the caller's
// goroutine once the reader and writer have stopped.
func Serve(c net.Conn, opts Options, setup func(*Socket)) error {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}

	b := &connBackend{
		conn:           c,
		readBufferSize: opts.ReadBufferSize,
	}
	b.cond = sync.NewCond(&b.mu)
	b.sock = New(b, opts)

	sock := b.sock
	b.Post(func() {
		sock.enter()
		defer sock.leave()

		setup(sock)
		if sock.Reading() && !sock.Destroyed() {
			b.StartReading()
		}
	})

	var g errgroup.Group
	g.Go(func() error {
		b.loop()
		return nil
	})
	g.Go(b.readLoop)
	g.Go(b.writeLoop)

	err := g.Wait()
	if b.panicked != nil {
		panic(b.panicked)
	}

	return err
}

func (b *connBackend) loop() {
	defer func() {
		if v := recover(); v != nil {
			b.mu.Lock()
			b.panicked = v
			b.mu.Unlock()
			_ = b.Close()
		}
	}()

	for {
		b.mu.Lock()
		for len(b.tasks) == 0 && !b.stopped {
			b.cond.Wait()
		}
		tasks := b.tasks
		b.tasks = nil
		stopped := b.stopped
		b.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}

		if stopped && len(tasks) == 0 {
			return
		}
	}
}

func (b *connBackend) readLoop() error {
	buf := make([]byte, b.readBufferSize)
	for {
		b.mu.Lock()
		for !b.reading && !b.stopped {
			b.cond.Wait()
		}
		stopped := b.stopped
		b.mu.Unlock()

		if stopped {
			return nil
		}

		n, err := b.conn.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			b.Post(func() { b.sock.Push(chunk) })
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			b.Post(b.sock.PushEnd)
			return nil
		case errors.Is(err, net.ErrClosed):
			return nil
		default:
			b.Post(func() { b.sock.Destroy(err) })
			return err
		}
	}
}

func (b *connBackend) writeLoop() error {
	for {
		b.mu.Lock()
		for len(b.writes) == 0 && !b.stopped {
			b.cond.Wait()
		}
		if b.stopped {
			b.mu.Unlock()
			return nil
		}
		w := b.writes[0]
		b.writes[0] = connWrite{}
		b.writes = b.writes[1:]
		b.mu.Unlock()

		_, err := b.conn.Write(w.buf)
		b.Post(func() { w.done(err) })
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
}

func (b *connBackend) Write(buf []byte, done func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return net.ErrClosed
	}

	b.writes = append(b.writes, connWrite{buf: buf, done: done})
	b.cond.Broadcast()
	return nil
}

func (b *connBackend) CloseWrite() error {
	if cw, ok := b.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}

	return b.Close()
}

func (b *connBackend) Close() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.writes = nil
	b.cond.Broadcast()
	b.mu.Unlock()

	return b.conn.Close()
}

func (b *connBackend) StartReading() {
	b.mu.Lock()
	b.reading = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *connBackend) StopReading() {
	b.mu.Lock()
	b.reading = false
	b.mu.Unlock()
}

// Source returns nil: every read is copied and delivered through Push.
func (b *connBackend) Source() Source {
	return nil
}

func (b *connBackend) Post(fn func()) {
	b.mu.Lock()
	b.tasks = append(b.tasks, fn)
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *connBackend) RemoteAddr() net.Addr {
	return b.conn.RemoteAddr()
}
