package h1

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dchest/uniuri"
	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/albertbausili/h1bind/internal/date"
	"github.com/albertbausili/h1bind/internal/socket"
)

// overloaded is sent to connections refused by MaxConnections.
var overloaded = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 19\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable")

// HooksFunc builds the hooks for one connection. log is the connection's
// logger.
type HooksFunc func(sock *socket.Socket, log *zap.Logger) Hooks

// ServerConfig defines the configuration of a Server.
type ServerConfig struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	ReadBufferCap  int
	MaxConnections uint32
	// HighWaterMark is the socket write-queue threshold.
	HighWaterMark int
	// Adapter is copied for every connection; its Logger is replaced by a
	// per-connection child of Logger.
	Adapter Config
	Logger  *zap.Logger
}

// Server accepts connections, on gnet event loops or from a net.Listener,
// and binds each to a parser from a shared pool.
type Server struct {
	gnet.BuiltinEventEngine

	cfg      ServerConfig
	pool     *ParserPool
	newHooks HooksFunc
	log      *zap.Logger

	activeConns atomic.Int32

	mu        sync.Mutex
	engine    gnet.Engine
	booted    bool
	stopDate  func()
	listeners map[net.Listener]struct{}
}

// NewServer creates a server drawing parsers from pool.
func NewServer(cfg ServerConfig, pool *ParserPool, newHooks HooksFunc) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Server{
		cfg:       cfg,
		pool:      pool,
		newHooks:  newHooks,
		log:       cfg.Logger,
		listeners: make(map[net.Listener]struct{}),
	}
}

// ActiveConnections reports the open connections.
func (s *Server) ActiveConnections() int {
	return int(s.activeConns.Load())
}

// ListenAndServe runs gnet event loops on cfg.Addr until Stop is called.
func (s *Server) ListenAndServe() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(s.log.Sugar()),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}

	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}

	if s.cfg.ReadBufferCap > 0 {
		options = append(options, gnet.WithReadBufferCap(s.cfg.ReadBufferCap))
	}

	s.log.Info("starting HTTP/1 server", zap.String("addr", s.cfg.Addr), zap.Bool("multicore", s.cfg.Multicore))
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Serve accepts connections from ln, serving each on its own goroutines,
// until ln is closed. Connection goroutines are recycled through a worker
// pool.
func (s *Server) Serve(ln net.Listener) error {
	workers, err := ants.NewPool(-1, ants.WithPanicHandler(func(v any) {
		s.log.Error("connection panicked", zap.Any("panic", v), zap.Stack("stack"))
	}))
	if err != nil {
		return err
	}
	defer workers.Release()

	s.mu.Lock()
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	stop := date.StartTicker()
	defer stop()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		err = workers.Submit(func() {
			if err := s.ServeConn(c); err != nil {
				s.log.Debug("connection ended with error", zap.Error(err))
			}
		})
		if err != nil {
			s.log.Warn("connection dropped", zap.Error(err))
			_ = c.Close()
		}
	}
}

// ServeConn serves a single connection and returns once it is closed.
func (s *Server) ServeConn(c net.Conn) error {
	if !s.admit() {
		_, _ = c.Write(overloaded)
		return c.Close()
	}
	defer s.activeConns.Add(-1)

	opts := socket.Options{HighWaterMark: s.cfg.HighWaterMark, ReadBufferSize: s.cfg.ReadBufferCap}
	return socket.Serve(c, opts, func(sock *socket.Socket) {
		s.attach(sock)
	})
}

// Stop shuts the gnet engine down and closes the listeners given to Serve.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	eng, booted := s.engine, s.booted
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	if !booted {
		return nil
	}

	s.log.Info("shutting down HTTP/1 server")
	return eng.Stop(ctx)
}

func (s *Server) admit() bool {
	n := s.activeConns.Add(1)
	if s.cfg.MaxConnections > 0 && uint32(n) > s.cfg.MaxConnections {
		s.activeConns.Add(-1)
		s.log.Warn("connection refused", zap.Int32("active", n-1), zap.Uint32("max", s.cfg.MaxConnections))
		return false
	}

	return true
}

func (s *Server) attach(sock *socket.Socket) *Adapter {
	log := s.log.With(zap.String("conn", uniuri.NewLen(10)))
	if addr := sock.RemoteAddr(); addr != nil {
		log = log.With(zap.String("remote", addr.String()))
	}

	cfg := s.cfg.Adapter
	cfg.Logger = log

	var hooks Hooks
	if s.newHooks != nil {
		hooks = s.newHooks(sock, log)
	}

	return Attach(s.pool, sock, cfg, hooks)
}

// OnBoot is called when the engine is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.mu.Lock()
	s.engine = eng
	s.booted = true
	s.stopDate = date.StartTicker()
	s.mu.Unlock()

	s.log.Info("HTTP/1 server listening", zap.String("addr", s.cfg.Addr))
	return gnet.None
}

// OnShutdown is called when the engine stops.
func (s *Server) OnShutdown(gnet.Engine) {
	s.mu.Lock()
	s.booted = false
	if s.stopDate != nil {
		s.stopDate()
		s.stopDate = nil
	}
	s.mu.Unlock()
}

// OnOpen binds a socket and an adapter to the new connection.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if !s.admit() {
		return overloaded, gnet.Close
	}

	sock := socket.NewGnet(c, socket.Options{HighWaterMark: s.cfg.HighWaterMark})
	c.SetContext(sock)
	s.attach(sock)

	return nil, gnet.None
}

// OnTraffic hands new inbound bytes to the connection's socket.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	sock, ok := c.Context().(*socket.Socket)
	if !ok {
		return gnet.Close
	}

	sock.Readable()
	return gnet.None
}

// OnClose reports the end of the connection to its socket.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	sock, ok := c.Context().(*socket.Socket)
	if !ok {
		return gnet.None
	}

	s.activeConns.Add(-1)
	c.SetContext(nil)

	if err == nil {
		sock.PushEnd()
	}
	sock.Closed(err)

	return gnet.None
}
