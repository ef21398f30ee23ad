package h1bind

import (
	"context"
	"errors"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/albertbausili/h1bind/internal/h1"
	"github.com/albertbausili/h1bind/internal/socket"
)

// Server represents an HTTP/1.1 server instance.
type Server struct {
	config       Config
	handler      Handler
	errorHandler ErrorHandler
	upgrade      UpgradeHandler
	connect      UpgradeHandler
	metrics      *h1.Metrics
	pool         *h1.ParserPool
	transport    *h1.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	s := &Server{
		config:       config,
		errorHandler: DefaultErrorHandler,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if config.Registerer != nil {
		s.metrics = h1.NewMetrics(config.Registerer, "h1bind")
	}
	s.pool = h1.NewParserPool(config.PoolSize, config.MaxHeaderBytes, s.metrics)

	s.transport = h1.NewServer(h1.ServerConfig{
		Addr:           config.Addr,
		Multicore:      config.Multicore,
		NumEventLoop:   config.NumEventLoop,
		ReusePort:      config.ReusePort,
		ReadBufferCap:  config.ReadBufferCap,
		MaxConnections: config.MaxConnections,
		HighWaterMark:  config.HighWaterMark,
		Adapter: h1.Config{
			Kind:          h1.KindRequest,
			ZeroCopy:      config.ZeroCopy,
			AllowHalfOpen: config.AllowHalfOpen,
			HighWaterMark: config.HighWaterMark,
			Metrics:       s.metrics,
		},
		Logger: config.Logger,
	}, s.pool, s.hooks)

	return s
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ErrorHandler replaces DefaultErrorHandler.
func (s *Server) ErrorHandler(fn ErrorHandler) *Server {
	s.errorHandler = fn
	return s
}

// Upgrade sets the handler for requests carrying Upgrade. Without one,
// such connections are closed.
func (s *Server) Upgrade(fn UpgradeHandler) *Server {
	s.upgrade = fn
	return s
}

// Connect sets the handler for CONNECT requests. Without one, such
// connections are closed.
func (s *Server) Connect(fn UpgradeHandler) *Server {
	s.connect = fn
	return s
}

// ActiveConnections reports the open connections.
func (s *Server) ActiveConnections() int {
	return s.transport.ActiveConnections()
}

// ListenAndServe sets the handler and serves on gnet event loops.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting connections on gnet event loops.
func (s *Server) Start() error {
	if s.handler == nil {
		return errors.New("handler not set")
	}
	return s.transport.ListenAndServe()
}

// Serve accepts connections from ln, each on its own goroutines, until ln
// is closed or Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	if s.handler == nil {
		return errors.New("handler not set")
	}
	return s.transport.Serve(ln)
}

// Stop shuts the server down and cancels the context handed to handlers.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	return s.transport.Stop(ctx)
}

// conn is the per-connection state behind the hooks.
type conn struct {
	s    *Server
	sock *socket.Socket
	log  *zap.Logger

	// responses started and not yet ended
	outstanding int
}

func (s *Server) hooks(sock *socket.Socket, log *zap.Logger) h1.Hooks {
	c := &conn{s: s, sock: sock, log: log}

	hooks := h1.Hooks{
		OnMessage:         c.onMessage,
		OnMessageComplete: c.onMessageComplete,
		OnClientError:     c.onClientError,
	}
	if s.upgrade != nil {
		hooks.OnUpgrade = c.takeOver(s.upgrade)
	}
	if s.connect != nil {
		hooks.OnConnect = c.takeOver(s.connect)
	}

	return hooks
}

func (c *conn) onMessage(_ *h1.Message, res *h1.Response) {
	c.outstanding++
	if c.s.config.DisableKeepAlive {
		res.Last = true
	}
}

func (c *conn) onMessageComplete(msg *h1.Message, res *h1.Response) {
	ctx := newContext(c.s.ctx, msg, res, c.log, c.sock.RemoteAddr())
	defer ctx.release()

	if err := c.s.handler.ServeHTTP1(ctx); err != nil {
		c.handleError(ctx, err)
	}

	if err := ctx.finish(); err != nil {
		c.log.Debug("response not finished cleanly", zap.String("path", ctx.Path()), zap.Error(err))
	}
	c.outstanding--
}

func (c *conn) handleError(ctx *Context, err error) {
	if ctx.Streaming() {
		c.log.Warn("handler failed after the response head was sent", zap.String("path", ctx.Path()), zap.Error(err))
		return
	}

	if herr := c.s.errorHandler(ctx, err); herr != nil {
		c.log.Error("error handler failed", zap.Error(herr))
	}
}

// onClientError answers a malformed request with a bare status when no
// response is in flight, and closes the connection.
func (c *conn) onClientError(err error, sock *socket.Socket) {
	var perr *h1.ParseError
	if !errors.As(err, &perr) || c.outstanding != 0 || !sock.Writable() {
		sock.Destroy(err)
		return
	}

	status := 400
	if errors.Is(err, h1.ErrHeaderOverflow) {
		status = 431
	}

	c.log.Debug("rejecting malformed request", zap.Int("status", status), zap.Error(err))
	_, _ = sock.Write(errorResponse(status))
	sock.DestroySoon()
}

func (c *conn) takeOver(fn UpgradeHandler) func(*h1.Message, *socket.Socket, []byte) {
	return func(msg *h1.Message, sock *socket.Socket, head []byte) {
		fn(newRequest(msg), &Conn{sock: sock}, head)
	}
}

func errorResponse(status int) []byte {
	reason := "Bad Request"
	if status == 431 {
		reason = "Request Header Fields Too Large"
	}

	return []byte("HTTP/1.1 " + strconv.Itoa(status) + " " + reason + "\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: close\r\n\r\n")
}
