package h1

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/albertbausili/h1bind/internal/socket"
)

// State is the lifecycle position of an Adapter.
type State uint8

const (
	StateAttaching State = iota
	StateActive
	StateUpgrading
	StateHalfClosing
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateUpgrading:
		return "upgrading"
	case StateHalfClosing:
		return "half-closing"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes an Adapter.
type Config struct {
	// Kind is KindRequest on the server side and KindResponse on the client
	// side.
	Kind Kind
	// ZeroCopy lets the parser read the socket's native Source directly
	// when it has one.
	ZeroCopy bool
	// AllowHalfOpen keeps the write side open after the peer ends its side,
	// until the outstanding responses are done.
	AllowHalfOpen bool
	// HighWaterMark is the outgoing backlog above which reading pauses. It
	// defaults to the socket's own high-water mark.
	HighWaterMark int

	Metrics *Metrics
	Logger  *zap.Logger
}

// Hooks are the adapter's observers. A nil hook means nobody handles the
// event; for client errors and upgrades the adapter then destroys the
// socket itself.
type Hooks struct {
	// OnMessage is called once a message head is parsed. Server side, res
	// answers msg; client side, res is nil. Upgrade and CONNECT requests
	// never reach it.
	OnMessage func(msg *Message, res *Response)
	// OnMessageComplete is called once the body of msg is in.
	OnMessageComplete func(msg *Message, res *Response)
	// OnCheckContinue replaces OnMessage for requests carrying
	// Expect: 100-continue. When nil, 100 Continue is sent automatically.
	OnCheckContinue func(msg *Message, res *Response)
	// OnClientError receives parse and transport errors. When nil the
	// socket is destroyed with the error.
	OnClientError func(err error, sock *socket.Socket)
	// OnUpgrade and OnConnect take over the socket. head holds the bytes
	// that followed the request head. When nil the socket is destroyed.
	OnUpgrade func(msg *Message, sock *socket.Socket, head []byte)
	OnConnect func(msg *Message, sock *socket.Socket, head []byte)
	// OnClose is called once the socket is closed.
	OnClose func()
	// SkipBody tells a client-side parser that a response has no body, as
	// for a response to HEAD.
	SkipBody func(msg *Message) bool
}

// Adapter binds a pooled Parser to a Socket for the lifetime of the
// connection. Every method runs on the socket's goroutine.
type Adapter struct {
	pool    *ParserPool
	sock    *socket.Socket
	parser  *Parser
	cfg     Config
	hooks   Hooks
	flow    *FlowController
	state   State
	log     *zap.Logger
	metrics *Metrics

	incoming []*Message
	active   *Response
	queue    []*Response

	errSub         socket.Subscription
	errSilenced    bool
	parserCloseSub socket.Subscription
	closeSub       socket.Subscription
	endSub         socket.Subscription
	dataSub        socket.Subscription
	drainSub       socket.Subscription
	pauseSub       socket.Subscription
	resumeSub      socket.Subscription
}

// Attach allocates a parser from pp and binds it to sock.
func Attach(pp *ParserPool, sock *socket.Socket, cfg Config, hooks Hooks) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = sock.HighWaterMark()
	}

	a := &Adapter{
		pool:    pp,
		sock:    sock,
		cfg:     cfg,
		hooks:   hooks,
		state:   StateAttaching,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
	a.flow = NewFlowController(a, cfg.HighWaterMark)

	p := pp.Alloc()
	p.Reinitialize(cfg.Kind)
	p.sock = sock
	sock.SetParser(p)
	p.OnIncoming = a.onIncoming
	p.OnMessageComplete = a.onMessageComplete
	a.parser = p

	a.errSub = sock.On(socket.EventError, a.onSocketError)
	a.parserCloseSub = sock.On(socket.EventClose, a.onSocketCloseParser)
	a.closeSub = sock.On(socket.EventClose, a.onSocketClose)
	a.endSub = sock.On(socket.EventEnd, a.onSocketEnd)
	a.dataSub = sock.On(socket.EventData, a.onSocketData)
	a.drainSub = sock.On(socket.EventDrain, a.onSocketDrain)

	zeroCopy := false
	if cfg.ZeroCopy {
		if src := sock.Source(); src != nil {
			p.Consume(src)
			p.OnExecute = a.onExecute
			sock.Consume(a)
			a.pauseSub = sock.On(socket.EventPause, a.onSocketPause)
			a.resumeSub = sock.On(socket.EventResume, a.onSocketResume)
			zeroCopy = true
		}
	}

	sock.SetPaused(false)
	a.state = StateActive
	a.metrics.connOpened()
	a.log.Debug("parser attached", zap.Stringer("kind", cfg.Kind), zap.Bool("zero_copy", zeroCopy))

	return a
}

// State reports the adapter's lifecycle state.
func (a *Adapter) State() State {
	return a.state
}

// Parser returns the attached parser, or nil once it was released.
func (a *Adapter) Parser() *Parser {
	return a.parser
}

// Socket returns the bound socket.
func (a *Adapter) Socket() *socket.Socket {
	return a.sock
}

// Flow returns the adapter's flow controller.
func (a *Adapter) Flow() *FlowController {
	return a.flow
}

// Active returns the response currently writing to the socket.
func (a *Adapter) Active() *Response {
	return a.active
}

// Queued reports how many responses wait behind the active one.
func (a *Adapter) Queued() int {
	return len(a.queue)
}

func (a *Adapter) onSocketData(sig socket.Signal) {
	p := a.parser
	if p == nil || a.state == StateErrored {
		return
	}

	n, err := p.Execute(sig.Data)
	a.onExecute(n, err)
}

// onExecute handles the result of one parse step, whether it was fed a
// chunk or pulled from the consumed Source.
func (a *Adapter) onExecute(n int, err error) {
	p := a.parser
	if p == nil || a.state == StateErrored {
		return
	}

	if err != nil {
		p.Pause()
		a.clientError(err, "parse")
		return
	}

	if p.Upgraded() {
		a.upgrade(p, n)
		return
	}

	// Stop the parser from reading ahead of a paused application.
	if a.sock.Paused() && a.parser != nil {
		a.parser.Pause()
	}
}

func (a *Adapter) upgrade(p *Parser, n int) {
	a.state = StateUpgrading
	msg := p.Incoming()

	var head []byte
	if cur := p.CurrentBuffer(); n < len(cur) {
		head = bytes.Clone(cur[n:])
	}

	a.sock.Off(a.dataSub)
	a.sock.Off(a.endSub)
	a.sock.Off(a.parserCloseSub)
	a.sock.Off(a.closeSub)
	a.sock.Off(a.drainSub)
	a.sock.Off(a.errSub)
	if p.Consumed() {
		a.Unconsume()
	}

	_ = p.Finish()
	a.sock.ResetFlowing()
	a.sock.SetPaused(false)
	FreeParser(a.pool, p, msg, a.sock)
	a.parser = nil
	a.metrics.connClosed()

	kind, hook := "upgrade", a.hooks.OnUpgrade
	if msg.IsConnect() {
		kind, hook = "connect", a.hooks.OnConnect
	}

	if hook == nil {
		a.metrics.upgrade(kind, "destroyed")
		a.log.Debug("no handler for protocol switch", zap.String("kind", kind))
		a.sock.Destroy(nil)
		return
	}

	a.metrics.upgrade(kind, "handled")
	a.log.Debug("protocol switch", zap.String("kind", kind), zap.Int("head", len(head)))
	hook(msg, a.sock, head)
}

func (a *Adapter) onIncoming(msg *Message) bool {
	if msg.Upgrade {
		return false
	}

	if a.cfg.Kind == KindResponse {
		skip := a.hooks.SkipBody != nil && a.hooks.SkipBody(msg)
		if a.hooks.OnMessage != nil {
			a.hooks.OnMessage(msg, nil)
		}
		return skip
	}

	a.incoming = append(a.incoming, msg)

	// A peer pipelining faster than we answer is read no further until the
	// answers drain.
	if !a.sock.Paused() {
		if a.sock.WriteQueued() >= a.sock.HighWaterMark() || a.flow.Backlog() >= a.flow.HighWaterMark() {
			a.Pause()
		}
	}

	res := newResponse(a, msg)
	msg.response = res
	if a.active != nil {
		a.queue = append(a.queue, res)
	} else {
		a.assign(res)
	}

	if msg.ExpectContinue && a.hooks.OnCheckContinue != nil {
		a.hooks.OnCheckContinue(msg, res)
		return false
	}

	if msg.ExpectContinue {
		_ = res.WriteContinue()
	}

	if a.hooks.OnMessage != nil {
		a.hooks.OnMessage(msg, res)
	}

	return false
}

func (a *Adapter) onMessageComplete(msg *Message) {
	a.metrics.message()
	if a.hooks.OnMessageComplete != nil {
		a.hooks.OnMessageComplete(msg, msg.response)
	}
}

func (a *Adapter) assign(res *Response) {
	a.active = res
	res.active = true
	if a.parser != nil {
		a.parser.outgoing = res
	}

	if err := res.flushPending(); err != nil {
		a.log.Debug("flush queued response", zap.Error(err))
	}

	if res.ended {
		a.responseFinished(res)
	}
}

func (a *Adapter) responseFinished(res *Response) {
	if res.finished {
		return
	}

	res.finished = true
	res.active = false
	for i, m := range a.incoming {
		if m == res.req {
			a.incoming = append(a.incoming[:i], a.incoming[i+1:]...)
			break
		}
	}

	a.active = nil
	if a.parser != nil && a.parser.outgoing == res {
		a.parser.outgoing = nil
	}

	if res.Last || !res.keepAlive {
		a.sock.DestroySoon()
		return
	}

	if len(a.queue) != 0 {
		next := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.assign(next)
	}
}

func (a *Adapter) write(res *Response, b []byte) error {
	ok, err := a.sock.Write(b)
	if err != nil {
		return err
	}

	if !ok {
		res.needDrain = true
	}

	return nil
}

func (a *Adapter) onSocketEnd(socket.Signal) {
	p := a.parser
	if p == nil || a.state == StateErrored {
		return
	}

	if err := p.Finish(); err != nil {
		a.clientError(err, "parse")
		return
	}

	a.state = StateHalfClosing
	switch {
	case !a.cfg.AllowHalfOpen:
		a.abortIncoming()
		if a.sock.Writable() {
			a.sock.End()
		}
	case len(a.queue) != 0:
		a.queue[len(a.queue)-1].Last = true
	case a.active != nil:
		a.active.Last = true
	case a.sock.Writable():
		a.sock.End()
	}
}

func (a *Adapter) abortIncoming() {
	if a.parser != nil {
		if m := a.parser.Incoming(); m != nil {
			m.Abort()
		}
	}

	for _, m := range a.incoming {
		m.Abort()
	}
	a.incoming = nil
}

func (a *Adapter) onSocketError(sig socket.Signal) {
	a.clientError(sig.Err, "transport")
}

// clientError routes a parse or transport error to OnClientError, or
// destroys the socket. Later socket errors are swallowed.
func (a *Adapter) clientError(err error, cause string) {
	a.state = StateErrored
	if !a.errSilenced {
		a.errSilenced = true
		a.sock.Off(a.errSub)
		a.errSub = a.sock.On(socket.EventError, func(socket.Signal) {})
	}

	a.metrics.clientError(cause)
	a.log.Debug("client error", zap.String("cause", cause), zap.Error(err))

	if a.hooks.OnClientError != nil {
		a.hooks.OnClientError(err, a.sock)
		return
	}

	a.sock.Destroy(err)
}

func (a *Adapter) onSocketCloseParser(socket.Signal) {
	p := a.parser
	if p == nil {
		return
	}

	if m := p.Incoming(); m != nil {
		m.Abort()
	}

	FreeParser(a.pool, p, nil, a.sock)
	a.parser = nil
}

func (a *Adapter) onSocketClose(socket.Signal) {
	a.abortIncoming()
	a.unsubscribe()
	a.state = StateClosed
	a.metrics.connClosed()

	if a.hooks.OnClose != nil {
		a.hooks.OnClose()
	}
}

func (a *Adapter) unsubscribe() {
	for _, sub := range []socket.Subscription{
		a.errSub, a.parserCloseSub, a.closeSub, a.endSub,
		a.dataSub, a.drainSub, a.pauseSub, a.resumeSub,
	} {
		a.sock.Off(sub)
	}
}

func (a *Adapter) onSocketDrain(socket.Signal) {
	a.flow.Check()

	if res := a.active; res != nil && !res.finished && res.needDrain {
		res.needDrain = false
		if res.OnDrain != nil {
			res.OnDrain()
		}
	}
}

func (a *Adapter) onSocketPause(socket.Signal) {
	a.sock.ReadStop()
}

// onSocketResume runs when the resume signal is delivered, which may be
// well after Resume was called; the pause flag decides.
func (a *Adapter) onSocketResume(socket.Signal) {
	if a.sock.Paused() {
		a.sock.Pause()
		return
	}

	a.sock.ReadStart()
}

// Readable implements socket.Consumer.
func (a *Adapter) Readable() {
	if a.parser != nil {
		a.parser.Readable()
	}
}

// Unconsume implements socket.Consumer: the parser leaves the Source and
// the socket goes back to delivering chunks.
func (a *Adapter) Unconsume() {
	if p := a.parser; p != nil && p.Consumed() {
		p.Unconsume()
		p.OnExecute = nil
	}

	a.sock.Off(a.pauseSub)
	a.sock.Off(a.resumeSub)
	a.sock.Unconsume()
}

// Paused implements Valve.
func (a *Adapter) Paused() bool {
	return a.sock.Paused()
}

// Pause implements Valve.
func (a *Adapter) Pause() {
	a.sock.SetPaused(true)
	a.sock.Pause()
	a.metrics.paused()
}

// Resume implements Valve. Reading stays paused while the socket's write
// queue is at or above its high-water mark; the next drain retries.
func (a *Adapter) Resume() {
	if a.sock.WriteQueued() >= a.sock.HighWaterMark() {
		return
	}

	a.sock.SetPaused(false)
	if a.parser != nil {
		a.parser.Resume()
	}
	a.sock.Resume()
	a.metrics.resumed()
}
