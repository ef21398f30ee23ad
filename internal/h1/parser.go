// Package h1 binds a streaming HTTP/1.x parser to a socket: parser pooling
// and reset, read and write backpressure, upgrade and CONNECT handoff,
// half-close handling, and a zero-copy path where the parser reads the
// transport's inbound buffer directly.
package h1

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/indigo-web/chunkedbody"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/h1bind/internal/socket"
)

// DefaultMaxHeaderBytes caps the request or status line plus all header
// lines of one message.
const DefaultMaxHeaderBytes = 16 << 10

type parseState uint8

const (
	stateStartLine parseState = iota
	stateHeaders
	stateBody
	stateChunked
	stateUntilEOF
	stateUpgraded
)

// Parser is a streaming HTTP/1.x tokenizer. Bytes may arrive split at any
// offset; the parser keeps partial lines internally and resets itself after
// every complete message, so pipelined and keep-alive traffic flows through
// a single instance.
//
// A Parser is owned by one connection at a time and is not safe for
// concurrent use.
type Parser struct {
	kind           Kind
	state          parseState
	maxHeaderBytes int
	headBytes      int
	line           []byte
	headers        [][2]string
	msg            *Message
	remaining      int64
	chunked        *chunkedbody.Parser
	trailer        bool
	err            error

	src     socket.Source
	current []byte
	paused  bool
	closed  bool
	pooled  bool

	sock     *socket.Socket
	incoming *Message
	outgoing *Response

	// OnIncoming is called once a message head is parsed. Returning true
	// tells the parser the message has no body, as for a response to HEAD.
	OnIncoming func(msg *Message) (skipBody bool)
	// OnBody receives body bytes as they are decoded. b is only valid for
	// the duration of the call.
	OnBody func(msg *Message, b []byte)
	// OnMessageComplete is called when a message, body included, is done.
	OnMessageComplete func(msg *Message)
	// OnExecute reports the result of each step driven from a consumed
	// Source: bytes parsed from CurrentBuffer and the parse error, if any.
	OnExecute func(n int, err error)
}

// NewParser creates a parser for kind. maxHeaderBytes <= 0 selects
// DefaultMaxHeaderBytes.
func NewParser(kind Kind, maxHeaderBytes int) *Parser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}

	return &Parser{
		kind:           kind,
		maxHeaderBytes: maxHeaderBytes,
	}
}

// Reinitialize prepares the parser for a new connection.
func (p *Parser) Reinitialize(kind Kind) {
	p.kind = kind
	p.resetMessage()
	p.line = p.line[:0]
	p.err = nil
	p.paused = false
	p.current = nil
	p.closed = false
}

func (p *Parser) resetMessage() {
	p.state = stateStartLine
	p.headBytes = 0
	p.headers = nil
	p.msg = nil
	p.remaining = 0
	p.chunked = nil
	p.trailer = false
}

// Kind reports whether the parser reads requests or responses.
func (p *Parser) Kind() Kind {
	return p.kind
}

// Execute parses b and returns how many bytes were consumed. Unless an
// error occurs or an upgrade is detected, every byte is consumed. After an
// upgrade the parser stops right past the head; the remaining bytes belong
// to the new protocol and the parser refuses further input.
func (p *Parser) Execute(b []byte) (int, error) {
	if p.closed {
		return 0, ErrParserClosed
	}

	if p.err != nil {
		return 0, p.err
	}

	p.current = b
	n := 0
	for n < len(b) {
		switch p.state {
		case stateUpgraded:
			return n, nil

		case stateStartLine, stateHeaders:
			line, used, ok, err := p.readLine(b[n:])
			n += used
			if err != nil {
				return n, p.fail(err, n)
			}
			if !ok {
				continue
			}

			if p.state == stateStartLine {
				err = p.startLine(line)
			} else {
				err = p.headerLine(line)
			}
			p.line = p.line[:0]
			if err != nil {
				return n, p.fail(err, n)
			}

		case stateBody:
			take := len(b) - n
			if int64(take) > p.remaining {
				take = int(p.remaining)
			}
			p.body(b[n : n+take])
			n += take
			p.remaining -= int64(take)
			if p.remaining == 0 {
				p.complete()
			}

		case stateChunked:
			data := b[n:]
			chunk, extra, err := p.chunked.Parse(data, p.trailer)
			used := len(data) - len(extra)
			n += used
			if len(chunk) != 0 {
				p.body(chunk)
			}

			switch {
			case err == io.EOF:
				p.complete()
			case err != nil:
				return n, p.fail(&ParseError{Code: CodeInvalidChunk, Reason: err.Error()}, n)
			case used == 0:
				return n, p.fail(&ParseError{Code: CodeInvalidChunk, Reason: "no progress"}, n)
			}

		case stateUntilEOF:
			p.body(b[n:])
			n = len(b)
		}
	}

	return n, nil
}

func (p *Parser) fail(err error, n int) error {
	var perr *ParseError
	if errors.As(err, &perr) {
		e := *perr
		e.BytesParsed = n
		err = &e
	}

	p.err = err
	return err
}

// readLine returns the next complete line without its terminator, or ok
// false when data ends mid-line; the partial line is kept for the next call.
func (p *Parser) readLine(data []byte) (line []byte, used int, ok bool, err error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if p.headBytes+len(p.line)+len(data) > p.maxHeaderBytes {
			return nil, len(data), false, ErrHeaderOverflow
		}

		p.line = append(p.line, data...)
		return nil, len(data), false, nil
	}

	p.headBytes += len(p.line) + idx + 1
	if p.headBytes > p.maxHeaderBytes {
		return nil, idx + 1, false, ErrHeaderOverflow
	}

	if len(p.line) != 0 {
		p.line = append(p.line, data[:idx]...)
		line = p.line
	} else {
		line = data[:idx]
	}

	if n := len(line); n != 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	return line, idx + 1, true, nil
}

func (p *Parser) startLine(line []byte) error {
	// Empty lines ahead of a message are ignored.
	if len(line) == 0 {
		p.headBytes = 0
		return nil
	}

	msg := &Message{
		Kind:          p.kind,
		ContentLength: -1,
		parser:        p,
	}

	var err error
	if p.kind == KindRequest {
		err = parseRequestLine(msg, line)
	} else {
		err = parseStatusLine(msg, line)
	}
	if err != nil {
		return err
	}

	p.msg = msg
	p.incoming = msg
	p.state = stateHeaders
	return nil
}

func parseRequestLine(msg *Message, line []byte) error {
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return &ParseError{Code: CodeInvalidMethod, Reason: "missing method"}
	}

	method := line[:sp]
	if !validTokenBytes(method) {
		return &ParseError{Code: CodeInvalidMethod, Reason: strconv.Quote(string(method))}
	}

	rest := line[sp+1:]
	sp = bytes.LastIndexByte(rest, ' ')
	if sp <= 0 {
		return &ParseError{Code: CodeInvalidURL, Reason: "missing request target"}
	}

	target := rest[:sp]
	for _, c := range target {
		if c <= ' ' || c == 0x7f {
			return &ParseError{Code: CodeInvalidURL, Reason: "illegal byte in request target"}
		}
	}

	major, minor, ok := parseVersion(rest[sp+1:])
	if !ok {
		return &ParseError{Code: CodeInvalidVersion, Reason: strconv.Quote(string(rest[sp+1:]))}
	}

	msg.Method = string(method)
	msg.URL = string(target)
	msg.Proto = string(rest[sp+1:])
	msg.Major, msg.Minor = major, minor
	return nil
}

func parseStatusLine(msg *Message, line []byte) error {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		sp = len(line)
	}

	major, minor, ok := parseVersion(line[:sp])
	if !ok {
		return &ParseError{Code: CodeInvalidVersion, Reason: strconv.Quote(string(line[:sp]))}
	}

	rest := line[min(sp+1, len(line)):]
	if len(rest) < 3 {
		return &ParseError{Code: CodeInvalidStatus, Reason: "short status code"}
	}

	code := 0
	for _, c := range rest[:3] {
		if c < '0' || c > '9' {
			return &ParseError{Code: CodeInvalidStatus, Reason: strconv.Quote(string(rest[:3]))}
		}
		code = code*10 + int(c-'0')
	}
	if code < 100 {
		return &ParseError{Code: CodeInvalidStatus, Reason: strconv.Itoa(code)}
	}

	if len(rest) > 3 {
		if rest[3] != ' ' {
			return &ParseError{Code: CodeInvalidStatus, Reason: "missing space after status code"}
		}
		msg.Status = string(rest[4:])
	}

	msg.Proto = string(line[:sp])
	msg.Major, msg.Minor = major, minor
	msg.StatusCode = code
	return nil
}

// parseVersion accepts HTTP/1.0 and HTTP/1.1.
func parseVersion(b []byte) (major, minor int, ok bool) {
	if len(b) != len("HTTP/1.1") || uf.B2S(b[:5]) != "HTTP/" || b[6] != '.' {
		return 0, 0, false
	}

	if b[5] != '1' || (b[7] != '0' && b[7] != '1') {
		return 0, 0, false
	}

	return 1, int(b[7] - '0'), true
}

func (p *Parser) headerLine(line []byte) error {
	if len(line) == 0 {
		return p.headersComplete()
	}

	if line[0] == ' ' || line[0] == '\t' {
		return &ParseError{Code: CodeInvalidHeader, Reason: "obsolete line folding"}
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return &ParseError{Code: CodeInvalidHeader, Reason: "missing colon"}
	}

	name := line[:colon]
	if !validTokenBytes(name) {
		return &ParseError{Code: CodeInvalidHeader, Reason: strconv.Quote(string(name))}
	}

	value := string(bytes.Trim(line[colon+1:], " \t"))
	if !httpguts.ValidHeaderFieldValue(value) {
		return &ParseError{Code: CodeInvalidHeader, Reason: "illegal byte in value of " + string(name)}
	}

	p.headers = append(p.headers, [2]string{string(name), value})
	return nil
}

func (p *Parser) headersComplete() error {
	msg := p.msg
	msg.Headers = p.headers
	p.headers = nil

	var (
		connUpgrade, connClose, connKeepAlive bool
		hasUpgrade, hasTE                     bool
	)

	for _, h := range msg.Headers {
		name, value := h[0], h[1]
		switch {
		case strcomp.EqualFold(name, "Content-Length"):
			n, err := parseContentLength(value)
			if err != nil {
				return &ParseError{Code: CodeInvalidContentLength, Reason: strconv.Quote(value)}
			}
			if msg.ContentLength >= 0 && msg.ContentLength != n {
				return &ParseError{Code: CodeInvalidContentLength, Reason: "conflicting values"}
			}
			msg.ContentLength = n
		case strcomp.EqualFold(name, "Transfer-Encoding"):
			hasTE = true
			msg.Chunked = lastTokenIs(value, "chunked")
		case strcomp.EqualFold(name, "Connection"):
			connUpgrade = connUpgrade || httpguts.HeaderValuesContainsToken([]string{value}, "upgrade")
			connClose = connClose || httpguts.HeaderValuesContainsToken([]string{value}, "close")
			connKeepAlive = connKeepAlive || httpguts.HeaderValuesContainsToken([]string{value}, "keep-alive")
		case strcomp.EqualFold(name, "Upgrade"):
			hasUpgrade = true
		case strcomp.EqualFold(name, "Expect"):
			msg.ExpectContinue = strcomp.EqualFold(value, "100-continue")
		case strcomp.EqualFold(name, "Trailer"):
			p.trailer = true
		}
	}

	if hasTE {
		if msg.ContentLength >= 0 {
			return &ParseError{Code: CodeInvalidTransferEncoding, Reason: "both content-length and transfer-encoding"}
		}
		if !msg.Chunked && p.kind == KindRequest {
			return &ParseError{Code: CodeInvalidTransferEncoding, Reason: "request body must be chunked last"}
		}
	}

	if msg.Minor == 0 {
		msg.KeepAlive = connKeepAlive && !connClose
	} else {
		msg.KeepAlive = !connClose
	}

	if p.kind == KindRequest {
		msg.Upgrade = msg.Method == "CONNECT" || (hasUpgrade && connUpgrade)
	} else {
		msg.Upgrade = msg.StatusCode == 101
	}

	skipBody := false
	if p.OnIncoming != nil {
		skipBody = p.OnIncoming(msg)
	}

	if msg.Upgrade {
		p.state = stateUpgraded
		return nil
	}

	switch {
	case p.kind == KindResponse && (skipBody || noBodyStatus(msg.StatusCode)):
		p.complete()
	case msg.Chunked:
		p.chunked = chunkedbody.NewParser(chunkedbody.DefaultSettings())
		p.state = stateChunked
	case msg.ContentLength > 0:
		p.remaining = msg.ContentLength
		p.state = stateBody
	case msg.ContentLength == 0 || p.kind == KindRequest:
		p.complete()
	default:
		// A response without a length runs until the connection ends.
		msg.KeepAlive = false
		p.state = stateUntilEOF
	}

	return nil
}

func noBodyStatus(code int) bool {
	return code < 200 || code == 204 || code == 304
}

func lastTokenIs(value, token string) bool {
	if i := bytes.LastIndexByte(uf.S2B(value), ','); i >= 0 {
		value = value[i+1:]
	}

	return strcomp.EqualFold(string(bytes.Trim(uf.S2B(value), " \t")), token)
}

// parseContentLength accepts only a non-empty run of decimal digits.
func parseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, strconv.ErrSyntax
	}

	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}

	return strconv.ParseInt(v, 10, 64)
}

func (p *Parser) body(b []byte) {
	if len(b) == 0 {
		return
	}

	p.msg.Body = append(p.msg.Body, b...)
	if p.OnBody != nil {
		p.OnBody(p.msg, b)
	}
}

func (p *Parser) complete() {
	msg := p.msg
	msg.Complete = true
	msg.parser = nil
	p.resetMessage()
	if p.incoming == msg {
		p.incoming = nil
	}

	if p.OnMessageComplete != nil {
		p.OnMessageComplete(msg)
	}
}

// Finish tells the parser the input has ended. A response body delimited by
// the end of the connection completes; any other partial message is an
// ErrIncomplete.
func (p *Parser) Finish() error {
	if p.closed || p.err != nil {
		return nil
	}

	switch p.state {
	case stateUntilEOF:
		p.complete()
		return nil
	case stateUpgraded:
		return nil
	case stateStartLine:
		if len(p.line) == 0 {
			return nil
		}
	}

	p.err = &ParseError{Code: CodeIncomplete, Reason: "connection ended mid-message"}
	return p.err
}

// Upgraded reports whether the parser stopped at an upgrade or CONNECT head.
func (p *Parser) Upgraded() bool {
	return p.state == stateUpgraded
}

// CurrentBuffer returns the buffer the last step parsed from. When the
// parser reads a consumed Source this is a private copy taken at upgrade
// time; otherwise it is the slice passed to Execute.
func (p *Parser) CurrentBuffer() []byte {
	return p.current
}

// Consume makes the parser read src directly. Readable drives parsing and
// every step is reported through OnExecute.
func (p *Parser) Consume(src socket.Source) {
	p.src = src
}

// Unconsume detaches the parser from its Source.
func (p *Parser) Unconsume() {
	p.src = nil
}

// Consumed reports whether the parser reads a Source directly.
func (p *Parser) Consumed() bool {
	return p.src != nil
}

// Readable parses whatever the consumed Source holds. It does nothing while
// the parser is paused; the bytes stay in the Source.
func (p *Parser) Readable() {
	src := p.src
	if src == nil || p.paused || p.closed {
		return
	}

	size := src.InboundBuffered()
	if size == 0 {
		return
	}

	buf, err := src.Peek(size)
	if err != nil {
		p.report(0, err)
		return
	}

	n, perr := p.Execute(buf)
	if p.Upgraded() {
		// The rest of the buffer is the new protocol's; keep a copy and
		// hand the Source over empty.
		p.current = bytes.Clone(buf)
		_, _ = src.Discard(len(buf))
	} else {
		p.current = nil
		_, _ = src.Discard(n)
	}

	p.report(n, perr)
}

func (p *Parser) report(n int, err error) {
	if p.OnExecute != nil {
		p.OnExecute(n, err)
	}
}

// Pause stops the parser from pulling more bytes from a consumed Source.
func (p *Parser) Pause() {
	p.paused = true
}

// Resume lifts Pause.
func (p *Parser) Resume() {
	p.paused = false
}

// Paused reports whether Pause is in effect.
func (p *Parser) Paused() bool {
	return p.paused
}

// Close releases the parser's buffers. A closed parser must not be reused.
func (p *Parser) Close() {
	p.closed = true
	p.resetMessage()
	p.line = nil
	p.current = nil
	p.src = nil
}

// Closed reports whether Close was called.
func (p *Parser) Closed() bool {
	return p.closed
}

// Socket returns the socket the parser is attached to, or nil.
func (p *Parser) Socket() *socket.Socket {
	return p.sock
}

// Incoming returns the message being read, or nil between messages.
func (p *Parser) Incoming() *Message {
	return p.incoming
}

// Outgoing returns the response being written for the current request.
func (p *Parser) Outgoing() *Response {
	return p.outgoing
}
