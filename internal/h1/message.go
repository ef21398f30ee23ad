package h1

import (
	"github.com/indigo-web/utils/strcomp"
)

// Kind selects what a Parser expects on the wire.
type Kind uint8

const (
	// KindRequest parses requests; used on the server side.
	KindRequest Kind = iota
	// KindResponse parses responses; used on the client side.
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}

	return "request"
}

// Message is one parsed request or response. It is built incrementally: the
// head is complete when OnIncoming fires, the body when OnMessageComplete
// fires.
type Message struct {
	Kind Kind

	// Request line.
	Method string
	URL    string

	// Status line.
	StatusCode int
	Status     string

	Proto string
	Major int
	Minor int

	// Headers keeps wire order and the original name case.
	Headers [][2]string

	// ContentLength is -1 when the length is unknown.
	ContentLength  int64
	Chunked        bool
	KeepAlive      bool
	Upgrade        bool
	ExpectContinue bool

	Body []byte

	Complete bool
	Aborted  bool

	parser   *Parser
	response *Response
}

// Header returns the first value of the named header. Names match
// case-insensitively.
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strcomp.EqualFold(h[0], name) {
			return h[1]
		}
	}

	return ""
}

// IsConnect reports whether the message is a CONNECT request.
func (m *Message) IsConnect() bool {
	return m.Kind == KindRequest && m.Method == "CONNECT"
}

// Parser returns the parser still reading this message, or nil once the
// parser has been released.
func (m *Message) Parser() *Parser {
	return m.parser
}

// Response returns the response answering a server-side request.
func (m *Message) Response() *Response {
	return m.response
}

// Abort marks an incomplete message as cut short by the connection.
func (m *Message) Abort() {
	if m.Complete {
		return
	}

	m.Aborted = true
}
