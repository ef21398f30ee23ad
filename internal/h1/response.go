package h1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/indigo-web/utils/strcomp"
	"golang.org/x/net/http/httpguts"

	"github.com/albertbausili/h1bind/internal/date"
)

// Pre-allocated wire fragments.
var (
	statusLine200   = []byte("HTTP/1.1 200 OK\r\n")
	continueLine    = []byte("HTTP/1.1 100 Continue\r\n\r\n")
	headerSep       = []byte(": ")
	crlf            = []byte("\r\n")
	chunkEnd        = []byte("0\r\n\r\n")
	headerDate      = []byte("Date: ")
	headerChunked   = []byte("Transfer-Encoding: chunked\r\n")
	headerClose     = []byte("Connection: close\r\n")
	headerKeepAlive = []byte("Connection: keep-alive\r\n")
)

var (
	// ErrResponseFinished is returned when writing to an ended response.
	ErrResponseFinished = errors.New("h1: write after end")
	// ErrInvalidHeaderName is returned for a header name that is not a token.
	ErrInvalidHeaderName = errors.New("h1: invalid header name")
	// ErrInvalidHeaderValue is returned for a header value with control bytes.
	ErrInvalidHeaderValue = errors.New("h1: invalid header value")
	// ErrHeadersSent is returned when changing headers after they went out.
	ErrHeadersSent = errors.New("h1: headers already sent")
)

// Response writes the answer to one request. Responses to pipelined
// requests are written in request order: a response whose predecessors are
// still open buffers its bytes and counts them as outgoing backlog until it
// becomes the active one.
type Response struct {
	adapter *Adapter
	req     *Message

	status      int
	header      [][2]string
	headersSent bool
	chunked     bool
	noBody      bool
	keepAlive   bool
	ended       bool
	finished    bool
	written     int

	active    bool
	pending   [][]byte
	needDrain bool

	// Last closes the connection once this response is flushed.
	Last bool
	// OnDrain is called when the socket drains after a write to this
	// response reported backpressure.
	OnDrain func()
}

func newResponse(a *Adapter, req *Message) *Response {
	return &Response{
		adapter:   a,
		req:       req,
		status:    200,
		keepAlive: req.KeepAlive,
	}
}

// Request returns the request being answered.
func (r *Response) Request() *Message {
	return r.req
}

// Status reports the status code that was or will be sent.
func (r *Response) Status() int {
	return r.status
}

// HeadersSent reports whether the head has been written.
func (r *Response) HeadersSent() bool {
	return r.headersSent
}

// Finished reports whether the response was ended and flushed to the socket.
func (r *Response) Finished() bool {
	return r.finished
}

// Ended reports whether End was called.
func (r *Response) Ended() bool {
	return r.ended
}

// BytesWritten reports the body bytes written so far.
func (r *Response) BytesWritten() int {
	return r.written
}

// Headers returns the headers set so far in insertion order.
func (r *Response) Headers() [][2]string {
	return r.header
}

// Get returns the first value of the named header.
func (r *Response) Get(name string) string {
	for _, h := range r.header {
		if strcomp.EqualFold(h[0], name) {
			return h[1]
		}
	}

	return ""
}

// Set replaces every value of the named header.
func (r *Response) Set(name, value string) error {
	if err := r.checkHeader(name, value); err != nil {
		return err
	}

	kept := r.header[:0]
	for _, h := range r.header {
		if !strcomp.EqualFold(h[0], name) {
			kept = append(kept, h)
		}
	}
	r.header = append(kept, [2]string{name, value})
	return nil
}

// Add appends a header value.
func (r *Response) Add(name, value string) error {
	if err := r.checkHeader(name, value); err != nil {
		return err
	}

	r.header = append(r.header, [2]string{name, value})
	return nil
}

// Del removes every value of the named header.
func (r *Response) Del(name string) {
	kept := r.header[:0]
	for _, h := range r.header {
		if !strcomp.EqualFold(h[0], name) {
			kept = append(kept, h)
		}
	}
	r.header = kept
}

func (r *Response) checkHeader(name, value string) error {
	if r.headersSent {
		return ErrHeadersSent
	}

	if !ValidToken(name) {
		return ErrInvalidHeaderName
	}

	if !httpguts.ValidHeaderFieldValue(value) {
		return ErrInvalidHeaderValue
	}

	return nil
}

// WriteHeader sets the status code. It has no effect once the head is sent.
func (r *Response) WriteHeader(status int) {
	if r.headersSent {
		return
	}

	r.status = status
}

// WriteContinue sends an interim 100 Continue ahead of the response.
func (r *Response) WriteContinue() error {
	if r.headersSent || r.ended {
		return ErrHeadersSent
	}

	return r.send(continueLine)
}

// Write sends body bytes. Without a Content-Length header the body is sent
// chunked; HTTP/1.0 peers get a body delimited by the connection closing.
func (r *Response) Write(b []byte) (int, error) {
	if r.ended {
		return 0, ErrResponseFinished
	}

	var buf []byte
	if !r.headersSent {
		if r.Get("Content-Length") == "" && !bodyless(r.status) && r.req.Method != "HEAD" {
			if r.req.Minor >= 1 {
				r.chunked = true
			} else {
				r.keepAlive = false
			}
		}
		buf = r.appendHead(nil)
	}

	if len(b) != 0 && !r.noBody {
		if r.chunked {
			buf = strconv.AppendInt(buf, int64(len(b)), 16)
			buf = append(buf, crlf...)
			buf = append(buf, b...)
			buf = append(buf, crlf...)
		} else {
			buf = append(buf, b...)
		}
		r.written += len(b)
	}

	if len(buf) == 0 {
		return len(b), nil
	}

	return len(b), r.send(buf)
}

// End finishes the response with an optional final body. When nothing was
// written yet the whole response goes out in one write with a
// Content-Length.
func (r *Response) End(body []byte) error {
	if r.ended {
		return ErrResponseFinished
	}

	var buf []byte
	switch {
	case !r.headersSent:
		if !bodyless(r.status) && r.Get("Content-Length") == "" {
			r.header = append(r.header, [2]string{"Content-Length", strconv.Itoa(len(body))})
		}
		buf = r.appendHead(make([]byte, 0, 256+len(body)))
		if !r.noBody {
			buf = append(buf, body...)
			r.written += len(body)
		}
	case r.chunked:
		if len(body) != 0 && !r.noBody {
			buf = strconv.AppendInt(buf, int64(len(body)), 16)
			buf = append(buf, crlf...)
			buf = append(buf, body...)
			buf = append(buf, crlf...)
			r.written += len(body)
		}
		buf = append(buf, chunkEnd...)
	default:
		if !r.noBody {
			buf = append(buf, body...)
			r.written += len(body)
		}
	}

	r.ended = true
	if len(buf) != 0 {
		if err := r.send(buf); err != nil {
			return err
		}
	}

	if r.active {
		r.adapter.responseFinished(r)
	}

	return nil
}

func (r *Response) appendHead(buf []byte) []byte {
	r.headersSent = true
	r.noBody = bodyless(r.status) || r.req.Method == "HEAD"
	if r.Last || httpguts.HeaderValuesContainsToken([]string{r.Get("Connection")}, "close") {
		r.keepAlive = false
	}

	if r.status == 200 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(r.status), 10)
		buf = append(buf, ' ')
		buf = append(buf, statusText(r.status)...)
		buf = append(buf, crlf...)
	}

	hasDate := false
	for _, h := range r.header {
		if strcomp.EqualFold(h[0], "Connection") {
			continue
		}
		if strcomp.EqualFold(h[0], "Date") {
			hasDate = true
		}
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}

	if !hasDate {
		buf = append(buf, headerDate...)
		buf = append(buf, date.Current()...)
		buf = append(buf, crlf...)
	}

	if r.chunked {
		buf = append(buf, headerChunked...)
	}

	switch {
	case !r.keepAlive:
		buf = append(buf, headerClose...)
	case r.req.Minor == 0:
		buf = append(buf, headerKeepAlive...)
	}

	return append(buf, crlf...)
}

func (r *Response) send(b []byte) error {
	if r.active {
		return r.adapter.write(r, b)
	}

	r.pending = append(r.pending, b)
	r.adapter.flow.Queued(len(b))
	return nil
}

// flushPending is called when the response becomes the active one.
func (r *Response) flushPending() error {
	total := 0
	var err error
	for _, b := range r.pending {
		total += len(b)
		if err == nil {
			err = r.adapter.write(r, b)
		}
	}
	r.pending = nil
	if total > 0 {
		r.adapter.flow.Drained(total)
	}

	return err
}

func bodyless(status int) bool {
	return status < 200 || status == 204 || status == 304
}

// statusText returns the reason phrase for code.
func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}

	return "Unknown"
}
