package h1bind

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/albertbausili/h1bind/internal/h1"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Context represents one HTTP/1 request and the response being built for it.
// The handler chain runs on the connection's goroutine; a Context must not be
// used once the handler returns.
type Context struct {
	msg    *h1.Message
	res    *h1.Response
	ctx    context.Context
	log    *zap.Logger
	remote net.Addr

	statusCode   int
	responseBody *bytes.Buffer
	values       map[string]any
	query        url.Values
	streaming    bool
	err          error

	// cached request line parts
	path     string
	rawQuery string
}

var contextPool = sync.Pool{New: func() any { return new(Context) }}
var responseBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func newContext(ctx context.Context, msg *h1.Message, res *h1.Response, log *zap.Logger, remote net.Addr) *Context {
	c := contextPool.Get().(*Context)
	c.msg = msg
	c.res = res
	c.ctx = ctx
	c.log = log
	c.remote = remote
	c.statusCode = 200
	c.responseBody = responseBufPool.Get().(*bytes.Buffer)
	c.responseBody.Reset()

	c.path, c.rawQuery = msg.URL, ""
	if i := strings.IndexByte(msg.URL, '?'); i >= 0 {
		c.path, c.rawQuery = msg.URL[:i], msg.URL[i+1:]
	}

	return c
}

func (c *Context) release() {
	responseBufPool.Put(c.responseBody)
	*c = Context{}
	contextPool.Put(c)
}

// Method returns the request method.
func (c *Context) Method() string {
	return c.msg.Method
}

// Path returns the request path without the query string.
func (c *Context) Path() string {
	return c.path
}

// URL returns the request target as sent by the client.
func (c *Context) URL() string {
	return c.msg.URL
}

// RawQuery returns the query string without the leading '?'.
func (c *Context) RawQuery() string {
	return c.rawQuery
}

// Proto returns the request protocol, e.g. "HTTP/1.1".
func (c *Context) Proto() string {
	return c.msg.Proto
}

// Host returns the Host header.
func (c *Context) Host() string {
	return c.msg.Header("Host")
}

// RemoteAddr returns the client address, when the transport knows it.
func (c *Context) RemoteAddr() net.Addr {
	return c.remote
}

// KeepAlive reports whether the client asked to keep the connection open.
func (c *Context) KeepAlive() bool {
	return c.msg.KeepAlive
}

// Header returns the first value of the named request header. Names are
// matched case-insensitively.
func (c *Context) Header(name string) string {
	return c.msg.Header(name)
}

// Headers returns the request headers in the order they were received.
func (c *Context) Headers() [][2]string {
	return c.msg.Headers
}

// Body returns the request body reader.
func (c *Context) Body() io.Reader {
	return bytes.NewReader(c.msg.Body)
}

// BodyBytes returns the entire request body. The slice is only valid until
// the handler returns.
func (c *Context) BodyBytes() ([]byte, error) {
	return c.msg.Body, nil
}

// BindJSON parses the request body as JSON into the provided value.
func (c *Context) BindJSON(v any) error {
	if len(c.msg.Body) == 0 {
		return NewHTTPError(400, "empty request body")
	}
	return json.Unmarshal(c.msg.Body, v)
}

// Logger returns the connection's logger.
func (c *Context) Logger() *zap.Logger {
	return c.log
}

// Context returns the underlying context.Context.
func (c *Context) Context() context.Context {
	return c.ctx
}

// WithContext replaces the underlying context.Context.
func (c *Context) WithContext(ctx context.Context) {
	c.ctx = ctx
}

// SetStatus sets the HTTP response status code.
func (c *Context) SetStatus(code int) {
	c.statusCode = code
}

// Status returns the current HTTP response status code.
func (c *Context) Status() int {
	if c.streaming {
		return c.res.Status()
	}
	return c.statusCode
}

// SetHeader sets an HTTP response header. An invalid name or value, or a
// header set after Flush, is reported when the handler returns.
func (c *Context) SetHeader(key, value string) {
	if err := c.res.Set(key, value); err != nil && c.err == nil {
		c.err = fmt.Errorf("set header %q: %w", key, err)
	}
}

// AddHeader adds a value to an HTTP response header.
func (c *Context) AddHeader(key, value string) {
	if err := c.res.Add(key, value); err != nil && c.err == nil {
		c.err = fmt.Errorf("add header %q: %w", key, err)
	}
}

// ResponseHeader returns the first value of a response header set so far.
func (c *Context) ResponseHeader(key string) string {
	return c.res.Get(key)
}

// Write writes data to the response body.
func (c *Context) Write(data []byte) (int, error) {
	return c.responseBody.Write(data)
}

// WriteString writes a string to the response body.
func (c *Context) WriteString(s string) (int, error) {
	return c.responseBody.WriteString(s)
}

// JSON sends a JSON response with the given status code.
func (c *Context) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Data(status, "application/json", data)
}

// String sends a formatted text response with the given status code.
func (c *Context) String(status int, format string, values ...any) error {
	c.statusCode = status
	c.SetHeader("Content-Type", "text/plain; charset=utf-8")
	_, err := fmt.Fprintf(c.responseBody, format, values...)
	return err
}

// Plain sends a plain text response without fmt formatting overhead.
func (c *Context) Plain(status int, s string) error {
	c.statusCode = status
	c.SetHeader("Content-Type", "text/plain; charset=utf-8")
	_, err := c.responseBody.WriteString(s)
	return err
}

// HTML sends an HTML response with the given status code.
func (c *Context) HTML(status int, html string) error {
	c.statusCode = status
	c.SetHeader("Content-Type", "text/html; charset=utf-8")
	_, err := c.responseBody.WriteString(html)
	return err
}

// Data sends a response with custom content type and data.
func (c *Context) Data(status int, contentType string, data []byte) error {
	c.statusCode = status
	c.SetHeader("Content-Type", contentType)
	_, err := c.responseBody.Write(data)
	return err
}

// NoContent sends a response with no body content.
func (c *Context) NoContent(status int) error {
	c.statusCode = status
	c.responseBody.Reset()
	return nil
}

// Redirect sends an HTTP redirect response.
func (c *Context) Redirect(status int, location string) error {
	if status < 300 || status > 308 {
		status = 302
	}
	c.statusCode = status
	c.SetHeader("Location", location)
	return nil
}

// Reset discards the buffered response body and content headers, so an
// error response can replace a half-built one. It has no effect on what
// Flush already sent.
func (c *Context) Reset() {
	c.responseBody.Reset()
	if c.res.HeadersSent() {
		return
	}
	c.statusCode = 200
	c.res.Del("Content-Type")
	c.res.Del("Content-Length")
	c.res.Del("Content-Encoding")
}

// Flush sends the status, headers and buffered body now. Later writes are
// streamed, chunked on HTTP/1.1 unless a Content-Length was set.
func (c *Context) Flush() error {
	if !c.streaming {
		c.res.WriteHeader(c.statusCode)
		c.streaming = true
	}
	_, err := c.res.Write(c.responseBody.Bytes())
	c.responseBody.Reset()
	return err
}

// Streaming reports whether Flush has sent the response head.
func (c *Context) Streaming() bool {
	return c.streaming
}

// finish ends the response with whatever the handler left buffered.
func (c *Context) finish() error {
	if c.res.Ended() {
		return c.err
	}
	if !c.streaming {
		c.res.WriteHeader(c.statusCode)
	}

	err := c.res.End(c.responseBody.Bytes())
	c.responseBody.Reset()
	if c.err != nil {
		return c.err
	}
	return err
}

// Set stores a key-value pair in the context.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Get retrieves a value from the context by key.
func (c *Context) Get(key string) (any, bool) {
	val, ok := c.values[key]
	return val, ok
}

// MustGet retrieves a value from the context by key, panicking if not found.
func (c *Context) MustGet(key string) any {
	if val, ok := c.Get(key); ok {
		return val
	}
	panic(fmt.Sprintf("key %q not found in context", key))
}

// Query returns the query parameter value for the given key.
func (c *Context) Query(key string) string {
	if c.rawQuery == "" {
		return ""
	}
	if c.query == nil {
		c.query, _ = url.ParseQuery(c.rawQuery)
	}
	return c.query.Get(key)
}

// QueryDefault returns the query parameter value or a default if not found.
func (c *Context) QueryDefault(key, defaultValue string) string {
	if value := c.Query(key); value != "" {
		return value
	}
	return defaultValue
}

// QueryInt returns the query parameter value as an integer.
func (c *Context) QueryInt(key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("query parameter %q not found", key)
	}
	return strconv.Atoi(value)
}
