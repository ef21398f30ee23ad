package h1bind

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx *Context) error {
				order = append(order, name)
				return next.ServeHTTP1(ctx)
			})
		}
	}

	handler := Chain(mark("a"), mark("b"), MiddlewareFunc(func(ctx *Context, next Handler) error {
		order = append(order, "c")
		return next.ServeHTTP1(ctx)
	}).ToMiddleware())(HandlerFunc(func(ctx *Context) error {
		order = append(order, "handler")
		return ctx.NoContent(204)
	}))

	res, _ := roundTrip(t, newTestServer(handler.ServeHTTP1), get("/"))
	require.Equal(t, 204, res.StatusCode)
	require.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestRecovery(t *testing.T) {
	t.Run("before any output", func(t *testing.T) {
		s := newTestServer(Recovery()(HandlerFunc(func(ctx *Context) error {
			ctx.SetHeader("Content-Type", "application/json")
			_, _ = ctx.WriteString("{")
			panic("boom")
		})).ServeHTTP1)

		res, body := roundTrip(t, s, get("/"))
		require.Equal(t, 500, res.StatusCode)
		require.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
		require.Equal(t, "Internal Server Error", body)
	})

	t.Run("after flush", func(t *testing.T) {
		s := newTestServer(Recovery()(HandlerFunc(func(ctx *Context) error {
			_, _ = ctx.WriteString("part")
			_ = ctx.Flush()
			panic("boom")
		})).ServeHTTP1)

		res, body := roundTrip(t, s, get("/"))
		require.Equal(t, 200, res.StatusCode)
		require.Equal(t, "part", body)
	})
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	mw := LoggerWithConfig(LoggerConfig{
		Logger:    zap.New(core),
		SkipPaths: []string{"/health"},
		CustomFields: func(ctx *Context) []zap.Field {
			return []zap.Field{zap.String("agent", ctx.Header("User-Agent"))}
		},
	})
	s := newTestServer(Chain(RequestID(), mw)(HandlerFunc(func(ctx *Context) error {
		return ctx.Plain(201, "made")
	})).ServeHTTP1)

	roundTrip(t, s, get("/items", "User-Agent: test", "X-Request-ID: req-1"))
	roundTrip(t, s, get("/health"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "GET", fields["method"])
	require.Equal(t, "/items", fields["path"])
	require.Equal(t, int64(201), fields["status"])
	require.Equal(t, "req-1", fields["request_id"])
	require.Equal(t, "test", fields["agent"])
	require.Equal(t, "127.0.0.1:40000", fields["remote"])
}

func TestRequestID(t *testing.T) {
	var seen any
	s := newTestServer(RequestID()(HandlerFunc(func(ctx *Context) error {
		seen = ctx.MustGet("request-id")
		return ctx.NoContent(204)
	})).ServeHTTP1)

	res, _ := roundTrip(t, s, get("/"))
	id := res.Header.Get("X-Request-ID")
	require.Len(t, id, 20)
	require.Equal(t, id, seen)

	res, _ = roundTrip(t, s, get("/", "X-Request-ID: given"))
	require.Equal(t, "given", res.Header.Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	called := false
	s := newTestServer(CORS(CORSConfig{AllowOrigin: "https://example.com", AllowCredentials: true, MaxAge: 600})(
		HandlerFunc(func(ctx *Context) error {
			called = true
			return ctx.Plain(200, "ok")
		})).ServeHTTP1)

	res, _ := roundTrip(t, s, "OPTIONS /x HTTP/1.1\r\nHost: x\r\n\r\n")
	require.Equal(t, 204, res.StatusCode)
	require.False(t, called)
	require.Equal(t, "https://example.com", res.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", res.Header.Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "600", res.Header.Get("Access-Control-Max-Age"))
	require.Equal(t, DefaultCORSConfig().AllowMethods, res.Header.Get("Access-Control-Allow-Methods"))

	res, body := roundTrip(t, s, get("/x"))
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "ok", body)
	require.True(t, called)
}

func TestCompress(t *testing.T) {
	payload := strings.Repeat("compress me please ", 200)
	s := newTestServer(Compress()(HandlerFunc(func(ctx *Context) error {
		if ctx.Path() == "/small" {
			return ctx.Plain(200, "tiny")
		}
		if ctx.Path() == "/image" {
			return ctx.Data(200, "image/png", []byte(payload))
		}
		return ctx.Plain(200, payload)
	})).ServeHTTP1)

	t.Run("brotli", func(t *testing.T) {
		res, body := roundTrip(t, s, get("/", "Accept-Encoding: gzip, br"))
		require.Equal(t, "br", res.Header.Get("Content-Encoding"))
		require.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
		require.Less(t, len(body), len(payload))

		plain, err := io.ReadAll(brotli.NewReader(strings.NewReader(body)))
		require.NoError(t, err)
		require.Equal(t, payload, string(plain))
	})

	t.Run("gzip", func(t *testing.T) {
		res, body := roundTrip(t, s, get("/", "Accept-Encoding: gzip"))
		require.Equal(t, "gzip", res.Header.Get("Content-Encoding"))

		zr, err := gzip.NewReader(bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		plain, err := io.ReadAll(zr)
		require.NoError(t, err)
		require.Equal(t, payload, string(plain))
	})

	t.Run("not accepted", func(t *testing.T) {
		res, body := roundTrip(t, s, get("/"))
		require.Empty(t, res.Header.Get("Content-Encoding"))
		require.Equal(t, payload, body)
	})

	t.Run("below min size", func(t *testing.T) {
		res, body := roundTrip(t, s, get("/small", "Accept-Encoding: br"))
		require.Empty(t, res.Header.Get("Content-Encoding"))
		require.Equal(t, "tiny", body)
	})

	t.Run("excluded type", func(t *testing.T) {
		res, body := roundTrip(t, s, get("/image", "Accept-Encoding: br"))
		require.Empty(t, res.Header.Get("Content-Encoding"))
		require.Equal(t, payload, body)
	})
}
