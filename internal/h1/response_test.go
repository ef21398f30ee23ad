package h1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// respond attaches a connection whose first request is answered by fn and
// returns the bytes written.
func respond(t *testing.T, req string, fn func(res *Response)) (*testConn, string) {
	t.Helper()

	c := newTestConn(false, Config{}, Hooks{
		OnMessage: func(_ *Message, res *Response) { fn(res) },
	})
	c.send(req)

	return c, c.backend.Output()
}

func TestResponseEnd(t *testing.T) {
	t.Run("single write with length", func(t *testing.T) {
		_, out := respond(t, getRequest("/"), func(res *Response) {
			require.NoError(t, res.Set("Content-Type", "text/plain"))
			require.NoError(t, res.End([]byte("ok")))
		})

		require.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
		require.Contains(t, out, "Content-Type: text/plain\r\n")
		require.Contains(t, out, "Content-Length: 2\r\n")
		require.Contains(t, out, "Date: ")
		require.NotContains(t, out, "Connection:")
		require.True(t, strings.HasSuffix(out, "\r\n\r\nok"))
	})

	t.Run("status and reason", func(t *testing.T) {
		_, out := respond(t, getRequest("/"), func(res *Response) {
			res.WriteHeader(404)
			require.NoError(t, res.End([]byte("missing")))
		})

		require.True(t, strings.HasPrefix(out, "HTTP/1.1 404 Not Found\r\n"))
	})

	t.Run("bodyless status", func(t *testing.T) {
		_, out := respond(t, getRequest("/"), func(res *Response) {
			res.WriteHeader(204)
			require.NoError(t, res.End([]byte("ignored")))
		})

		require.True(t, strings.HasPrefix(out, "HTTP/1.1 204 No Content\r\n"))
		require.NotContains(t, out, "Content-Length")
		require.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	})

	t.Run("head request", func(t *testing.T) {
		_, out := respond(t, "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n", func(res *Response) {
			require.NoError(t, res.End([]byte("body")))
		})

		require.Contains(t, out, "Content-Length: 4\r\n")
		require.True(t, strings.HasSuffix(out, "\r\n\r\n"))
		require.NotContains(t, out, "body")
	})

	t.Run("date set by the handler", func(t *testing.T) {
		_, out := respond(t, getRequest("/"), func(res *Response) {
			require.NoError(t, res.Set("Date", "Thu, 01 Jan 1970 00:00:00 GMT"))
			require.NoError(t, res.End(nil))
		})

		require.Equal(t, 1, strings.Count(out, "Date: "))
		require.Contains(t, out, "Date: Thu, 01 Jan 1970 00:00:00 GMT\r\n")
	})

	t.Run("twice", func(t *testing.T) {
		respond(t, getRequest("/"), func(res *Response) {
			require.NoError(t, res.End(nil))
			require.ErrorIs(t, res.End(nil), ErrResponseFinished)

			_, err := res.Write([]byte("x"))
			require.ErrorIs(t, err, ErrResponseFinished)
			require.True(t, res.Ended())
			require.True(t, res.Finished())
		})
	})
}

func TestResponseStreaming(t *testing.T) {
	t.Run("chunked on HTTP/1.1", func(t *testing.T) {
		_, out := respond(t, getRequest("/"), func(res *Response) {
			_, err := res.Write([]byte("hel"))
			require.NoError(t, err)
			require.True(t, res.HeadersSent())

			_, err = res.Write([]byte("lo"))
			require.NoError(t, err)
			require.NoError(t, res.End([]byte("!")))
			require.Equal(t, 6, res.BytesWritten())
		})

		require.Contains(t, out, "Transfer-Encoding: chunked\r\n")
		require.True(t, strings.HasSuffix(out, "\r\n\r\n3\r\nhel\r\n2\r\nlo\r\n1\r\n!\r\n0\r\n\r\n"))
	})

	t.Run("explicit length is not chunked", func(t *testing.T) {
		_, out := respond(t, getRequest("/"), func(res *Response) {
			require.NoError(t, res.Set("Content-Length", "5"))
			_, err := res.Write([]byte("hello"))
			require.NoError(t, err)
			require.NoError(t, res.End(nil))
		})

		require.NotContains(t, out, "chunked")
		require.True(t, strings.HasSuffix(out, "\r\n\r\nhello"))
	})

	t.Run("close delimited on HTTP/1.0", func(t *testing.T) {
		c, out := respond(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", func(res *Response) {
			_, err := res.Write([]byte("stream"))
			require.NoError(t, err)
			require.NoError(t, res.End(nil))
		})

		require.NotContains(t, out, "chunked")
		require.Contains(t, out, "Connection: close\r\n")
		require.True(t, strings.HasSuffix(out, "\r\n\r\nstream"))
		require.True(t, c.sock.Destroyed())
	})

	t.Run("headers are frozen once sent", func(t *testing.T) {
		respond(t, getRequest("/"), func(res *Response) {
			_, err := res.Write([]byte("x"))
			require.NoError(t, err)

			require.ErrorIs(t, res.Set("X-Late", "1"), ErrHeadersSent)
			require.ErrorIs(t, res.WriteContinue(), ErrHeadersSent)
			res.WriteHeader(500)
			require.Equal(t, 200, res.Status())
			require.NoError(t, res.End(nil))
		})
	})
}

func TestResponseConnection(t *testing.T) {
	t.Run("HTTP/1.0 without keep-alive closes", func(t *testing.T) {
		c, out := respond(t, "GET / HTTP/1.0\r\n\r\n", func(res *Response) {
			require.NoError(t, res.End([]byte("bye")))
		})

		require.Contains(t, out, "Connection: close\r\n")
		require.True(t, c.backend.WriteClosed)
		require.True(t, c.sock.Destroyed())
	})

	t.Run("HTTP/1.0 keep-alive is echoed", func(t *testing.T) {
		c, out := respond(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", func(res *Response) {
			require.NoError(t, res.End([]byte("hi")))
		})

		require.Contains(t, out, "Connection: keep-alive\r\n")
		require.False(t, c.sock.Destroyed())
	})

	t.Run("handler asks to close", func(t *testing.T) {
		c, out := respond(t, getRequest("/"), func(res *Response) {
			require.NoError(t, res.Set("Connection", "close"))
			require.NoError(t, res.End(nil))
		})

		require.Equal(t, 1, strings.Count(out, "Connection: close\r\n"))
		require.True(t, c.sock.Destroyed())
	})

	t.Run("client asks to close", func(t *testing.T) {
		c, out := respond(t, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n", func(res *Response) {
			require.NoError(t, res.End(nil))
		})

		require.Contains(t, out, "Connection: close\r\n")
		require.True(t, c.sock.Destroyed())
	})
}

func TestResponseHeaders(t *testing.T) {
	respond(t, getRequest("/"), func(res *Response) {
		require.NoError(t, res.Add("X-Multi", "a"))
		require.NoError(t, res.Add("x-multi", "b"))
		require.Equal(t, "a", res.Get("X-MULTI"))
		require.Len(t, res.Headers(), 2)

		require.NoError(t, res.Set("X-Multi", "c"))
		require.Equal(t, [][2]string{{"X-Multi", "c"}}, res.Headers())

		res.Del("x-multi")
		require.Empty(t, res.Headers())
		require.Empty(t, res.Get("X-Multi"))

		require.ErrorIs(t, res.Set("Bad Name", "v"), ErrInvalidHeaderName)
		require.ErrorIs(t, res.Add("", "v"), ErrInvalidHeaderName)
		require.ErrorIs(t, res.Set("X-Split", "a\r\nInjected: 1"), ErrInvalidHeaderValue)

		require.Equal(t, "/", res.Request().URL)
		require.Same(t, res, res.Request().Response())
		require.NoError(t, res.End(nil))
	})
}

func TestStatusText(t *testing.T) {
	require.Equal(t, "OK", statusText(200))
	require.Equal(t, "Switching Protocols", statusText(101))
	require.Equal(t, "Request Header Fields Too Large", statusText(431))
	require.Equal(t, "Conflict", statusText(409))
	require.Equal(t, "Unsupported Media Type", statusText(415))
	require.Equal(t, "Unknown", statusText(599))
}
