package h1bind

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextRequest(t *testing.T) {
	var checked bool
	s := newTestServer(func(ctx *Context) error {
		require.Equal(t, "POST", ctx.Method())
		require.Equal(t, "/items/7", ctx.Path())
		require.Equal(t, "/items/7?sort=desc&limit=5&q=a%20b", ctx.URL())
		require.Equal(t, "sort=desc&limit=5&q=a%20b", ctx.RawQuery())
		require.Equal(t, "HTTP/1.1", ctx.Proto())
		require.Equal(t, "example.com", ctx.Host())
		require.Equal(t, "application/json", ctx.Header("content-type"))
		require.Len(t, ctx.Headers(), 3)
		require.True(t, ctx.KeepAlive())
		require.NotNil(t, ctx.RemoteAddr())
		require.NotNil(t, ctx.Context())
		require.NotNil(t, ctx.Logger())

		require.Equal(t, "desc", ctx.Query("sort"))
		require.Equal(t, "a b", ctx.Query("q"))
		require.Equal(t, "", ctx.Query("missing"))
		require.Equal(t, "fallback", ctx.QueryDefault("missing", "fallback"))
		n, err := ctx.QueryInt("limit")
		require.NoError(t, err)
		require.Equal(t, 5, n)
		_, err = ctx.QueryInt("missing")
		require.Error(t, err)

		raw, err := io.ReadAll(ctx.Body())
		require.NoError(t, err)
		require.Equal(t, `{"name":"gopher"}`, string(raw))

		var in struct {
			Name string `json:"name"`
		}
		require.NoError(t, ctx.BindJSON(&in))
		require.Equal(t, "gopher", in.Name)

		checked = true
		return ctx.NoContent(204)
	})

	body := `{"name":"gopher"}`
	res, _ := roundTrip(t, s, "POST /items/7?sort=desc&limit=5&q=a%20b HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"Content-Type: application/json\r\n"+
		"Content-Length: 17\r\n\r\n"+body)

	require.True(t, checked)
	require.Equal(t, 204, res.StatusCode)
}

func TestContextBindJSONEmpty(t *testing.T) {
	s := newTestServer(func(ctx *Context) error {
		var v map[string]any
		return ctx.BindJSON(&v)
	})

	res, body := roundTrip(t, s, get("/"))
	require.Equal(t, 400, res.StatusCode)
	require.Equal(t, "empty request body", body)
}

func TestContextValues(t *testing.T) {
	s := newTestServer(func(ctx *Context) error {
		_, ok := ctx.Get("user")
		require.False(t, ok)

		ctx.Set("user", "gopher")
		v, ok := ctx.Get("user")
		require.True(t, ok)
		require.Equal(t, "gopher", v)
		require.Equal(t, "gopher", ctx.MustGet("user"))
		require.Panics(t, func() { ctx.MustGet("missing") })

		return ctx.NoContent(204)
	})

	res, _ := roundTrip(t, s, get("/"))
	require.Equal(t, 204, res.StatusCode)
}

func TestContextResponses(t *testing.T) {
	tests := []struct {
		name        string
		handler     HandlerFunc
		status      int
		contentType string
		body        string
	}{
		{
			name:        "json",
			handler:     func(ctx *Context) error { return ctx.JSON(201, map[string]int{"id": 7}) },
			status:      201,
			contentType: "application/json",
			body:        `{"id":7}`,
		},
		{
			name:        "string",
			handler:     func(ctx *Context) error { return ctx.String(200, "%d items", 3) },
			status:      200,
			contentType: "text/plain; charset=utf-8",
			body:        "3 items",
		},
		{
			name:        "html",
			handler:     func(ctx *Context) error { return ctx.HTML(200, "<p>hi</p>") },
			status:      200,
			contentType: "text/html; charset=utf-8",
			body:        "<p>hi</p>",
		},
		{
			name:        "data",
			handler:     func(ctx *Context) error { return ctx.Data(202, "application/octet-stream", []byte{1, 2}) },
			status:      202,
			contentType: "application/octet-stream",
			body:        "\x01\x02",
		},
		{
			name: "write",
			handler: func(ctx *Context) error {
				ctx.SetStatus(404)
				_, _ = ctx.Write([]byte("not "))
				_, err := ctx.WriteString("here")
				return err
			},
			status: 404,
			body:   "not here",
		},
		{
			name: "no content discards the body",
			handler: func(ctx *Context) error {
				_, _ = ctx.WriteString("dropped")
				return ctx.NoContent(204)
			},
			status: 204,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := roundTrip(t, newTestServer(tt.handler), get("/"))
			require.Equal(t, tt.status, res.StatusCode)
			require.Equal(t, tt.contentType, res.Header.Get("Content-Type"))
			require.Equal(t, tt.body, body)
		})
	}
}

func TestContextRedirect(t *testing.T) {
	s := newTestServer(func(ctx *Context) error {
		if ctx.Path() == "/bad" {
			return ctx.Redirect(200, "/elsewhere")
		}
		return ctx.Redirect(301, "/moved")
	})

	res, _ := roundTrip(t, s, get("/old"))
	require.Equal(t, 301, res.StatusCode)
	require.Equal(t, "/moved", res.Header.Get("Location"))

	res, _ = roundTrip(t, s, get("/bad"))
	require.Equal(t, 302, res.StatusCode)
}

func TestContextFlush(t *testing.T) {
	s := newTestServer(func(ctx *Context) error {
		ctx.SetStatus(202)
		ctx.SetHeader("Content-Type", "text/plain")
		_, _ = ctx.WriteString("one,")
		require.NoError(t, ctx.Flush())
		require.True(t, ctx.Streaming())

		// The head is gone: later status and header changes are ignored.
		ctx.SetStatus(500)
		ctx.SetHeader("X-Late", "1")
		require.Equal(t, 202, ctx.Status())

		_, _ = ctx.WriteString("two")
		return nil
	})

	c := dial(s)
	c.send(get("/"))

	out := c.backend.Output()
	require.Contains(t, out, "Transfer-Encoding: chunked\r\n")
	require.NotContains(t, out, "X-Late")

	res, body := readResponse(t, out)
	require.Equal(t, 202, res.StatusCode)
	require.Equal(t, "one,two", body)
}

func TestContextInvalidHeader(t *testing.T) {
	s := newTestServer(func(ctx *Context) error {
		ctx.SetHeader("X-Split", "a\r\nInjected: 1")
		ctx.AddHeader("Bad Name", "v")
		ctx.AddHeader("X-Multi", "a")
		ctx.AddHeader("X-Multi", "b")
		require.Equal(t, "a", ctx.ResponseHeader("x-multi"))
		return ctx.Plain(200, "ok")
	})

	c := dial(s)
	c.send(get("/"))

	out := c.backend.Output()
	require.NotContains(t, out, "Injected")
	require.NotContains(t, out, "Bad Name")

	res, body := readResponse(t, out)
	require.Equal(t, []string{"a", "b"}, res.Header.Values("X-Multi"))
	require.Equal(t, "ok", body)
}
