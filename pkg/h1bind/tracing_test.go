package h1bind

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func tracedServer(handler HandlerFunc) (*Server, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	mw := TracingWithConfig(TracingConfig{
		TracerProvider: tp,
		SkipPaths:      []string{"/health"},
		Propagator:     propagation.TraceContext{},
	})

	return newTestServer(mw(handler).ServeHTTP1), sr
}

func TestTracing_Middleware(t *testing.T) {
	var inner trace.SpanContext
	s, sr := tracedServer(func(ctx *Context) error {
		inner = trace.SpanContextFromContext(ctx.Context())
		return ctx.Plain(200, "ok")
	})

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	roundTrip(t, s, get("/traced?x=1", "Traceparent: "+traceparent))

	spans := sr.Ended()
	require.Len(t, spans, 1)

	span := spans[0]
	require.Equal(t, "GET /traced", span.Name())
	require.Equal(t, trace.SpanKindServer, span.SpanKind())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
	require.Equal(t, "00f067aa0ba902b7", span.Parent().SpanID().String())
	require.Equal(t, codes.Ok, span.Status().Code)
	require.Contains(t, span.Attributes(), attribute.String("http.target", "/traced?x=1"))
	require.Contains(t, span.Attributes(), attribute.Int("http.status_code", 200))

	require.Equal(t, span.SpanContext().SpanID(), inner.SpanID())
}

func TestTracing_ServerError(t *testing.T) {
	s, sr := tracedServer(func(ctx *Context) error {
		return ctx.Plain(503, "down")
	})

	roundTrip(t, s, get("/down"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.False(t, spans[0].Parent().IsValid())
}

func TestTracingWithConfig_SkipPaths(t *testing.T) {
	s, sr := tracedServer(func(ctx *Context) error {
		return ctx.Plain(200, "ok")
	})

	roundTrip(t, s, get("/health"))
	require.Empty(t, sr.Ended())
}

func TestTracingConfig_Defaults(t *testing.T) {
	config := DefaultTracingConfig()

	require.Equal(t, "h1bind", config.TracerName)
	require.NotEmpty(t, config.SkipPaths)
	require.NotNil(t, config.Propagator)
}
