package h1bind

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Middleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := PrometheusWithConfig(PrometheusConfig{
		Registerer: reg,
		Namespace:  "test",
		SkipPaths:  []string{"/metrics"},
	})

	s := newTestServer(mw(HandlerFunc(func(ctx *Context) error {
		return ctx.Plain(200, "ok")
	})).ServeHTTP1)

	roundTrip(t, s, get("/a"))
	roundTrip(t, s, get("/a"))
	roundTrip(t, s, get("/b"))
	roundTrip(t, s, get("/metrics"))

	count, err := testutil.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(reg, "test_http_request_duration_seconds", "test_http_response_size_bytes")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestPrometheusConfig_Defaults(t *testing.T) {
	config := DefaultPrometheusConfig()

	require.Equal(t, "h1bind", config.Namespace)
	require.Equal(t, []string{"/metrics"}, config.SkipPaths)
	require.Equal(t, prometheus.DefBuckets, config.Buckets)
}
