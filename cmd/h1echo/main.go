// Package main runs an HTTP/1.1 echo server on h1bind.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/albertbausili/h1bind/pkg/h1bind"
)

func main() {
	// Minimal mode drops middleware and logging for benchmarking
	minimal := os.Getenv("H1ECHO_MINIMAL") == "1"

	log := zap.NewNop()
	if !minimal {
		var err error
		if log, err = zap.NewProduction(); err != nil {
			panic(err)
		}
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	config := h1bind.DefaultConfig()
	config.Addr = envOr("H1ECHO_ADDR", ":8080")
	config.Logger = log
	config.Registerer = reg
	config.ZeroCopy = os.Getenv("H1ECHO_ZERO_COPY") != "0"
	if n, err := strconv.Atoi(os.Getenv("H1ECHO_MAX_CONNECTIONS")); err == nil && n > 0 {
		config.MaxConnections = uint32(n)
	}

	if minimal {
		cpus := runtime.GOMAXPROCS(0)
		switch {
		case cpus <= 2:
			config.NumEventLoop = cpus
		case cpus <= 8:
			config.NumEventLoop = cpus - 1
		default:
			config.NumEventLoop = cpus - 2
		}
	}

	server := h1bind.New(config)

	handler := h1bind.Handler(h1bind.HandlerFunc(func(ctx *h1bind.Context) error {
		return route(ctx, server)
	}))
	if !minimal {
		handler = h1bind.Chain(
			h1bind.Recovery(),
			h1bind.RequestID(),
			h1bind.Logger(),
			h1bind.PrometheusWithConfig(h1bind.PrometheusConfig{Registerer: reg}),
			h1bind.Compress(),
		)(handler)
	}

	server.Upgrade(echoTunnel).Connect(refuseConnect)

	metricsAddr := envOr("H1ECHO_METRICS_ADDR", ":9090")
	metrics := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		log.Info("starting echo server",
			zap.String("addr", config.Addr),
			zap.String("metrics", metricsAddr),
			zap.Bool("zero_copy", config.ZeroCopy),
			zap.Uint32("max_connections", config.MaxConnections),
		)
		if err := server.ListenAndServe(handler); err != nil {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	if err := metrics.Shutdown(ctx); err != nil {
		log.Error("metrics shutdown", zap.Error(err))
	}
}

func route(ctx *h1bind.Context, server *h1bind.Server) error {
	switch ctx.Path() {
	case "/":
		return ctx.Plain(200, "hello")
	case "/echo":
		if ct := ctx.Header("Content-Type"); ct != "" {
			ctx.SetHeader("Content-Type", ct)
		}
		body, err := ctx.BodyBytes()
		if err != nil {
			return err
		}
		_, err = ctx.Write(body)
		return err
	case "/stats":
		return ctx.JSON(200, map[string]any{
			"connections": server.ActiveConnections(),
			"goroutines":  runtime.NumGoroutine(),
		})
	default:
		return h1bind.NewHTTPError(404, "Not Found")
	}
}

// echoTunnel accepts "Upgrade: echo" and sends every byte back.
func echoTunnel(req *h1bind.Request, conn *h1bind.Conn, head []byte) {
	if req.Header("Upgrade") != "echo" {
		_, _ = conn.Write([]byte("HTTP/1.1 426 Upgrade Required\r\nUpgrade: echo\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
		conn.End()
		conn.OnEnd(conn.Close)
		return
	}

	_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: echo\r\nConnection: Upgrade\r\n\r\n"))
	if len(head) != 0 {
		_, _ = conn.Write(head)
	}

	conn.OnData(func(b []byte) {
		if ok, _ := conn.Write(b); !ok {
			conn.Pause()
		}
	})
	conn.OnDrain(conn.Resume)
	conn.OnEnd(conn.End)
}

func refuseConnect(_ *h1bind.Request, conn *h1bind.Conn, _ []byte) {
	_, _ = conn.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\nAllow: GET, POST\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	conn.End()
	conn.OnEnd(conn.Close)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
