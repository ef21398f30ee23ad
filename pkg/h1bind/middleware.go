package h1bind

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dchest/uniuri"
	"go.uber.org/zap"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives the entries (defaults to the connection's logger)
	Logger *zap.Logger
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields allows adding custom fields to each log entry
	CustomFields func(ctx *Context) []zap.Field
}

// Logger returns a middleware that logs every request on the connection's
// logger.
func Logger() Middleware {
	return LoggerWithConfig(LoggerConfig{})
}

// LoggerWithConfig returns a middleware that logs HTTP requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeHTTP1(ctx)
			}

			start := time.Now()
			err := next.ServeHTTP1(ctx)

			fields := []zap.Field{
				zap.String("method", ctx.Method()),
				zap.String("path", ctx.Path()),
				zap.Int("status", ctx.Status()),
				zap.Duration("duration", time.Since(start)),
			}
			if addr := ctx.RemoteAddr(); addr != nil {
				fields = append(fields, zap.String("remote", addr.String()))
			}
			if reqID, ok := ctx.Get("request-id"); ok {
				fields = append(fields, zap.Any("request_id", reqID))
			}
			if config.CustomFields != nil {
				fields = append(fields, config.CustomFields(ctx)...)
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}

			log := config.Logger
			if log == nil {
				log = ctx.Logger()
			}
			log.Info("request", fields...)

			return err
		})
	}
}

// Recovery returns a middleware that recovers from panics.
// It catches panics during request handling and returns a 500 Internal Server Error response.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					ctx.Logger().Error("handler panicked",
						zap.String("path", ctx.Path()),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					if ctx.Streaming() {
						err = fmt.Errorf("panic: %v", r)
						return
					}
					ctx.Reset()
					err = ctx.Plain(500, "Internal Server Error")
				}
			}()

			return next.ServeHTTP1(ctx)
		})
	}
}

// RequestID returns a middleware that adds a unique request ID to each request.
// If a request ID is not already present in the headers, one is generated.
// The request ID is added to both the context and response headers.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header("X-Request-ID")
			if requestID == "" {
				requestID = uniuri.NewLen(20)
			}

			ctx.Set("request-id", requestID)
			ctx.SetHeader("X-Request-ID", requestID)

			return next.ServeHTTP1(ctx)
		})
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
// It sets appropriate CORS headers and handles preflight OPTIONS requests.
func CORS(config CORSConfig) Middleware {
	defaults := DefaultCORSConfig()
	if config.AllowOrigin == "" {
		config.AllowOrigin = defaults.AllowOrigin
	}
	if config.AllowMethods == "" {
		config.AllowMethods = defaults.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = defaults.AllowHeaders
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			ctx.SetHeader("Access-Control-Allow-Origin", config.AllowOrigin)
			ctx.SetHeader("Access-Control-Allow-Methods", config.AllowMethods)
			ctx.SetHeader("Access-Control-Allow-Headers", config.AllowHeaders)

			if config.AllowCredentials {
				ctx.SetHeader("Access-Control-Allow-Credentials", "true")
			}
			if config.MaxAge > 0 {
				ctx.SetHeader("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}

			if ctx.Method() == "OPTIONS" {
				return ctx.NoContent(204)
			}

			return next.ServeHTTP1(ctx)
		})
	}
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content types to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses buffered response bodies
// with brotli or gzip. Streamed responses are left alone.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a middleware that compresses response bodies with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			acceptEncoding := ctx.Header("Accept-Encoding")
			supportsBrotli := strings.Contains(acceptEncoding, "br")
			supportsGzip := strings.Contains(acceptEncoding, "gzip")

			err := next.ServeHTTP1(ctx)
			if err != nil || (!supportsBrotli && !supportsGzip) || ctx.Streaming() {
				return err
			}

			body := ctx.responseBody.Bytes()
			if len(body) < config.MinSize || ctx.ResponseHeader("Content-Encoding") != "" {
				return nil
			}

			contentType := ctx.ResponseHeader("Content-Type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return nil
				}
			}

			compressed := responseBufPool.Get().(*bytes.Buffer)
			compressed.Reset()
			defer responseBufPool.Put(compressed)

			encoding := "gzip"
			if supportsBrotli {
				encoding = "br"
				writer := brotli.NewWriterLevel(compressed, config.Level)
				if _, werr := writer.Write(body); werr != nil {
					return nil
				}
				if werr := writer.Close(); werr != nil {
					return nil
				}
			} else {
				writer, werr := gzip.NewWriterLevel(compressed, config.Level)
				if werr != nil {
					return nil
				}
				if _, werr = writer.Write(body); werr != nil {
					return nil
				}
				if werr = writer.Close(); werr != nil {
					return nil
				}
			}

			// Only use the compressed version if it is actually smaller.
			if compressed.Len() == 0 || compressed.Len() >= len(body) {
				return nil
			}

			ctx.SetHeader("Content-Encoding", encoding)
			ctx.SetHeader("Vary", "Accept-Encoding")
			ctx.responseBody.Reset()
			_, err = ctx.responseBody.Write(compressed.Bytes())
			return err
		})
	}
}
