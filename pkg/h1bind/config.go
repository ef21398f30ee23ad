// Package h1bind provides an event-driven HTTP/1.1 server built on pooled,
// zero-copy parsers bound to gnet connections or net.Listener sockets.
package h1bind

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/albertbausili/h1bind/internal/socket"
)

// Config holds the server configuration options.
type Config struct {
	Addr             string                // Server address to bind to
	Multicore        bool                  // Run one gnet event loop per core
	NumEventLoop     int                   // Number of event loops (0 for auto-detect)
	ReusePort        bool                  // Enable SO_REUSEPORT for load balancing
	ReadBufferCap    int                   // Per-connection read buffer size
	MaxHeaderBytes   int                   // Maximum size of a message head
	MaxConnections   uint32                // Refuse connections past this count (0 for unlimited)
	PoolSize         int                   // Idle parsers kept for reuse
	HighWaterMark    int                   // Write-queue size that pauses reading
	ZeroCopy         bool                  // Parse straight from the gnet inbound buffer
	AllowHalfOpen    bool                  // Keep answering after the client half-closes
	DisableKeepAlive bool                  // Close every connection after one response
	Logger           *zap.Logger           // Logger for server events
	Registerer       prometheus.Registerer // Registers parser and connection metrics when set
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		Multicore:      true,
		NumEventLoop:   0, // Auto-detect
		ReusePort:      true,
		MaxHeaderBytes: 80 << 10,
		PoolSize:       1000,
		HighWaterMark:  socket.DefaultHighWaterMark,
		ZeroCopy:       true,
		AllowHalfOpen:  true,
		Logger:         zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.NumEventLoop < 0 {
		return errors.New("h1bind: NumEventLoop must not be negative")
	}
	if c.MaxHeaderBytes < 0 {
		return errors.New("h1bind: MaxHeaderBytes must not be negative")
	}
	if c.PoolSize < 0 {
		return errors.New("h1bind: PoolSize must not be negative")
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = socket.DefaultHighWaterMark
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
