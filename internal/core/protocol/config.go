package protocol

import "time"

// Config holds channel and transport settings
type Config struct {
	// MaxMessageSize bounds a single frame in bytes.
	MaxMessageSize uint32
	// WriteTimeout bounds a single Send when the context carries no earlier deadline.
	WriteTimeout time.Duration
	// KeepAlive is the TCP keep-alive and QUIC keep-alive period.
	KeepAlive time.Duration
	// StreamAcceptTimeout bounds how long a QUIC listener waits for the first stream of a new connection.
	StreamAcceptTimeout time.Duration
	// WebSocketPath is the HTTP path the WebSocket transport upgrades on.
	WebSocketPath string
}

// DefaultConfig returns sane defaults for all transports.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:      4 << 20,
		WriteTimeout:        10 * time.Second,
		KeepAlive:           15 * time.Second,
		StreamAcceptTimeout: 10 * time.Second,
		WebSocketPath:       "/distmaster",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.StreamAcceptTimeout <= 0 {
		c.StreamAcceptTimeout = d.StreamAcceptTimeout
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = d.WebSocketPath
	}
	return c
}
