package mediator

import (
	"time"

	"github.com/zeusync/distmaster/internal/core/protocol"
	"github.com/zeusync/distmaster/internal/master"
)

// Bridge reserves an external address for one slave identity.
type Bridge struct {
	Identity string
	Address  string
}

type Config struct {
	Transport protocol.TransportType
	// HandshakeTimeout bounds the wait for the identity token after a peer connects.
	HandshakeTimeout time.Duration
	// Duplicate decides whether a new bridge for an identity preempts the active one.
	Duplicate master.DuplicatePolicy
	// RearmAttempts bounds how often a server socket is restarted after its address failed to bind.
	RearmAttempts int
	RearmBackoff  time.Duration
	Protocol      protocol.Config
	Bridges       []Bridge
}

func DefaultConfig() Config {
	return Config{
		Transport:        protocol.TransportTCP,
		HandshakeTimeout: 10 * time.Second,
		Duplicate:        master.DuplicateReject,
		RearmAttempts:    5,
		RearmBackoff:     100 * time.Millisecond,
		Protocol:         protocol.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.Duplicate == "" {
		c.Duplicate = d.Duplicate
	}
	if c.RearmAttempts <= 0 {
		c.RearmAttempts = d.RearmAttempts
	}
	if c.RearmBackoff <= 0 {
		c.RearmBackoff = d.RearmBackoff
	}
	if c.Protocol.MaxMessageSize == 0 {
		c.Protocol = d.Protocol
	}
	return c
}
