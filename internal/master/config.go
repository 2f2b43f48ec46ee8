package master

import (
	"fmt"
	"time"
)

// AggregatePolicy decides how role performances combine into a system's performance.
type AggregatePolicy string

const (
	AggregateSum AggregatePolicy = "sum"
	AggregateMax AggregatePolicy = "max"
)

// DuplicatePolicy decides what happens when a logical name that is already active connects again.
type DuplicatePolicy string

const (
	// DuplicateReject refuses the newcomer.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicatePreempt closes the active system and admits the newcomer.
	DuplicatePreempt DuplicatePolicy = "preempt"
)

type Config struct {
	// Alpha is the EWMA smoothing factor for recalibration, in (0, 1].
	Alpha              float64
	Aggregate          AggregatePolicy
	Duplicate          DuplicatePolicy
	DefaultPerformance float64
	// ReconnectGrace is how long a disconnected system's history is kept for reattachment.
	ReconnectGrace   time.Duration
	HandshakeTimeout time.Duration
	RoundTimeout     time.Duration
	// MaxRounds bounds Scheduler.Run. Zero means no limit.
	MaxRounds   int
	RosterShard int
}

func DefaultConfig() Config {
	return Config{
		Alpha:              DefaultAlpha,
		Aggregate:          AggregateSum,
		Duplicate:          DuplicateReject,
		DefaultPerformance: 1.0,
		ReconnectGrace:     5 * time.Minute,
		HandshakeTimeout:   10 * time.Second,
		RoundTimeout:       30 * time.Second,
		RosterShard:        16,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0, 1], got %v", c.Alpha)
	}
	switch c.Aggregate {
	case AggregateSum, AggregateMax:
	default:
		return fmt.Errorf("unknown aggregate policy %q", c.Aggregate)
	}
	switch c.Duplicate {
	case DuplicateReject, DuplicatePreempt:
	default:
		return fmt.Errorf("unknown duplicate policy %q", c.Duplicate)
	}
	if c.DefaultPerformance <= 0 {
		return fmt.Errorf("default performance must be positive, got %v", c.DefaultPerformance)
	}
	if c.ReconnectGrace < 0 || c.HandshakeTimeout <= 0 || c.RoundTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxRounds < 0 {
		return fmt.Errorf("max rounds must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha == 0 {
		c.Alpha = d.Alpha
	}
	if c.Aggregate == "" {
		c.Aggregate = d.Aggregate
	}
	if c.Duplicate == "" {
		c.Duplicate = d.Duplicate
	}
	if c.DefaultPerformance == 0 {
		c.DefaultPerformance = d.DefaultPerformance
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.RoundTimeout == 0 {
		c.RoundTimeout = d.RoundTimeout
	}
	if c.RosterShard <= 0 {
		c.RosterShard = d.RosterShard
	}
	return c
}
