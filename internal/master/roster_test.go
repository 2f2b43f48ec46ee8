package master

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zeusync/distmaster/internal/core/protocol"
)

func TestRoster(t *testing.T) {
	r := newRoster(4)
	for i := range 20 {
		a, _ := protocol.Pipe(protocol.DefaultConfig())
		r.put(newDistributedSystem(fmt.Sprintf("sys-%02d", i), a, false))
	}
	assert.Equal(t, 20, r.len())

	snap := r.snapshot()
	assert.Len(t, snap, 20)
	assert.Equal(t, "sys-00", snap[0].Name())
	assert.Equal(t, "sys-19", snap[19].Name())

	old := r.get("sys-03")
	a, _ := protocol.Pipe(protocol.DefaultConfig())
	replacement := newDistributedSystem("sys-03", a, false)
	r.put(replacement)

	assert.False(t, r.remove(old), "stale instance must not evict its replacement")
	assert.Same(t, replacement, r.get("sys-03"))
	assert.True(t, r.remove(replacement))
	assert.Nil(t, r.get("sys-03"))
	assert.Equal(t, 19, r.len())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"alpha zero", func(c *Config) { c.Alpha = 0 }},
		{"alpha above one", func(c *Config) { c.Alpha = 1.5 }},
		{"aggregate", func(c *Config) { c.Aggregate = "avg" }},
		{"duplicate", func(c *Config) { c.Duplicate = "ignore" }},
		{"default performance", func(c *Config) { c.DefaultPerformance = 0 }},
		{"round timeout", func(c *Config) { c.RoundTimeout = 0 }},
		{"max rounds", func(c *Config) { c.MaxRounds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfigDefaultsFillZeroValues(t *testing.T) {
	c := Config{Alpha: 0.25}.withDefaults()
	assert.InDelta(t, 0.25, c.Alpha, 1e-9)
	assert.Equal(t, AggregateSum, c.Aggregate)
	assert.Equal(t, DuplicateReject, c.Duplicate)
	assert.Equal(t, DefaultConfig().RoundTimeout, c.RoundTimeout)
}
