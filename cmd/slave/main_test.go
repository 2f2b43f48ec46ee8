package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/sdk/go/client"
)

func TestUnitCosts(t *testing.T) {
	roles := []client.Role{
		{Name: "render", Attributes: map[string]string{"unit_cost": "5ms"}},
		{Name: "encode", Attributes: map[string]string{"unit_cost": "soon"}},
		{Name: "plain"},
	}
	costs := unitCosts(roles, log.NewNop())
	assert.Equal(t, map[string]time.Duration{"render": 5 * time.Millisecond}, costs)
}

func TestProcess(t *testing.T) {
	n, err := process(context.Background(), 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err = process(ctx, 1000, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, n, 1000)
}
