package mediator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"github.com/zeusync/distmaster/internal/master"
)

type arrayEnv struct {
	mediator  *ExternalServerArrayMediator
	transport protocol.Transport
	connected chan master.Connection
}

func newArrayEnv(t *testing.T, duplicate master.DuplicatePolicy) *arrayEnv {
	t.Helper()
	events := bus.New()
	connected := make(chan master.Connection, 8)
	require.NoError(t, events.RegisterListener(master.EventSystemConnected, bus.ListenerFunc("test", func(ev bus.Event) error {
		connected <- ev.Data().(master.Connection)
		return nil
	})))

	cfg := DefaultConfig()
	cfg.Duplicate = duplicate
	cfg.HandshakeTimeout = time.Second
	transport := protocol.NewTCPTransport(cfg.Protocol)
	m := NewExternalServerArrayMediator(cfg, transport, events, log.NewNop())
	t.Cleanup(func() {
		_ = m.Close()
		_ = events.Close()
	})
	return &arrayEnv{mediator: m, transport: transport, connected: connected}
}

// dial connects to addr and presents token, retrying while the bridge is being re-armed.
func (e *arrayEnv) dial(t *testing.T, addr, token string) protocol.Channel {
	t.Helper()
	var ch protocol.Channel
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		c, err := e.transport.Dial(ctx, addr)
		if err != nil {
			return false
		}
		if err = c.Send(ctx, []byte(token)); err != nil {
			_ = c.Close()
			return false
		}
		ch = c
		return true
	}, testWait, 20*time.Millisecond)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func (e *arrayEnv) waitConnected(t *testing.T) master.Connection {
	t.Helper()
	select {
	case conn := <-e.connected:
		return conn
	case <-time.After(testWait):
		require.FailNow(t, "no bridged connection")
		return master.Connection{}
	}
}

func TestArrayBridgesReservedIdentity(t *testing.T) {
	env := newArrayEnv(t, master.DuplicateReject)
	ctx := testContext(t)

	addr, err := env.mediator.AddSystem(ctx, "slave-9", "127.0.0.1:0")
	require.NoError(t, err)

	_, err = env.mediator.AddSystem(ctx, "slave-9", "127.0.0.1:0")
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	reserved, err := env.mediator.Addr("slave-9")
	require.NoError(t, err)
	assert.Equal(t, addr.String(), reserved)
	assert.Equal(t, []string{"slave-9"}, env.mediator.Identities())

	slave := env.dial(t, reserved, "slave-9")
	conn := env.waitConnected(t)
	assert.Equal(t, "slave-9", conn.Identity)
	assert.True(t, conn.Bridged)
	assert.True(t, env.mediator.Bridged("slave-9"))

	require.NoError(t, slave.Send(ctx, []byte("declare")))
	frame, err := conn.Channel.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "declare", string(frame))

	require.NoError(t, conn.Channel.Send(ctx, []byte("accept")))
	frame, err = slave.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "accept", string(frame))

	assert.Eventually(t, func() bool {
		stats := env.mediator.Stats()
		return len(stats) == 1 && stats[0].Active && stats[0].Stats == Stats{ToInternal: 1, ToExternal: 1}
	}, testWait, 5*time.Millisecond)
}

func TestArrayRejectsMismatchAndRearms(t *testing.T) {
	env := newArrayEnv(t, master.DuplicateReject)
	ctx := testContext(t)

	_, err := env.mediator.AddSystem(ctx, "slave-9", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := env.mediator.Addr("slave-9")
	require.NoError(t, err)

	impostor := env.dial(t, addr, "slave-7")
	_, err = impostor.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
	assert.False(t, env.mediator.Bridged("slave-9"))

	select {
	case conn := <-env.connected:
		t.Fatalf("unexpected bridge for %q", conn.Identity)
	default:
	}

	env.dial(t, addr, "slave-9")
	conn := env.waitConnected(t)
	assert.Equal(t, "slave-9", conn.Identity)
}

func TestArrayRearmsAfterBridgeCloses(t *testing.T) {
	env := newArrayEnv(t, master.DuplicateReject)
	ctx := testContext(t)

	_, err := env.mediator.AddSystem(ctx, "slave-9", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := env.mediator.Addr("slave-9")
	require.NoError(t, err)

	first := env.dial(t, addr, "slave-9")
	conn := env.waitConnected(t)

	require.NoError(t, conn.Channel.Close())
	_, err = first.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)

	env.dial(t, addr, "slave-9")
	again := env.waitConnected(t)
	assert.Equal(t, "slave-9", again.Identity)
	assert.NotSame(t, conn.Channel, again.Channel)
}

func TestArrayPreemptReplacesBridge(t *testing.T) {
	env := newArrayEnv(t, master.DuplicatePreempt)
	ctx := testContext(t)

	_, err := env.mediator.AddSystem(ctx, "slave-9", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := env.mediator.Addr("slave-9")
	require.NoError(t, err)

	first := env.dial(t, addr, "slave-9")
	firstConn := env.waitConnected(t)

	env.dial(t, addr, "slave-9")
	secondConn := env.waitConnected(t)
	assert.Equal(t, "slave-9", secondConn.Identity)

	_, err = first.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
	_, err = firstConn.Channel.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
	assert.True(t, env.mediator.Bridged("slave-9"))
}

func TestArrayRemoveSystem(t *testing.T) {
	env := newArrayEnv(t, master.DuplicateReject)
	ctx := testContext(t)

	_, err := env.mediator.AddSystem(ctx, "slave-9", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := env.mediator.Addr("slave-9")
	require.NoError(t, err)

	slave := env.dial(t, addr, "slave-9")
	env.waitConnected(t)

	require.NoError(t, env.mediator.RemoveSystem("slave-9"))
	assert.ErrorIs(t, env.mediator.RemoveSystem("slave-9"), ErrUnknownIdentity)
	_, err = env.mediator.Addr("slave-9")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.Empty(t, env.mediator.Identities())

	_, err = slave.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
}

func TestArrayClose(t *testing.T) {
	env := newArrayEnv(t, master.DuplicateReject)
	ctx := testContext(t)

	_, err := env.mediator.AddSystem(ctx, "slave-1", "127.0.0.1:0")
	require.NoError(t, err)
	_, err = env.mediator.AddSystem(ctx, "slave-2", "127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, env.mediator.Close())
	require.NoError(t, env.mediator.Close())
	assert.Empty(t, env.mediator.Identities())

	_, err = env.mediator.AddSystem(ctx, "slave-3", "127.0.0.1:0")
	assert.ErrorIs(t, err, ErrMediatorClosed)
}
