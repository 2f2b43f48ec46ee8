package mediator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
)

func startServerSocket(t *testing.T, identity string) (*MediatorServerSocket, protocol.Transport) {
	t.Helper()
	transport := protocol.NewTCPTransport(protocol.DefaultConfig())
	socket := NewMediatorServerSocket(identity, transport, "127.0.0.1:0", DefaultConfig(), log.NewNop())
	require.NoError(t, socket.Start(context.Background()))
	t.Cleanup(func() { _ = socket.Close() })
	return socket, transport
}

func TestServerSocketBridgesMatchingIdentity(t *testing.T) {
	socket, transport := startServerSocket(t, "slave-9")
	ctx := testContext(t)

	type served struct {
		bridge  *MediatorSocket
		channel protocol.Channel
		err     error
	}
	done := make(chan served, 1)
	go func() {
		b, ch, err := socket.Serve(ctx)
		done <- served{b, ch, err}
	}()

	slave, err := transport.Dial(ctx, socket.Addr().String())
	require.NoError(t, err)
	defer slave.Close()
	require.NoError(t, slave.Send(ctx, []byte("slave-9")))

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, protocol.StateConnected, socket.State())
	go func() { _ = out.bridge.Relay(ctx) }()

	require.NoError(t, slave.Send(ctx, []byte("declare")))
	frame, err := out.channel.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "declare", string(frame))

	require.NoError(t, out.channel.Send(ctx, []byte("accept")))
	frame, err = slave.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "accept", string(frame))

	require.NoError(t, out.channel.Close())
	_, err = slave.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
	<-socket.Done()
}

func TestServerSocketRejectsOtherIdentity(t *testing.T) {
	socket, transport := startServerSocket(t, "slave-9")
	ctx := testContext(t)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := socket.Serve(ctx)
		errCh <- err
	}()

	slave, err := transport.Dial(ctx, socket.Addr().String())
	require.NoError(t, err)
	defer slave.Close()
	require.NoError(t, slave.Send(ctx, []byte("slave-7")))

	assert.ErrorIs(t, <-errCh, ErrIdentityMismatch)
	assert.Equal(t, protocol.StateClosed, socket.State())

	_, err = slave.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
}

func TestServerSocketIsSingleUse(t *testing.T) {
	socket, _ := startServerSocket(t, "slave-9")
	assert.ErrorIs(t, socket.Start(context.Background()), protocol.ErrInvalidState)
	assert.Equal(t, "slave-9", socket.Identity())

	require.NoError(t, socket.Close())
	_, _, err := socket.Serve(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidState)
}
