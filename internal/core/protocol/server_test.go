package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneToOneServerLifecycle(t *testing.T) {
	transport := NewTCPTransport(testConfig())
	srv := NewOneToOneServer(transport, "127.0.0.1:0", ServerConfig{}, nil)

	_, err := srv.Accept(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateIdle, srv.State())

	require.NoError(t, srv.Start(context.Background()))
	assert.Equal(t, StateListening, srv.State())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrInvalidState)

	addr := srv.Addr().String()
	go func() {
		ch, err := transport.Dial(context.Background(), addr)
		if err == nil {
			_ = ch.Send(context.Background(), []byte("hi"))
			_, _ = ch.Receive(context.Background())
		}
	}()

	ch, err := srv.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, srv.State())
	assert.Same(t, ch, srv.Channel())

	// no second peer: the listener is gone
	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
	_, err = srv.Accept(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	frame, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), frame)

	require.NoError(t, ch.Close())
	select {
	case <-srv.Done():
	case <-time.After(time.Second):
		t.Fatal("server did not close with its channel")
	}
	assert.Equal(t, StateClosed, srv.State())
	assert.Equal(t, addr, srv.Addr().String())

	require.NoError(t, srv.Close())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrInvalidState)
}

func TestOneToOneServerAcceptTimeout(t *testing.T) {
	srv := NewOneToOneServer(NewTCPTransport(testConfig()), "127.0.0.1:0", ServerConfig{AcceptTimeout: 30 * time.Millisecond}, nil)
	require.NoError(t, srv.Start(context.Background()))

	_, err := srv.Accept(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateClosed, srv.State())
}

func TestOneToOneServerCloseWhileAccepting(t *testing.T) {
	srv := NewOneToOneServer(NewTCPTransport(testConfig()), "127.0.0.1:0", ServerConfig{}, nil)
	require.NoError(t, srv.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := srv.Accept(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrInvalidState)
	case <-time.After(time.Second):
		t.Fatal("accept not released by close")
	}
	assert.Equal(t, StateClosed, srv.State())
}

func TestServerStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
}
