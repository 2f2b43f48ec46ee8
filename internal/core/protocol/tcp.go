package protocol

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"
)

// TCPTransport carries length-prefixed frames over plain TCP connections.
type TCPTransport struct {
	config Config
}

var _ Transport = (*TCPTransport)(nil)

func NewTCPTransport(config Config) *TCPTransport {
	return &TCPTransport{config: config.withDefaults()}
}

func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

func (t *TCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.config.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to listen on %s", addr)
	}
	return &tcpListener{ln: ln.(*net.TCPListener), config: t.config}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Channel, error) {
	d := net.Dialer{KeepAlive: t.config.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to dial %s", addr)
	}
	return newTCPChannel(conn, t.config), nil
}

func newTCPChannel(conn net.Conn, config Config) Channel {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return newStreamChannel(TransportTCP, conn, conn.LocalAddr(), conn.RemoteAddr(), config, conn.Close)
}

type tcpListener struct {
	ln     *net.TCPListener
	config Config
	closed atomic.Bool
}

func (l *tcpListener) Accept(ctx context.Context) (Channel, error) {
	if l.closed.Load() {
		return nil, ErrListenerClosed
	}

	_ = l.ln.SetDeadline(readDeadline(ctx))
	release := interruptOnCancel(ctx, func() { _ = l.ln.SetDeadline(aLongTimeAgo) })
	conn, err := l.ln.Accept()
	release()
	if err != nil {
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		if isTimeout(err) {
			return nil, timeoutError(ctx)
		}
		return nil, pkgerrors.Wrap(err, "failed to accept connection")
	}
	return newTCPChannel(conn, l.config), nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}
