package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
)

// WebSocketTransport carries one frame per binary WebSocket message.
type WebSocketTransport struct {
	config   Config
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocketTransport(config Config) *WebSocketTransport {
	config = config.withDefaults()
	return &WebSocketTransport{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.WriteTimeout,
		},
	}
}

func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

func (t *WebSocketTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to listen on %s", addr)
	}

	l := &wsListener{
		ln:       ln,
		accepted: make(chan Channel),
		closed:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.config.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := newWebSocketChannel(conn, t.config)
		select {
		case l.accepted <- ch:
		case <-l.closed:
			_ = ch.Close()
		case <-r.Context().Done():
			_ = ch.Close()
		}
	})
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: t.config.WriteTimeout,
	}

	go func() {
		_ = l.server.Serve(ln)
	}()

	return l, nil
}

func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (Channel, error) {
	u := fmt.Sprintf("ws://%s%s", addr, t.config.WebSocketPath)
	conn, _, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to dial %s", u)
	}
	return newWebSocketChannel(conn, t.config), nil
}

type wsListener struct {
	ln        net.Listener
	server    *http.Server
	accepted  chan Channel
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (l *wsListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case <-l.closed:
		return nil, ErrListenerClosed
	default:
	}

	select {
	case ch := <-l.accepted:
		return ch, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, timeoutError(ctx)
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the HTTP server. Upgraded connections are hijacked and stay open.
func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.closeErr = l.server.Close()
	})
	return l.closeErr
}

// wsChannel maps frames onto WebSocket messages. Any read failure, timeouts included,
// leaves a gorilla connection unusable, so it always closes the channel.
type wsChannel struct {
	baseChannel
	conn    *websocket.Conn
	writeMu sync.Mutex
}

var _ Channel = (*wsChannel)(nil)

func newWebSocketChannel(conn *websocket.Conn, config Config) *wsChannel {
	c := &wsChannel{conn: conn}
	c.init(TransportWebSocket, conn.LocalAddr(), conn.RemoteAddr(), config, c.closeConn)
	conn.SetReadLimit(int64(c.config.MaxMessageSize))
	return c
}

// closeConn may run concurrently with a pending write; gorilla allows WriteControl and Close there.
func (c *wsChannel) closeConn() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsChannel) Send(ctx context.Context, frame []byte) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if uint64(len(frame)) > uint64(c.config.MaxMessageSize) {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(frame), c.config.MaxMessageSize)
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(writeDeadline(ctx, c.config.WriteTimeout))
	release := interruptOnCancel(ctx, func() { _ = c.conn.SetWriteDeadline(aLongTimeAgo) })
	err := c.conn.WriteMessage(websocket.BinaryMessage, frame)
	release()
	c.writeMu.Unlock()

	if err != nil {
		if c.isClosed() {
			return ErrChannelClosed
		}
		return c.fail("send", pkgerrors.Wrap(err, "failed to write message"))
	}

	c.touch()
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrChannelClosed
	}

	_ = c.conn.SetReadDeadline(readDeadline(ctx))
	release := interruptOnCancel(ctx, func() { _ = c.conn.SetReadDeadline(aLongTimeAgo) })
	defer release()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return nil, ErrChannelClosed
			}
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				err = ErrFrameTooLarge
			case isTimeout(err):
				err = timeoutError(ctx)
			default:
				err = pkgerrors.Wrap(err, "failed to read message")
			}
			return nil, c.fail("receive", err)
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		c.touch()
		return data, nil
	}
}
