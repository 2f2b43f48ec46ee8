package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TransportType names the wire a channel runs over.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "websocket"
	TransportQUIC      TransportType = "quic"
	TransportPipe      TransportType = "pipe"
)

// ParseTransportType maps a configuration string onto a TransportType.
func ParseTransportType(s string) (TransportType, error) {
	switch t := TransportType(strings.ToLower(strings.TrimSpace(s))); t {
	case TransportTCP, TransportWebSocket, TransportQUIC:
		return t, nil
	case "ws":
		return TransportWebSocket, nil
	case "":
		return TransportTCP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrTransportNotSupported, s)
	}
}

// Channel is a bidirectional, message-framed duplex channel between two endpoints.
//
// Send is safe for concurrent use. Receive is meant for a single reader goroutine.
// A context deadline or cancellation unblocks a pending Send or Receive. When Receive
// gives up before any byte of the next frame arrived it returns an error matching
// ErrTimeout and the channel stays usable; any other failure closes the channel and
// returns a *ChannelError.
type Channel interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Transport() TransportType
	LastActivity() time.Time
	// Done is closed once the channel is closed by either side.
	Done() <-chan struct{}
	Close() error
}

// aLongTimeAgo is a non-zero time in the past used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

type baseChannel struct {
	id           string
	transport    TransportType
	local        net.Addr
	remote       net.Addr
	config       Config
	lastActivity atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	closeFn   func() error
}

func (c *baseChannel) init(transport TransportType, local, remote net.Addr, config Config, closeFn func() error) {
	c.id = uuid.NewString()
	c.transport = transport
	c.local = local
	c.remote = remote
	c.config = config.withDefaults()
	c.done = make(chan struct{})
	c.closeFn = closeFn
	c.touch()
}

func (c *baseChannel) ID() string               { return c.id }
func (c *baseChannel) LocalAddr() net.Addr      { return c.local }
func (c *baseChannel) RemoteAddr() net.Addr     { return c.remote }
func (c *baseChannel) Transport() TransportType { return c.transport }
func (c *baseChannel) Done() <-chan struct{}    { return c.done }

func (c *baseChannel) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *baseChannel) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *baseChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close is idempotent; only the first call reaches the underlying transport.
func (c *baseChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}

func (c *baseChannel) fail(op string, err error) error {
	_ = c.Close()
	return &ChannelError{Op: op, Channel: c.id, Err: err}
}

// interruptOnCancel arms fn to run when ctx is cancelled and returns a release func
// that must be called once the guarded I/O returned. Release waits for an already
// running fn so that a late deadline cannot leak into the next operation.
func interruptOnCancel(ctx context.Context, fn func()) (release func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		fn()
	})
	return func() {
		if !stop() {
			<-fired
		}
	}
}

// writeDeadline picks the earlier of the context deadline and now+timeout.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func readDeadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// timeoutError reports a timed out operation, keeping the context cause when there is one.
func timeoutError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return ErrTimeout
}
