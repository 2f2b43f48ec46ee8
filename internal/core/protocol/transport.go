package protocol

import (
	"context"
	"fmt"
	"net"
)

// Transport opens and accepts session channels over one kind of wire.
type Transport interface {
	Type() TransportType
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Channel, error)
}

// Listener accepts channels on a bound address.
type Listener interface {
	// Accept waits for the next peer. Context expiry yields an error matching ErrTimeout
	// and leaves the listener open; a closed listener yields ErrListenerClosed.
	Accept(ctx context.Context) (Channel, error)
	Addr() net.Addr
	Close() error
}

// NewTransport builds the transport for the given type.
func NewTransport(transportType TransportType, config Config) (Transport, error) {
	config = config.withDefaults()
	switch transportType {
	case TransportTCP:
		return NewTCPTransport(config), nil
	case TransportWebSocket:
		return NewWebSocketTransport(config), nil
	case TransportQUIC:
		return NewQUICTransport(config), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrTransportNotSupported, transportType)
	}
}
