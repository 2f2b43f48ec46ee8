package mediator

import (
	"context"
	"fmt"
	"net"

	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
)

// MediatorServerSocket listens on an address reserved for one slave identity and
// bridges the single peer that presents it.
//
// The peer's first frame is the raw identity token. On a match the external channel
// is relayed into an in-memory pipe whose other end is handed to the master as if the
// slave had connected directly.
type MediatorServerSocket struct {
	identity string
	server   *protocol.OneToOneServer
	config   Config
	logger   log.Log
}

func NewMediatorServerSocket(identity string, transport protocol.Transport, address string, config Config, logger log.Log) *MediatorServerSocket {
	if logger == nil {
		logger = log.NewNop()
	}
	config = config.withDefaults()
	logger = logger.With(log.String("identity", identity))
	return &MediatorServerSocket{
		identity: identity,
		server:   protocol.NewOneToOneServer(transport, address, protocol.ServerConfig{}, logger),
		config:   config,
		logger:   logger,
	}
}

func (s *MediatorServerSocket) Identity() string {
	return s.identity
}

// Start opens the reserved endpoint.
func (s *MediatorServerSocket) Start(ctx context.Context) error {
	if err := s.server.Start(ctx); err != nil {
		return err
	}
	s.logger.Debug("Awaiting bridge", log.String("address", s.server.Addr().String()))
	return nil
}

// Serve accepts the peer and checks its identity token. It returns the running
// bridge and the internal channel end to register with the master.
func (s *MediatorServerSocket) Serve(ctx context.Context) (*MediatorSocket, protocol.Channel, error) {
	external, err := s.server.Accept(ctx)
	if err != nil {
		return nil, nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	token, err := external.Receive(hctx)
	cancel()
	if err != nil {
		_ = s.server.Close()
		return nil, nil, fmt.Errorf("read identity token: %w", err)
	}
	if string(token) != s.identity {
		_ = s.server.Close()
		s.logger.Warn("Bridge identity mismatch",
			log.String("presented", string(token)),
			log.String("remote", external.RemoteAddr().String()),
		)
		return nil, nil, fmt.Errorf("%w: %q presented on the bridge for %q", ErrIdentityMismatch, token, s.identity)
	}

	internal, bridged := protocol.Pipe(s.config.Protocol)
	socket := NewMediatorSocket(external, internal, s.logger)
	s.logger.Info("Bridge accepted", log.String("remote", external.RemoteAddr().String()))
	return socket, bridged, nil
}

func (s *MediatorServerSocket) Addr() net.Addr {
	return s.server.Addr()
}

func (s *MediatorServerSocket) State() protocol.ServerState {
	return s.server.State()
}

// Done is closed once the socket can no longer accept or its bridge ended.
func (s *MediatorServerSocket) Done() <-chan struct{} {
	return s.server.Done()
}

func (s *MediatorServerSocket) Close() error {
	return s.server.Close()
}
