package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zeusync/distmaster/internal/core/observability/log"
)

// ServerState is the lifecycle state of a OneToOneServer.
type ServerState int32

const (
	StateIdle ServerState = iota
	StateListening
	StateConnected
	StateClosed
)

func (s ServerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type ServerConfig struct {
	// AcceptTimeout bounds Accept. Zero waits until the context ends.
	AcceptTimeout time.Duration
}

// OneToOneServer accepts exactly one peer and then stops listening.
//
// Idle -> Listening on Start, Listening -> Connected on the first accepted peer,
// and any state -> Closed on Close, accept failure or closure of the accepted channel.
// Closed is terminal; a server never serves a second connection.
type OneToOneServer struct {
	transport Transport
	address   string
	config    ServerConfig
	logger    log.Log

	mu        sync.Mutex
	state     ServerState
	accepting bool
	listener  Listener
	addr      net.Addr
	channel   Channel
	done      chan struct{}
}

func NewOneToOneServer(transport Transport, address string, config ServerConfig, logger log.Log) *OneToOneServer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &OneToOneServer{
		transport: transport,
		address:   address,
		config:    config,
		logger:    logger.With(log.String("component", "one_to_one_server"), log.String("address", address)),
		done:      make(chan struct{}),
	}
}

// Start opens the listening endpoint.
func (s *OneToOneServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: start in %s", ErrInvalidState, s.state)
	}

	ln, err := s.transport.Listen(ctx, s.address)
	if err != nil {
		s.closeLocked()
		return err
	}

	s.listener = ln
	s.addr = ln.Addr()
	s.state = StateListening
	s.logger.Debug("Listening", log.String("bound", s.addr.String()))
	return nil
}

// Accept waits for the single peer. The listener is closed as soon as it is accepted.
func (s *OneToOneServer) Accept(ctx context.Context) (Channel, error) {
	s.mu.Lock()
	if s.state != StateListening || s.accepting {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: accept in %s", ErrInvalidState, state)
	}
	s.accepting = true
	ln := s.listener
	s.mu.Unlock()

	if s.config.AcceptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.AcceptTimeout)
		defer cancel()
	}

	ch, err := ln.Accept(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepting = false

	if s.state != StateListening {
		if ch != nil {
			_ = ch.Close()
		}
		return nil, fmt.Errorf("%w: server closed while accepting", ErrInvalidState)
	}

	if err != nil {
		s.closeLocked()
		if errors.Is(err, ErrTimeout) {
			s.logger.Debug("Accept timed out")
		}
		return nil, err
	}

	_ = s.listener.Close()
	s.listener = nil
	s.channel = ch
	s.state = StateConnected
	s.logger.Debug("Peer connected", log.String("remote", ch.RemoteAddr().String()))

	go s.watch(ch)

	return ch, nil
}

func (s *OneToOneServer) watch(ch Channel) {
	select {
	case <-ch.Done():
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
	case <-s.done:
	}
}

func (s *OneToOneServer) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr is the bound address. It stays available after the listener closed.
func (s *OneToOneServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Channel returns the accepted channel, or nil before a peer connected.
func (s *OneToOneServer) Channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Done is closed when the server reaches StateClosed.
func (s *OneToOneServer) Done() <-chan struct{} {
	return s.done
}

func (s *OneToOneServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *OneToOneServer) closeLocked() {
	if s.state == StateClosed {
		return
	}
	prev := s.state
	s.state = StateClosed
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	if s.channel != nil {
		_ = s.channel.Close()
	}
	close(s.done)
	s.logger.Debug("Closed", log.String("from", prev.String()))
}
