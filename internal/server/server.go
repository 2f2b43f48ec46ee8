package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"github.com/zeusync/distmaster/internal/core/storage"
	"github.com/zeusync/distmaster/internal/master"
	"github.com/zeusync/distmaster/internal/mediator"
)

// Server is the master process: it accepts slaves directly and through the mediator,
// keeps the registry of their roles and schedules jobs across them.
type Server struct {
	// Core components
	transport protocol.Transport
	listener  protocol.Listener
	events    bus.EventBus
	store     storage.HistoryStore
	registry  *master.Registry
	scheduler *master.Scheduler
	mediator  *mediator.ExternalServerArrayMediator

	observer *eventObserver

	accepted atomic.Int64
	rejected atomic.Int64

	// Server state
	running atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool

	config Config
	logger log.Log

	// Background workers
	workerGroup sync.WaitGroup
	stopChan    chan struct{}
}

// Config holds server configuration
type Config struct {
	// Network settings
	ListenAddr string
	Transport  protocol.TransportType
	// MaxSystems caps active systems; directly connecting slaves beyond it are dropped. Zero means no cap.
	MaxSystems int
	// AcceptTimeout bounds a single wait of the accept loop.
	AcceptTimeout time.Duration
	Protocol      protocol.Config

	// Health monitoring
	HealthCheckInterval time.Duration
	HeartbeatTimeout    time.Duration

	Master   master.Config
	Mediator mediator.Config
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:          "127.0.0.1:7400",
		Transport:           protocol.TransportTCP,
		AcceptTimeout:       30 * time.Second,
		Protocol:            protocol.DefaultConfig(),
		HealthCheckInterval: 10 * time.Second,
		HeartbeatTimeout:    time.Minute,
		Master:              master.DefaultConfig(),
		Mediator:            mediator.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: empty listen address", ErrInvalidConfig)
	}
	if _, err := protocol.ParseTransportType(string(c.Transport)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.HealthCheckInterval <= 0 || c.HeartbeatTimeout <= 0 || c.AcceptTimeout <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	if c.MaxSystems < 0 {
		return fmt.Errorf("%w: negative max systems", ErrInvalidConfig)
	}
	if err := c.Master.Validate(); err != nil {
		return fmt.Errorf("%w: master: %v", ErrInvalidConfig, err)
	}
	return nil
}

// NewServer wires the master components. The server owns events and store and
// closes them in Close.
func NewServer(config Config, logger log.Log, events bus.EventBus, store storage.HistoryStore) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Provide()
	}
	if events == nil {
		events = bus.New(bus.WithLogger(logger))
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	kind, _ := protocol.ParseTransportType(string(config.Transport))
	transport, err := protocol.NewTransport(kind, config.Protocol)
	if err != nil {
		return nil, err
	}
	bridgeKind, err := protocol.ParseTransportType(string(config.Mediator.Transport))
	if err != nil {
		return nil, fmt.Errorf("%w: mediator: %v", ErrInvalidConfig, err)
	}
	bridgeTransport, err := protocol.NewTransport(bridgeKind, config.Mediator.Protocol)
	if err != nil {
		return nil, err
	}

	registry := master.NewRegistry(config.Master, events, store, logger)
	s := &Server{
		transport: transport,
		events:    events,
		store:     store,
		registry:  registry,
		scheduler: master.NewScheduler(registry, events, logger),
		mediator:  mediator.NewExternalServerArrayMediator(config.Mediator, bridgeTransport, events, logger),
		config:    config,
		logger:    logger.With(log.String("component", "server")),
		observer:  newEventObserver(logger),
		stopChan:  make(chan struct{}),
	}
	events.AddObserver(s.observer)

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.String("transport", string(config.Transport)),
		log.Int("bridges", len(config.Mediator.Bridges)))

	return s, nil
}

// Start loads the history table, opens the direct listener and arms every configured bridge.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() || s.stopped.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	// a failed start leaves the server stopped; only Close is meaningful afterwards
	fail := func(err error) error {
		s.stopped.Store(true)
		s.running.Store(false)
		_ = s.mediator.Close()
		_ = s.registry.Close()
		return err
	}

	if err := s.registry.Start(ctx); err != nil {
		return fail(err)
	}

	listener, err := s.transport.Listen(ctx, s.config.ListenAddr)
	if err != nil {
		s.logger.Error("Failed to create listener", log.Error(err))
		return fail(fmt.Errorf("%w: %w", ErrListenerFailed, err))
	}
	s.listener = listener

	for _, b := range s.config.Mediator.Bridges {
		if _, err = s.mediator.AddSystem(ctx, b.Identity, b.Address); err != nil {
			s.logger.Error("Failed to reserve bridge", log.String("identity", b.Identity), log.Error(err))
			_ = listener.Close()
			return fail(err)
		}
	}

	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))

	s.startWorkers()

	s.logger.Info("Server started successfully")
	return nil
}

// Stop closes the listener and the bridges and disconnects every system. A stopped
// server cannot be started again.
func (s *Server) Stop(_ context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}
	s.stopped.Store(true)

	s.logger.Info("Stopping server")

	close(s.stopChan)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.stopWorkers()

	_ = s.mediator.Close()
	_ = s.registry.Close()

	s.logger.Info("Server stopped")
	return nil
}

// Close stops the server if needed and releases the event bus and the history store.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info("Closing server")

	if s.running.Load() {
		_ = s.Stop(context.Background())
	}
	_ = s.mediator.Close()
	_ = s.registry.Close()

	s.events.RemoveObserver(s.observer)
	err := errors.Join(s.events.Close(), s.store.Close())
	s.logger.Info("Server closed")
	return err
}

func (s *Server) Registry() *master.Registry                      { return s.registry }
func (s *Server) Scheduler() *master.Scheduler                    { return s.scheduler }
func (s *Server) Mediator() *mediator.ExternalServerArrayMediator { return s.mediator }
func (s *Server) Events() bus.EventBus                            { return s.events }

// Addr is the bound address of the direct listener, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats contains server statistics
type Stats struct {
	Systems  int
	Accepted int64
	Rejected int64
	Bridges  []mediator.BridgeStats
	Events   bus.EventBusMetrics
	// Unheard counts events delivered while nothing listened for their kind.
	Unheard int64
	Running bool
}

// Stats returns server statistics
func (s *Server) Stats() Stats {
	return Stats{
		Systems:  s.registry.Len(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Bridges:  s.mediator.Stats(),
		Events:   s.events.GetMetrics(),
		Unheard:  s.observer.unheard.Load(),
		Running:  s.running.Load(),
	}
}

// startWorkers starts background worker goroutines
func (s *Server) startWorkers() {
	s.workerGroup.Add(2)

	go func() {
		defer s.workerGroup.Done()
		s.acceptConnections()
	}()

	// Health monitor
	go func() {
		defer s.workerGroup.Done()
		s.healthMonitor()
	}()
}

// stopWorkers stops background worker goroutines
func (s *Server) stopWorkers() {
	s.workerGroup.Wait()
}

// acceptConnections hands every direct connection to the registry through system.connected.
func (s *Server) acceptConnections() {
	s.logger.Debug("Connection acceptor started")
	defer s.logger.Debug("Connection acceptor stopped")

	for s.running.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.AcceptTimeout)
		ch, err := s.listener.Accept(ctx)
		cancel()

		if err != nil {
			if !s.running.Load() || errors.Is(err, protocol.ErrListenerClosed) {
				return
			}
			if errors.Is(err, protocol.ErrTimeout) {
				continue
			}
			s.logger.Error("Failed to accept connection", log.Error(err))

			select {
			case <-s.stopChan:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if s.config.MaxSystems > 0 && s.registry.Len() >= s.config.MaxSystems {
			s.rejected.Add(1)
			s.logger.Warn("Maximum systems reached, rejecting connection",
				log.String("remote_addr", ch.RemoteAddr().String()))
			_ = ch.Close()
			continue
		}

		s.accepted.Add(1)
		s.logger.Debug("Slave connected",
			log.String("remote_addr", ch.RemoteAddr().String()),
			log.String("transport", string(ch.Transport())))

		connected := bus.NewEvent(master.EventSystemConnected, "server", master.Connection{Channel: ch}, nil)
		if !s.events.Dispatch(connected) {
			s.logger.Warn("No listener for connected systems")
			_ = ch.Close()
		}
	}
}

// healthMonitor drops silent systems and expired histories
func (s *Server) healthMonitor() {
	s.logger.Debug("Health monitor started")

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthChecks(time.Now())
		case <-s.stopChan:
			s.logger.Debug("Health monitor stopped")
			return
		}
	}
}

func (s *Server) performHealthChecks(now time.Time) {
	dropped := s.registry.CheckHeartbeats(now, s.config.HeartbeatTimeout)
	purged := s.registry.PurgeExpired(now)

	if len(dropped) > 0 || len(purged) > 0 {
		s.logger.Info("Health check completed",
			log.Strings("disconnected_systems", dropped),
			log.Strings("purged_histories", purged),
			log.Int("active_systems", s.registry.Len()))
	}
}
