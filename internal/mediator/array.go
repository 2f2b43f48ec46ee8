package mediator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"github.com/zeusync/distmaster/internal/master"
)

const eventSource = "mediator"

type bridgeEntry struct {
	identity string
	// address is the resolved listen address, reused whenever the entry is re-armed.
	address string
	socket  *MediatorServerSocket
	active  *MediatorSocket
	removed bool
}

// BridgeStats describes one reserved identity.
type BridgeStats struct {
	Identity string
	Address  string
	Active   bool
	Stats
}

// ExternalServerArrayMediator keeps one MediatorServerSocket armed per reserved identity.
//
// A server socket serves a single peer, so a fresh one is started on the same address
// once it is used up. Under DuplicateReject that happens after the active bridge closes,
// so a concurrent second dial finds nobody listening. Under DuplicatePreempt it happens
// right after a bridge is accepted, and the next accepted bridge closes the previous one.
type ExternalServerArrayMediator struct {
	config    Config
	transport protocol.Transport
	events    bus.EventBus
	logger    log.Log

	mu      sync.Mutex
	entries map[string]*bridgeEntry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExternalServerArrayMediator(config Config, transport protocol.Transport, events bus.EventBus, logger log.Log) *ExternalServerArrayMediator {
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExternalServerArrayMediator{
		config:    config.withDefaults(),
		transport: transport,
		events:    events,
		logger:    logger.With(log.String("component", "mediator")),
		entries:   make(map[string]*bridgeEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AddSystem reserves address for identity and starts awaiting its bridge.
func (m *ExternalServerArrayMediator) AddSystem(ctx context.Context, identity, address string) (net.Addr, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: empty identity", protocol.ErrInvalidMessage)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMediatorClosed
	}
	if _, ok := m.entries[identity]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: bridge for %q", ErrDuplicateIdentity, identity)
	}
	entry := &bridgeEntry{identity: identity, address: address}
	m.entries[identity] = entry
	m.mu.Unlock()

	socket, err := m.arm(ctx, entry)
	if err != nil {
		m.mu.Lock()
		if m.entries[identity] == entry {
			delete(m.entries, identity)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.logger.Info("Bridge reserved", log.String("identity", identity), log.String("address", socket.Addr().String()))
	return socket.Addr(), nil
}

func (m *ExternalServerArrayMediator) arm(ctx context.Context, entry *bridgeEntry) (*MediatorServerSocket, error) {
	m.mu.Lock()
	address := entry.address
	m.mu.Unlock()

	socket := NewMediatorServerSocket(entry.identity, m.transport, address, m.config, m.logger)
	if err := socket.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if entry.removed || m.closed {
		m.mu.Unlock()
		_ = socket.Close()
		return nil, ErrMediatorClosed
	}
	entry.socket = socket
	entry.address = socket.Addr().String()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.serve(entry, socket)
	return socket, nil
}

// rearm starts a fresh server socket for entry, retrying while the address is still held.
func (m *ExternalServerArrayMediator) rearm(entry *bridgeEntry) {
	var err error
	for attempt := 1; attempt <= m.config.RearmAttempts; attempt++ {
		if _, err = m.arm(m.ctx, entry); err == nil || errors.Is(err, ErrMediatorClosed) {
			return
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * m.config.RearmBackoff):
		}
	}
	m.logger.Error("Failed to re-arm bridge", log.String("identity", entry.identity), log.Error(err))
}

func (m *ExternalServerArrayMediator) serve(entry *bridgeEntry, socket *MediatorServerSocket) {
	defer m.wg.Done()
	logger := m.logger.With(log.String("identity", entry.identity))

	bridge, channel, err := socket.Serve(m.ctx)
	if err != nil {
		if m.stopped(entry) {
			return
		}
		if errors.Is(err, ErrIdentityMismatch) {
			logger.Warn("Rejected bridge", log.Error(err))
		} else {
			logger.Debug("Bridge accept failed", log.Error(err))
		}
		m.rearm(entry)
		return
	}

	m.mu.Lock()
	if entry.removed || m.closed {
		m.mu.Unlock()
		_ = bridge.Close()
		_ = channel.Close()
		return
	}
	previous := entry.active
	entry.active = bridge
	m.mu.Unlock()

	preempt := m.config.Duplicate == master.DuplicatePreempt
	if preempt {
		if previous != nil {
			logger.Info("Bridge preempted")
			_ = previous.Close()
		}
		m.rearm(entry)
	}

	delivered := m.events.Dispatch(bus.NewEvent(master.EventSystemConnected, eventSource, master.Connection{
		Identity: entry.identity,
		Channel:  channel,
		Bridged:  true,
	}, nil))
	if !delivered {
		logger.Warn("No listener for bridged system")
		_ = bridge.Close()
		_ = channel.Close()
	} else {
		err = bridge.Relay(m.ctx)
		logger.Info("Bridge closed", log.Error(err))
	}

	m.mu.Lock()
	if entry.active == bridge {
		entry.active = nil
	}
	m.mu.Unlock()

	if !preempt && !m.stopped(entry) {
		m.rearm(entry)
	}
}

func (m *ExternalServerArrayMediator) stopped(entry *bridgeEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return entry.removed || m.closed
}

// RemoveSystem releases the reservation for identity and closes its bridge.
func (m *ExternalServerArrayMediator) RemoveSystem(identity string) error {
	m.mu.Lock()
	entry, ok := m.entries[identity]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}
	delete(m.entries, identity)
	entry.removed = true
	socket, active := entry.socket, entry.active
	m.mu.Unlock()

	if socket != nil {
		_ = socket.Close()
	}
	if active != nil {
		_ = active.Close()
	}
	m.logger.Info("Bridge released", log.String("identity", identity))
	return nil
}

// Addr is the address reserved for identity.
func (m *ExternalServerArrayMediator) Addr(identity string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[identity]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}
	return entry.address, nil
}

func (m *ExternalServerArrayMediator) Identities() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Bridged reports whether identity currently has a live bridge.
func (m *ExternalServerArrayMediator) Bridged(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[identity]
	return ok && entry.active != nil
}

func (m *ExternalServerArrayMediator) Stats() []BridgeStats {
	m.mu.Lock()
	out := make([]BridgeStats, 0, len(m.entries))
	for _, entry := range m.entries {
		s := BridgeStats{Identity: entry.identity, Address: entry.address, Active: entry.active != nil}
		if entry.active != nil {
			s.Stats = entry.active.Stats()
		}
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Close releases every reservation and waits for the bridges to stop.
func (m *ExternalServerArrayMediator) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var sockets []*MediatorServerSocket
	var bridges []*MediatorSocket
	for _, entry := range m.entries {
		if entry.socket != nil {
			sockets = append(sockets, entry.socket)
		}
		if entry.active != nil {
			bridges = append(bridges, entry.active)
		}
	}
	m.entries = make(map[string]*bridgeEntry)
	m.mu.Unlock()

	m.cancel()
	for _, socket := range sockets {
		_ = socket.Close()
	}
	for _, bridge := range bridges {
		_ = bridge.Close()
	}
	m.wg.Wait()
	m.logger.Info("Mediator closed")
	return nil
}
