package master

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"github.com/zeusync/distmaster/internal/core/storage"
)

const (
	registryListenerID = "master.registry"
	eventSource        = "master.registry"
	persistTimeout     = 5 * time.Second
)

type disconnectedEntry struct {
	history storage.History
	expires time.Time
}

type roundReport struct {
	system *DistributedSystem
	report protocol.Report
}

// Registry owns the roster of connected systems and the performance history table.
//
// It listens for EventSystemConnected, runs the role-declaration handshake on each new
// channel and then reads reports and heartbeats from the system until it disconnects.
// A disconnected system's history stays reattachable for ReconnectGrace.
type Registry struct {
	config Config
	logger log.Log
	events bus.EventBus
	store  storage.HistoryStore
	roster *roster

	mu           sync.Mutex
	disconnected map[string]disconnectedEntry
	rounds       map[string]chan<- roundReport
	started      bool
	closed       bool
	listener     bus.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(config Config, events bus.EventBus, store storage.HistoryStore, logger log.Log) *Registry {
	if logger == nil {
		logger = log.NewNop()
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if events == nil {
		events = bus.New(bus.WithLogger(logger))
	}
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		config:       config,
		logger:       logger.With(log.String("component", "registry")),
		events:       events,
		store:        store,
		roster:       newRoster(config.RosterShard),
		disconnected: make(map[string]disconnectedEntry),
		rounds:       make(map[string]chan<- roundReport),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Start loads persisted histories as disconnected entries with a fresh grace window
// and subscribes to EventSystemConnected.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("%w: registry already started", ErrInvalidState)
	}
	r.started = true
	r.mu.Unlock()

	records, err := r.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load histories: %w", err)
	}

	expires := time.Now().Add(r.config.ReconnectGrace)
	r.mu.Lock()
	for name, rec := range records {
		if r.roster.get(name) == nil {
			r.disconnected[name] = disconnectedEntry{history: rec.Roles, expires: expires}
		}
	}
	r.listener = bus.ListenerFunc(registryListenerID, r.onConnected)
	r.mu.Unlock()

	r.logger.Info("Registry started", log.Int("restored_histories", len(records)))
	return r.events.RegisterListener(EventSystemConnected, r.listener)
}

func (r *Registry) onConnected(event bus.Event) error {
	conn, ok := event.Data().(Connection)
	if !ok || conn.Channel == nil {
		return fmt.Errorf("registry: unexpected %s payload %T", event.Type(), event.Data())
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Channel.Close()
		return ErrRegistryClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if _, err := r.Attach(r.ctx, conn); err != nil {
			r.logger.Debug("Attach failed",
				log.String("identity", conn.Identity),
				log.String("remote", conn.Channel.RemoteAddr().String()),
				log.Error(err),
			)
		}
	}()
	return nil
}

// Attach runs the role-declaration handshake on a fresh channel and registers the
// system. A rejected declaration leaves the roster untouched and closes the channel.
func (r *Registry) Attach(ctx context.Context, conn Connection) (*DistributedSystem, error) {
	ch := conn.Channel
	hctx, cancel := context.WithTimeout(ctx, r.config.HandshakeTimeout)
	defer cancel()

	msg, err := protocol.ReadMessage(hctx, ch)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("read declaration: %w", err)
	}
	if msg.Type != protocol.MessageDeclare {
		return nil, r.reject(hctx, ch, fmt.Errorf("%w: expected %s, got %s", protocol.ErrInvalidMessage, protocol.MessageDeclare, msg.Type))
	}

	var decl protocol.Declare
	if err = msg.Decode(&decl); err != nil {
		return nil, r.reject(hctx, ch, err)
	}
	if err = validateDeclaration(decl, conn); err != nil {
		return nil, r.reject(hctx, ch, err)
	}

	sys, preempted, err := r.admit(decl, conn)
	if err != nil {
		return nil, r.reject(hctx, ch, err)
	}
	if preempted != nil {
		_ = preempted.Close()
		r.dispatchDisconnected(preempted, "preempted")
		r.logger.Info("System preempted", log.String("system", preempted.name), log.String("session", preempted.session))
	}

	sys.mu.Lock()
	accept := protocol.Accept{Session: sys.session, Roles: sys.performancesLocked()}
	history := sys.historyLocked()
	sys.mu.Unlock()

	if err = sys.Send(hctx, protocol.MessageAccept, accept); err != nil {
		r.disconnectSystem(sys, "accept failed")
		r.wg.Done()
		return nil, fmt.Errorf("send accept: %w", err)
	}
	r.persist(sys.name, history)

	go r.session(sys)

	r.events.Dispatch(bus.NewEvent(EventSystemRegistered, eventSource, Registered{
		Name:    sys.name,
		Session: sys.session,
		Bridged: sys.bridged,
		Roles:   accept.Roles,
	}, nil))
	r.logger.Info("System registered",
		log.String("system", sys.name),
		log.String("session", sys.session),
		log.Bool("bridged", sys.bridged),
		log.Int("roles", len(accept.Roles)),
	)
	return sys, nil
}

func validateDeclaration(decl protocol.Declare, conn Connection) error {
	if strings.TrimSpace(decl.Name) == "" {
		return fmt.Errorf("%w: empty system name", protocol.ErrInvalidMessage)
	}
	if conn.Bridged && decl.Name != conn.Identity {
		return fmt.Errorf("%w: declared %q on a bridge reserved for %q", ErrIdentityMismatch, decl.Name, conn.Identity)
	}
	seen := make(map[string]struct{}, len(decl.Roles))
	for _, role := range decl.Roles {
		if strings.TrimSpace(role.Name) == "" {
			return fmt.Errorf("%w: empty role name", protocol.ErrInvalidMessage)
		}
		if _, dup := seen[role.Name]; dup {
			return fmt.Errorf("%w: %q declared twice", ErrDuplicateRole, role.Name)
		}
		seen[role.Name] = struct{}{}
		if role.Performance != nil && !validPerformance(*role.Performance) {
			return fmt.Errorf("%w: role %q performance %v", protocol.ErrInvalidMessage, role.Name, *role.Performance)
		}
	}
	return nil
}

func validPerformance(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// admit inserts the declared system into the roster. It returns the system it
// replaced under DuplicatePreempt. On success one session slot is reserved in wg.
func (r *Registry) admit(decl protocol.Declare, conn Connection) (*DistributedSystem, *DistributedSystem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrRegistryClosed
	}

	var history storage.History
	existing := r.roster.get(decl.Name)
	if existing != nil {
		if r.config.Duplicate != DuplicatePreempt {
			return nil, nil, fmt.Errorf("%w: %q is already connected", ErrDuplicateIdentity, decl.Name)
		}
		history = existing.history()
	} else if entry, ok := r.disconnected[decl.Name]; ok && time.Now().Before(entry.expires) {
		history = entry.history
	}

	sys := newDistributedSystem(decl.Name, conn.Channel, conn.Bridged)
	for _, d := range decl.Roles {
		perf := r.config.DefaultPerformance
		if d.Performance != nil {
			perf = *d.Performance
		}
		if h, ok := history[d.Name]; ok {
			perf = h
		}
		sys.roles = append(sys.roles, &DistributedSystemRole{
			ExternalSystemRole: ExternalSystemRole{Name: d.Name, Attributes: maps.Clone(d.Attributes)},
			Performance:        perf,
			System:             decl.Name,
			seq:                nextRoleSeq(),
		})
	}

	if existing != nil {
		r.roster.remove(existing)
	}
	delete(r.disconnected, decl.Name)
	r.roster.put(sys)
	r.wg.Add(1)
	return sys, existing, nil
}

func (r *Registry) reject(ctx context.Context, ch protocol.Channel, err error) error {
	code := protocol.RejectCode(err)
	if werr := protocol.WriteMessage(ctx, ch, protocol.MessageReject, protocol.Reject{Code: code, Reason: err.Error()}); werr != nil {
		r.logger.Debug("Failed to send reject", log.Error(werr))
	}
	_ = ch.Close()
	r.logger.Info("Declaration rejected", log.String("code", string(code)), log.Error(err))
	return err
}

// session reads reports and heartbeats until the channel fails or the registry closes.
func (r *Registry) session(sys *DistributedSystem) {
	defer r.wg.Done()
	logger := r.logger.With(log.String("system", sys.name), log.String("session", sys.session))

	for {
		msg, err := protocol.ReadMessage(r.ctx, sys.channel)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				logger.Warn("Dropping malformed message", log.Error(err))
				continue
			}
			reason := "channel closed"
			switch {
			case r.ctx.Err() != nil:
				reason = "registry closed"
			case !errors.Is(err, protocol.ErrChannelClosed):
				reason = err.Error()
			}
			r.disconnectSystem(sys, reason)
			return
		}

		sys.touch()
		switch msg.Type {
		case protocol.MessageHeartbeat:
		case protocol.MessageReport:
			var report protocol.Report
			if err = msg.Decode(&report); err != nil {
				logger.Warn("Dropping malformed report", log.Error(err))
				continue
			}
			r.routeReport(sys, report)
		default:
			logger.Warn("Unexpected message", log.String("type", string(msg.Type)))
		}
	}
}

func (r *Registry) routeReport(sys *DistributedSystem, report protocol.Report) {
	r.mu.Lock()
	sink := r.rounds[report.Round]
	r.mu.Unlock()

	if sink == nil {
		r.logger.Debug("Report for unknown round", log.String("system", sys.name), log.String("round", report.Round))
		return
	}
	select {
	case sink <- roundReport{system: sys, report: report}:
	default:
		r.logger.Warn("Report dropped", log.String("system", sys.name), log.String("round", report.Round))
	}
}

// watchRound routes reports of round id to the returned channel until stop is called.
func (r *Registry) watchRound(id string, size int) (<-chan roundReport, func()) {
	ch := make(chan roundReport, size)
	r.mu.Lock()
	r.rounds[id] = ch
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.rounds, id)
		r.mu.Unlock()
	}
}

// Disconnect closes the named system and keeps its history for ReconnectGrace.
// It reports whether an active system was disconnected; repeated calls are no-ops.
func (r *Registry) Disconnect(name, reason string) bool {
	sys := r.roster.get(name)
	if sys == nil {
		return false
	}
	return r.disconnectSystem(sys, reason)
}

func (r *Registry) disconnectSystem(sys *DistributedSystem, reason string) bool {
	r.mu.Lock()
	if !r.roster.remove(sys) {
		r.mu.Unlock()
		_ = sys.Close()
		return false
	}
	history := sys.history()
	r.disconnected[sys.name] = disconnectedEntry{history: history, expires: time.Now().Add(r.config.ReconnectGrace)}
	r.mu.Unlock()

	_ = sys.Close()
	r.persist(sys.name, history)
	r.dispatchDisconnected(sys, reason)
	r.logger.Info("System disconnected",
		log.String("system", sys.name),
		log.String("session", sys.session),
		log.String("reason", reason),
	)
	return true
}

func (r *Registry) dispatchDisconnected(sys *DistributedSystem, reason string) {
	r.events.Dispatch(bus.NewEvent(EventSystemDisconnected, eventSource, Disconnected{
		Name:    sys.name,
		Session: sys.session,
		Reason:  reason,
	}, nil))
}

// PurgeExpired drops histories whose grace period ended before now, in memory and in the store.
func (r *Registry) PurgeExpired(now time.Time) []string {
	r.mu.Lock()
	var purged []string
	for name, entry := range r.disconnected {
		if !now.Before(entry.expires) {
			purged = append(purged, name)
			delete(r.disconnected, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(purged)
	for _, name := range purged {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := r.store.Delete(ctx, name); err != nil {
			r.logger.Warn("Failed to delete expired history", log.String("system", name), log.Error(err))
		}
		cancel()
	}
	if len(purged) > 0 {
		r.logger.Debug("Purged expired histories", log.Strings("systems", purged))
	}
	return purged
}

// CheckHeartbeats disconnects every system silent for longer than timeout.
func (r *Registry) CheckHeartbeats(now time.Time, timeout time.Duration) []string {
	var dropped []string
	for _, sys := range r.roster.snapshot() {
		if now.Sub(sys.LastSeen()) > timeout && r.disconnectSystem(sys, "heartbeat timeout") {
			dropped = append(dropped, sys.name)
		}
	}
	return dropped
}

// RegisterRole adds a role to an active system, or updates it when update is set.
// initial overrides the default performance of a new role and, on update, the current one.
func (r *Registry) RegisterRole(name, role string, attributes map[string]string, initial *float64, update bool) error {
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("%w: empty role name", ErrInvalidName)
	}
	if initial != nil && !validPerformance(*initial) {
		return fmt.Errorf("%w: %v", ErrInvalidPerf, *initial)
	}

	sys := r.roster.get(name)
	if sys == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSystem, name)
	}

	sys.mu.Lock()
	if existing := sys.roleLocked(role); existing != nil {
		if !update {
			sys.mu.Unlock()
			return fmt.Errorf("%w: %q on %q", ErrDuplicateRole, role, name)
		}
		if attributes != nil {
			existing.Attributes = maps.Clone(attributes)
		}
		if initial != nil {
			existing.Performance = *initial
		}
	} else {
		perf := r.config.DefaultPerformance
		if initial != nil {
			perf = *initial
		}
		sys.roles = append(sys.roles, &DistributedSystemRole{
			ExternalSystemRole: ExternalSystemRole{Name: role, Attributes: maps.Clone(attributes)},
			Performance:        perf,
			System:             name,
			seq:                nextRoleSeq(),
		})
	}
	history := sys.historyLocked()
	sys.mu.Unlock()

	r.persist(name, history)
	return nil
}

// RemoveRole drops a role from an active system.
func (r *Registry) RemoveRole(name, role string) error {
	sys := r.roster.get(name)
	if sys == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSystem, name)
	}

	sys.mu.Lock()
	idx := -1
	for i, rl := range sys.roles {
		if rl.Name == role {
			idx = i
			break
		}
	}
	if idx < 0 {
		sys.mu.Unlock()
		return fmt.Errorf("%w: %q on %q", ErrUnknownRole, role, name)
	}
	sys.roles = append(sys.roles[:idx], sys.roles[idx+1:]...)
	history := sys.historyLocked()
	sys.mu.Unlock()

	r.persist(name, history)
	return nil
}

// RecordCompletion folds a measured throughput into a role's performance and returns
// the new value. An empty role spreads the measurement over all roles of the system
// in proportion to their current performance and returns the new aggregate.
func (r *Registry) RecordCompletion(name, role string, units int, elapsed time.Duration) (float64, error) {
	sys := r.roster.get(name)
	if sys == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSystem, name)
	}
	return r.recordCompletion(sys, role, units, elapsed)
}

// RecordTimeout decays a role's performance after an assignment missed its deadline.
func (r *Registry) RecordTimeout(name, role string) (float64, error) {
	sys := r.roster.get(name)
	if sys == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSystem, name)
	}
	return r.recordTimeout(sys, role)
}

func (r *Registry) recordCompletion(sys *DistributedSystem, role string, units int, elapsed time.Duration) (float64, error) {
	return r.recalibrate(sys, role, func(old, share float64) float64 {
		return RecalibrateShare(old, units, elapsed, share, r.config.Alpha)
	})
}

func (r *Registry) recordTimeout(sys *DistributedSystem, role string) (float64, error) {
	return r.recalibrate(sys, role, func(old, _ float64) float64 {
		return RecalibrateTimeout(old, r.config.Alpha)
	})
}

// recalibrate applies update to one role, or to every role when role is empty, under
// the system's lock and writes the result through to the store. share is the role's
// fraction of the system's measured throughput.
func (r *Registry) recalibrate(sys *DistributedSystem, role string, update func(old, share float64) float64) (float64, error) {
	sys.mu.Lock()
	var result float64
	if role == "" {
		if len(sys.roles) == 0 {
			sys.mu.Unlock()
			return 0, fmt.Errorf("%w: %q has no roles", ErrUnknownRole, sys.name)
		}
		total := aggregate(sys.roles, AggregateSum)
		for _, rl := range sys.roles {
			share := 1 / float64(len(sys.roles))
			if total > 0 {
				share = rl.Performance / total
			}
			rl.Performance = update(rl.Performance, share)
		}
		result = aggregate(sys.roles, r.config.Aggregate)
	} else {
		rl := sys.roleLocked(role)
		if rl == nil {
			sys.mu.Unlock()
			return 0, fmt.Errorf("%w: %q on %q", ErrUnknownRole, role, sys.name)
		}
		rl.Performance = update(rl.Performance, 1)
		result = rl.Performance
	}
	history := sys.historyLocked()
	sys.mu.Unlock()

	if r.roster.get(sys.name) == sys {
		r.persist(sys.name, history)
	}
	return result, nil
}

func (r *Registry) persist(name string, history storage.History) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.Save(ctx, name, history); err != nil {
		r.logger.Warn("Failed to persist history", log.String("system", name), log.Error(err))
	}
}

// History returns the performance table of an active system, or the retained history
// of a recently disconnected one.
func (r *Registry) History(name string) (storage.History, bool) {
	if sys := r.roster.get(name); sys != nil {
		return sys.history(), true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.disconnected[name]
	if !ok {
		return nil, false
	}
	return entry.history.Clone(), true
}

// Systems returns the active systems ordered by name.
func (r *Registry) Systems() []*DistributedSystem {
	return r.roster.snapshot()
}

func (r *Registry) System(name string) (*DistributedSystem, bool) {
	sys := r.roster.get(name)
	return sys, sys != nil
}

// Len is the number of active systems.
func (r *Registry) Len() int {
	return r.roster.len()
}

type target struct {
	system *DistributedSystem
	role   string
	weight float64
	seq    uint64
}

// eligible snapshots the roles that can take work for role, in registration order.
// An empty role selects whole systems weighted by their aggregate performance.
func (r *Registry) eligible(role string) []target {
	var out []target
	for _, sys := range r.roster.snapshot() {
		if sys.isClosed() {
			continue
		}
		sys.mu.Lock()
		if role == "" {
			if len(sys.roles) > 0 {
				seq := sys.roles[0].seq
				for _, rl := range sys.roles[1:] {
					seq = min(seq, rl.seq)
				}
				out = append(out, target{system: sys, weight: aggregate(sys.roles, r.config.Aggregate), seq: seq})
			}
		} else if rl := sys.roleLocked(role); rl != nil {
			out = append(out, target{system: sys, role: role, weight: rl.Performance, seq: rl.seq})
		}
		sys.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Close disconnects every system, keeping their histories, and stops the sessions.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		r.events.RemoveListener(EventSystemConnected, listener)
	}
	r.cancel()
	for _, sys := range r.roster.snapshot() {
		r.disconnectSystem(sys, "registry closed")
	}
	r.wg.Wait()
	r.logger.Info("Registry closed")
	return nil
}
