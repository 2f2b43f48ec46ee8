package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeusync/distmaster/internal/core/observability/log"
)

// simpleEvent is a basic implementation of Event.
type simpleEvent struct {
	typeStr string
	source  string
	ts      time.Time
	data    any
	meta    map[string]any
}

func (e simpleEvent) Type() string             { return e.typeStr }
func (e simpleEvent) Source() string           { return e.source }
func (e simpleEvent) Timestamp() time.Time     { return e.ts }
func (e simpleEvent) Data() any                { return e.data }
func (e simpleEvent) Metadata() map[string]any { return e.meta }

// NewEvent creates a simple Event implementation.
func NewEvent(typ, src string, data any, metadata map[string]any) Event {
	return simpleEvent{typeStr: typ, source: src, ts: time.Now(), data: data, meta: metadata}
}

type listenerFunc struct {
	id string
	fn EventHandler
}

func (l listenerFunc) ListenerID() string        { return l.id }
func (l listenerFunc) OnEvent(event Event) error { return l.fn(event) }

// ListenerFunc adapts a function into a Listener identified by id.
func ListenerFunc(id string, fn EventHandler) Listener {
	return listenerFunc{id: id, fn: fn}
}

// handlerEntry is one registered callback. Subscriptions and listeners share the table.
type handlerEntry struct {
	id      string
	handler EventHandler
	active  atomic.Bool
}

// subscription implements Subscription interface.
type subscription struct {
	entry     *handlerEntry
	eventType string
	cancel    func()
	once      sync.Once
}

func (s *subscription) ID() string        { return s.entry.id }
func (s *subscription) EventType() string { return s.eventType }
func (s *subscription) IsActive() bool    { return s.entry.active.Load() }
func (s *subscription) Cancel() error {
	s.once.Do(s.cancel)
	return nil
}

// Option configures the bus.
type Option func(*inMemoryBus)

// WithLogger sets the logger used to report errors from dispatched events.
func WithLogger(logger log.Log) Option {
	return func(b *inMemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// inMemoryBus is a thread-safe implementation of EventBus with a background dispatch worker.
type inMemoryBus struct {
	mu sync.RWMutex
	// handlers: kind -> entries in registration order
	handlers  map[string][]*handlerEntry
	metrics   EventBusMetrics
	observers map[EventBusObserver]struct{}

	queueMu sync.Mutex
	queueCv *sync.Cond
	queue   []Event
	closed  bool
	stopped chan struct{}

	logger log.Log
}

// New creates a new EventBus instance and starts its dispatch worker.
func New(opts ...Option) EventBus {
	b := &inMemoryBus{
		handlers:  make(map[string][]*handlerEntry),
		observers: make(map[EventBusObserver]struct{}),
		stopped:   make(chan struct{}),
		logger:    log.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(log.String("component", "event_bus"))
	b.queueCv = sync.NewCond(&b.queueMu)
	go b.worker()
	return b
}

func (b *inMemoryBus) Publish(event Event) error {
	return b.deliver(event)
}

func (b *inMemoryBus) Subscribe(eventType string, handler EventHandler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	entry := &handlerEntry{id: uuid.NewString(), handler: handler}
	b.add(eventType, entry)
	s := &subscription{entry: entry, eventType: eventType}
	s.cancel = func() { b.remove(eventType, entry.id) }
	return s, nil
}

func (b *inMemoryBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (b *inMemoryBus) RegisterListener(kind string, listener Listener) error {
	if listener == nil {
		return errors.New("bus: nil listener")
	}
	b.add(kind, &handlerEntry{id: listener.ListenerID(), handler: listener.OnEvent})
	return nil
}

func (b *inMemoryBus) RemoveListener(kind string, listener Listener) {
	if listener == nil {
		return
	}
	b.remove(kind, listener.ListenerID())
}

func (b *inMemoryBus) Dispatch(event Event) bool {
	b.mu.RLock()
	registered := len(b.handlers[event.Type()]) > 0
	b.mu.RUnlock()

	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		return false
	}
	b.queue = append(b.queue, event)
	b.queueMu.Unlock()
	b.queueCv.Signal()

	return registered
}

func (b *inMemoryBus) DispatchProgress(source string, done, total int) bool {
	return b.Dispatch(NewEvent(KindProgress, source, Progress{Source: source, Done: done, Total: total}, nil))
}

func (b *inMemoryBus) AddObserver(obs EventBusObserver) {
	b.mu.Lock()
	b.observers[obs] = struct{}{}
	b.mu.Unlock()
}

func (b *inMemoryBus) RemoveObserver(obs EventBusObserver) {
	b.mu.Lock()
	delete(b.observers, obs)
	b.mu.Unlock()
}

func (b *inMemoryBus) GetMetrics() EventBusMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

func (b *inMemoryBus) Close() error {
	b.queueMu.Lock()
	if !b.closed {
		b.closed = true
		b.queueCv.Broadcast()
	}
	b.queueMu.Unlock()
	<-b.stopped
	return nil
}

func (b *inMemoryBus) worker() {
	defer close(b.stopped)
	for {
		b.queueMu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.queueCv.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.queueMu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		if b.observing() {
			b.mu.Lock()
			b.metrics.Dispatched++
			b.mu.Unlock()
		}
		if err := b.deliver(event); err != nil {
			b.logger.Warn("Dispatched event handler failed",
				log.String("kind", event.Type()),
				log.String("source", event.Source()),
				log.Error(err),
			)
		}
	}
}

func (b *inMemoryBus) add(kind string, entry *handlerEntry) {
	entry.active.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[kind]
	for i, e := range entries {
		if e.id == entry.id {
			e.active.Store(false)
			entries[i] = entry
			return
		}
	}
	b.handlers[kind] = append(entries, entry)
}

func (b *inMemoryBus) remove(kind, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[kind]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		e.active.Store(false)
		rest := make([]*handlerEntry, 0, len(entries)-1)
		rest = append(rest, entries[:i]...)
		rest = append(rest, entries[i+1:]...)
		if len(rest) == 0 {
			delete(b.handlers, kind)
		} else {
			b.handlers[kind] = rest
		}
		return
	}
}

func (b *inMemoryBus) observing() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers) > 0
}

func (b *inMemoryBus) deliver(event Event) error {
	start := time.Now()
	etype := event.Type()

	b.mu.RLock()
	subs := append([]*handlerEntry(nil), b.handlers[etype]...)
	var observers []EventBusObserver
	if len(b.observers) > 0 {
		observers = make([]EventBusObserver, 0, len(b.observers))
		for obs := range b.observers {
			observers = append(observers, obs)
		}
	}
	b.mu.RUnlock()

	for _, obs := range observers {
		obs.OnPublish(etype, event)
	}

	var all error
	delivered := 0
	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		delivered++
		if err := s.handler(event); err != nil {
			all = errors.Join(all, err)
		}
	}

	if len(observers) > 0 {
		dur := time.Since(start).Microseconds()
		for _, obs := range observers {
			obs.OnDelivered(etype, delivered, all, dur)
		}
		b.mu.Lock()
		b.metrics.Published++
		b.metrics.DeliveredHandlers += uint64(delivered)
		if all != nil {
			b.metrics.Errors++
		}
		var subsCount uint64
		for _, m := range b.handlers {
			subsCount += uint64(len(m))
		}
		b.metrics.SubscribersActive = subsCount
		b.mu.Unlock()
	}
	return all
}
