package bus

import "time"

// EventBus defines a thread-safe, in-process event bus.
//
// Key characteristics:
// - Kind-based fan-out: handlers and listeners are selected by Event.Type().
// - Synchronous delivery: Publish calls handlers in the caller goroutine and joins their errors.
// - Background delivery: Dispatch enqueues the event and returns immediately; a single worker
//   delivers queued events in dispatch order.
// - Listener identity: RegisterListener/RemoveListener compare listeners by ListenerID, so the
//   same logical listener can be removed with any value carrying the same id.
// - Optional observability: metrics are produced only when observers are registered.
//
// Handlers should be quick or offload heavy work; a slow handler delays every later
// dispatched event.
type EventBus interface {
	// Publish delivers the event synchronously to all active handlers of event.Type().
	// If one or more handlers return an error, a joined error is returned.
	Publish(event Event) error

	// Subscribe registers a handler for a kind and returns a Subscription handle.
	Subscribe(kind string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given Subscription. It is safe to call with nil.
	Unsubscribe(Subscription) error

	// RegisterListener adds a listener for kind. Registering a listener whose id is
	// already present for that kind replaces it.
	RegisterListener(kind string, listener Listener) error
	// RemoveListener removes the listener with the same id. Removing an absent listener is a no-op.
	RemoveListener(kind string, listener Listener)

	// Dispatch hands the event to the background worker. It reports whether at least one
	// handler was registered for the kind when the event was queued. Events dispatched
	// after Close are dropped.
	Dispatch(event Event) bool
	// DispatchProgress dispatches a KindProgress event carrying a Progress payload.
	DispatchProgress(source string, done, total int) bool

	// AddObserver registers an observer to receive metrics callbacks.
	AddObserver(obs EventBusObserver)
	// RemoveObserver unregisters a previously added observer.
	RemoveObserver(obs EventBusObserver)
	// GetMetrics returns a best-effort snapshot of accumulated metrics.
	GetMetrics() EventBusMetrics

	// Close stops accepting dispatched events, delivers what is already queued and
	// stops the worker. It is idempotent.
	Close() error
}

// Event is an immutable message transported by the EventBus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
	Metadata() map[string]any
}

// EventHandler is a user callback invoked per delivered event.
type EventHandler func(event Event) error

// Listener is a handler with a comparable identity.
type Listener interface {
	ListenerID() string
	OnEvent(event Event) error
}

// Subscription represents a registered handler bound to an event kind.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	// Cancel de-registers the handler from the bus. Multiple calls are safe.
	Cancel() error
}

// EventBusObserver is notified about deliveries and errors.
type EventBusObserver interface {
	OnPublish(eventType string, event Event)
	OnDelivered(eventType string, handlers int, err error, durationMicros int64)
}

// EventBusMetrics is updated only when at least one observer is registered.
type EventBusMetrics struct {
	Published         uint64
	Dispatched        uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
}

// KindProgress is the kind used by DispatchProgress.
const KindProgress = "progress"

// Progress is the payload of a KindProgress event.
type Progress struct {
	Source string
	Done   int
	Total  int
}
