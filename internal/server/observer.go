package server

import (
	"sync/atomic"
	"time"

	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
)

// slowDelivery is the handler time above which a delivery is logged.
const slowDelivery = 100 * time.Millisecond

// eventObserver watches the master's event bus. Registering it also turns on the
// bus metrics reported by Stats.
type eventObserver struct {
	logger  log.Log
	unheard atomic.Int64
}

var _ bus.EventBusObserver = (*eventObserver)(nil)

func newEventObserver(logger log.Log) *eventObserver {
	return &eventObserver{logger: logger.With(log.String("component", "events"))}
}

func (o *eventObserver) OnPublish(string, bus.Event) {}

func (o *eventObserver) OnDelivered(eventType string, handlers int, err error, durationMicros int64) {
	if handlers == 0 {
		o.unheard.Add(1)
	}
	if err != nil {
		o.logger.Debug("Event delivery failed",
			log.String("type", eventType),
			log.Int("handlers", handlers),
			log.Error(err))
	}
	if d := time.Duration(durationMicros) * time.Microsecond; d > slowDelivery {
		o.logger.Debug("Slow event delivery", log.String("type", eventType), log.Duration("took", d))
	}
}
