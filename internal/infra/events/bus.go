// Package events provides the in-process bus that fans produced events out to metrics,
// the router and logging.
package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	domain "notification_scheduler/internal/domain/events"
)

// Bus delivers every published event synchronously to its subscribers. Handlers must
// return quickly; slow consumers should hand off to their own goroutine.
type Bus struct {
	mu       sync.RWMutex
	byName   map[string][]domain.Handler
	wildcard []domain.Handler
	logger   *logrus.Entry
}

func NewBus(logger *logrus.Entry) *Bus {
	return &Bus{
		byName: make(map[string][]domain.Handler),
		logger: logger.WithField("component", "event_bus"),
	}
}

// Subscribe registers h for events with the given name.
func (b *Bus) Subscribe(name string, h domain.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byName[name] = append(b.byName[name], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h domain.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	b.mu.RLock()
	named := b.byName[ev.EventName()]
	handlers := make([]domain.Handler, 0, len(named)+len(b.wildcard))
	handlers = append(handlers, named...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, h domain.Handler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"event": ev.EventName(),
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()
	h(ctx, ev)
}

// LogHandler writes every event to the log at debug level.
func LogHandler(logger *logrus.Entry) domain.Handler {
	return func(_ context.Context, ev domain.Event) {
		logger.WithFields(logrus.Fields{
			"event": ev.EventName(),
			"at":    ev.OccurredAt(),
		}).Debugf("%+v", ev)
	}
}

var _ domain.Publisher = (*Bus)(nil)
