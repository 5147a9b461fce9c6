package events

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	domain "notification_scheduler/internal/domain/events"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestBusRoutesByName(t *testing.T) {
	bus := NewBus(quietLogger())
	var named, all []string
	bus.Subscribe(domain.NameAgentStatusChanged, func(_ context.Context, ev domain.Event) {
		named = append(named, ev.EventName())
	})
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		all = append(all, ev.EventName())
	})

	bus.Publish(context.Background(), domain.AgentStatusChanged{At: time.Now()})
	bus.Publish(context.Background(), domain.NotificationDispatched{At: time.Now()})

	assert.Equal(t, []string{domain.NameAgentStatusChanged}, named)
	assert.Equal(t, []string{domain.NameAgentStatusChanged, domain.NameNotificationDispatched}, all)
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(quietLogger())
	delivered := false
	bus.SubscribeAll(func(context.Context, domain.Event) { panic("boom") })
	bus.SubscribeAll(func(context.Context, domain.Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), domain.ConversationUnassigned{ConversationID: "c1"})
	})
	assert.True(t, delivered)
}
