package app

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"notification_scheduler/internal/domain/channel"
	"notification_scheduler/internal/domain/erp"
	"notification_scheduler/internal/domain/events"
	"notification_scheduler/internal/domain/schedule"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) named(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, 0)
	for _, ev := range r.events {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

// scriptedSender returns the queued errors in order, then succeeds.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []string
}

func (s *scriptedSender) Send(_ context.Context, u *schedule.NotificationUnit) (channel.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return channel.Ack{}, err
		}
	}
	s.sent = append(s.sent, u.IdempotencyKey)
	return channel.Ack{ProviderRef: "ref-" + u.IdempotencyKey}, nil
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type alertSink struct {
	mu    sync.Mutex
	texts []string
}

func (a *alertSink) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return nil
}

func (a *alertSink) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.texts)
}

// fakeAdapter serves events whose ModifiedAt falls inside the window.
type fakeAdapter struct {
	mu      sync.Mutex
	events  []schedule.RawEvent
	errs    []error
	calls   int
	windows []schedule.Window
	onFetch func()
}

func (f *fakeAdapter) FetchEvents(_ context.Context, w schedule.Window, _ schedule.ERPParams) (*erp.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	f.windows = append(f.windows, w)
	hook := f.onFetch
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	out := make([]schedule.RawEvent, 0)
	for _, ev := range f.events {
		if !ev.ModifiedAt.Before(w.Start) && ev.ModifiedAt.Before(w.End) {
			out = append(out, ev)
		}
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &erp.FetchResult{Events: out, Continuation: w.End.Format(time.RFC3339)}, nil
}

type singleResolver struct {
	adapter erp.Adapter
}

func (r singleResolver) Adapter(schedule.ERPKind) (erp.Adapter, error) {
	return r.adapter, nil
}

func testSetting(id int64) *schedule.ScheduleSetting {
	return &schedule.ScheduleSetting{
		ID:                      id,
		WorkspaceID:             1,
		SettingType:             schedule.SettingTypeReminder,
		Channel:                 schedule.ChannelSMS,
		Active:                  true,
		HoursBeforeScheduleDate: 24,
		TemplateID:              "reminder-default",
		Timezone:                "UTC",
		ERP:                     schedule.ERPParams{Kind: schedule.ERPGeneric},
		CreatedAt:               baseTime.Add(-30 * 24 * time.Hour),
	}
}
