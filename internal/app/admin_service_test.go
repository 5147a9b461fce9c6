package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification_scheduler/internal/domain/agent"
	"notification_scheduler/internal/domain/schedule"
	"notification_scheduler/internal/infra/memory"
)

const adminID = int64(424242)

func TestAdminRejectsNonAdmin(t *testing.T) {
	s := NewAdminService(nil, memory.NewNotificationStore(), nil, memory.NewAgentStore(), adminID)
	ctx := context.Background()

	assert.ErrorIs(t, s.ResetCursor(ctx, 1, 1), ErrAdminNotAuthorized)
	_, err := s.ListFailed(ctx, 1, 10)
	assert.ErrorIs(t, err, ErrAdminNotAuthorized)
	_, err = s.Requeue(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrAdminNotAuthorized)
	_, err = s.LiveAgents(ctx, 1, ws)
	assert.ErrorIs(t, err, ErrAdminNotAuthorized)
}

func TestAdminRequeueExhaustedUnit(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{MaxAttempts: 1})
	f.sender.errs = []error{assert.AnError}
	u := f.addUnit(t, "Q-1")
	_, err := f.d.DrainOnce(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, schedule.UnitStatusFailedExhausted, f.unit(t, u.ID).Status)

	s := NewAdminService(nil, f.store, nil, memory.NewAgentStore(), adminID)
	s.now = f.clk.Now
	failed, err := s.ListFailed(context.Background(), adminID, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	got, err := s.Requeue(context.Background(), adminID, u.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.UnitStatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	_, err = s.Requeue(context.Background(), adminID, u.ID)
	assert.ErrorIs(t, err, schedule.ErrUnitNotRequeueable)

	// Requeued units are delivered on the next drain.
	f.clk.Advance(time.Second)
	_, err = f.d.DrainOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, schedule.UnitStatusSent, f.unit(t, u.ID).Status)
}

func TestAdminRequeueSendsPastGracePeriod(t *testing.T) {
	for _, wait := range []time.Duration{2 * time.Hour, 12 * time.Hour, 23 * time.Hour} {
		t.Run(wait.String(), func(t *testing.T) {
			f := newDispatchFixture(t, DispatcherConfig{MaxAttempts: 1})
			f.sender.errs = []error{assert.AnError}
			u := f.addUnit(t, "Q-2")
			_, err := f.d.DrainOnce(context.Background(), "w1")
			require.NoError(t, err)
			require.Equal(t, schedule.UnitStatusFailedExhausted, f.unit(t, u.ID).Status)

			// Well past the one-hour grace, appointment still ahead.
			f.clk.Advance(wait)
			s := NewAdminService(nil, f.store, nil, memory.NewAgentStore(), adminID)
			s.now = f.clk.Now
			got, err := s.Requeue(context.Background(), adminID, u.ID)
			require.NoError(t, err)
			assert.True(t, got.RequeuedAt.Valid)

			_, err = f.d.DrainOnce(context.Background(), "w1")
			require.NoError(t, err)
			assert.Equal(t, schedule.UnitStatusSent, f.unit(t, u.ID).Status)
			assert.Equal(t, 2, f.sender.Calls())
		})
	}
}

func TestAdminRequeueAfterAppointmentExpires(t *testing.T) {
	f := newDispatchFixture(t, DispatcherConfig{MaxAttempts: 1})
	f.sender.errs = []error{assert.AnError}
	u := f.addUnit(t, "Q-3")
	_, err := f.d.DrainOnce(context.Background(), "w1")
	require.NoError(t, err)

	f.clk.Advance(25 * time.Hour)
	s := NewAdminService(nil, f.store, nil, memory.NewAgentStore(), adminID)
	s.now = f.clk.Now
	_, err = s.Requeue(context.Background(), adminID, u.ID)
	require.NoError(t, err)

	_, err = f.d.DrainOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, schedule.UnitStatusSkippedExpired, f.unit(t, u.ID).Status)
	assert.Equal(t, 1, f.sender.Calls())
}

func TestAdminResetCursor(t *testing.T) {
	clk := newClock(baseTime)
	cm, store := newCursorManager(clk, CursorConfig{Lookback: time.Hour, MaxSpan: time.Hour})
	s := NewAdminService(cm, memory.NewNotificationStore(), nil, memory.NewAgentStore(), adminID)

	assert.ErrorIs(t, s.ResetCursor(context.Background(), adminID, 1), schedule.ErrCursorNotFound)
	_, err := cm.NextWindow(context.Background(), testSetting(1), "a")
	require.NoError(t, err)
	require.NoError(t, s.ResetCursor(context.Background(), adminID, 1))
	_, err = store.GetCursor(context.Background(), 1)
	assert.ErrorIs(t, err, schedule.ErrCursorNotFound)
}

func TestAdminLiveAgents(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	roster := memory.NewAgentStore(&agent.Agent{ID: 7, WorkspaceID: ws, FirstName: "Ana", IsActive: true})
	require.NoError(t, f.svc.Connect(context.Background(), ws, 7))
	require.NoError(t, f.svc.Connect(context.Background(), ws, 8))

	s := NewAdminService(nil, memory.NewNotificationStore(), f.svc, roster, adminID)
	views, err := s.LiveAgents(context.Background(), adminID, ws)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "Ana", views[0].Name)
	assert.Equal(t, "#8", views[1].Name)
}
