package app

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification_scheduler/internal/domain/agentstatus"
	"notification_scheduler/internal/domain/events"
	"notification_scheduler/internal/infra/configstore"
	"notification_scheduler/internal/infra/memory"
)

const (
	ws          = int64(1)
	lunchBreak  = int64(10)
	autoBreakID = int64(99)
)

type statusFixture struct {
	clk    *fakeClock
	repo   *memory.StatusStore
	events *recorder
	svc    *AgentStatusService
}

func newStatusFixture(t *testing.T, cfg AgentStatusConfig) *statusFixture {
	t.Helper()
	breaks, err := configstore.New(configstore.Document{BreakSettings: []*agentstatus.BreakSetting{
		{ID: lunchBreak, WorkspaceID: ws, Name: "lunch", MaxDurationSeconds: 600},
		{ID: autoBreakID, WorkspaceID: ws, Name: "inactive", MaxDurationSeconds: 0},
	}})
	require.NoError(t, err)
	f := &statusFixture{clk: newClock(baseTime), repo: memory.NewStatusStore(), events: &recorder{}}
	f.svc = NewAgentStatusService(f.repo, breaks, f.events, cfg, quietLogger())
	f.svc.now = f.clk.Now
	return f
}

func (f *statusFixture) state(agentID int64) agentstatus.State {
	return f.svc.Snapshot().State(ws, agentID)
}

func TestAgentStatusLifecycle(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	ctx := context.Background()

	assert.Equal(t, agentstatus.StateDisconnected, f.state(7))
	assert.Zero(t, f.repo.CountOpen(ws, 7))

	require.NoError(t, f.svc.Connect(ctx, ws, 7))
	assert.Equal(t, agentstatus.StateConnected, f.state(7))
	assert.Equal(t, 1, f.repo.CountOpen(ws, 7))

	f.clk.Advance(time.Minute)
	require.NoError(t, f.svc.StartBreak(ctx, ws, 7, lunchBreak))
	assert.Equal(t, agentstatus.StateOnBreak, f.state(7))
	assert.Equal(t, 1, f.repo.CountOpen(ws, 7))

	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.svc.EndBreak(ctx, ws, 7))
	assert.Equal(t, agentstatus.StateConnected, f.state(7))

	require.NoError(t, f.svc.Disconnect(ctx, ws, 7))
	assert.Equal(t, agentstatus.StateDisconnected, f.state(7))
	assert.Zero(t, f.repo.CountOpen(ws, 7))

	history, err := f.svc.History(ctx, ws, 7, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, r := range history {
		assert.True(t, r.EndedAt.Valid)
	}
	assert.Equal(t, int64(lunchBreak), history[1].BreakSettingID.Int64)
	assert.Equal(t, int64(600), history[1].BreakMaxSeconds)

	changes := f.events.named(events.NameAgentStatusChanged)
	assert.Len(t, changes, 4)
}

func TestAgentStatusInvalidTransitionsLeaveStateUnchanged(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	ctx := context.Background()

	err := f.svc.StartBreak(ctx, ws, 7, lunchBreak)
	assert.ErrorIs(t, err, agentstatus.ErrInvalidTransition)
	var te *agentstatus.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, agentstatus.StateDisconnected, te.From)

	assert.ErrorIs(t, f.svc.EndBreak(ctx, ws, 7), agentstatus.ErrInvalidTransition)

	require.NoError(t, f.svc.Connect(ctx, ws, 7))
	assert.ErrorIs(t, f.svc.Connect(ctx, ws, 7), agentstatus.ErrInvalidTransition)
	assert.ErrorIs(t, f.svc.EndBreak(ctx, ws, 7), agentstatus.ErrInvalidTransition)

	require.NoError(t, f.svc.StartBreak(ctx, ws, 7, lunchBreak))
	assert.ErrorIs(t, f.svc.StartBreak(ctx, ws, 7, lunchBreak), agentstatus.ErrInvalidTransition)

	assert.Equal(t, agentstatus.StateOnBreak, f.state(7))
	assert.Equal(t, 1, f.repo.CountOpen(ws, 7))
}

func TestRejectedTransitionIsLogged(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	svc := NewAgentStatusService(memory.NewStatusStore(), nil, nil, AgentStatusConfig{}, logrus.NewEntry(log))
	svc.now = newClock(baseTime).Now

	err := svc.EndBreak(context.Background(), ws, 7)
	require.ErrorIs(t, err, agentstatus.ErrInvalidTransition)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, ws, entry.Data["workspace_id"])
	assert.Equal(t, int64(7), entry.Data["agent_id"])
	assert.Equal(t, agentstatus.StateDisconnected, entry.Data["from"])
	assert.Equal(t, "end a break", entry.Data["action"])
}

func TestAgentStatusUnknownBreakSetting(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	require.NoError(t, f.svc.Connect(context.Background(), ws, 7))
	assert.ErrorIs(t, f.svc.StartBreak(context.Background(), ws, 7, 12345), agentstatus.ErrBreakSettingNotFound)
	assert.Equal(t, agentstatus.StateConnected, f.state(7))
}

func TestDisconnectWhenDisconnectedIsNoop(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	require.NoError(t, f.svc.Disconnect(context.Background(), ws, 7))
	assert.Empty(t, f.events.named(events.NameAgentStatusChanged))
}

func TestBreakOvertime(t *testing.T) {
	tests := []struct {
		name     string
		onBreak  time.Duration
		closeBy  string
		overtime int64
	}{
		{"within max", 599 * time.Second, "endBreak", 0},
		{"exactly max", 600 * time.Second, "endBreak", 0},
		{"exceeds by 42s", 642 * time.Second, "endBreak", 42},
		{"connect from break", 700 * time.Second, "connect", 100},
		{"disconnect from break", 630 * time.Second, "disconnect", 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newStatusFixture(t, AgentStatusConfig{})
			ctx := context.Background()
			require.NoError(t, f.svc.Connect(ctx, ws, 7))
			require.NoError(t, f.svc.StartBreak(ctx, ws, 7, lunchBreak))
			f.clk.Advance(tt.onBreak)

			switch tt.closeBy {
			case "endBreak":
				require.NoError(t, f.svc.EndBreak(ctx, ws, 7))
			case "connect":
				require.NoError(t, f.svc.Connect(ctx, ws, 7))
			case "disconnect":
				require.NoError(t, f.svc.Disconnect(ctx, ws, 7))
			}

			history, err := f.svc.History(ctx, ws, 7, time.Time{})
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(history), 2)
			assert.Equal(t, tt.overtime, history[1].BreakOvertimeSeconds)

			changes := f.events.named(events.NameAgentStatusChanged)
			last := changes[len(changes)-1].(events.AgentStatusChanged)
			assert.Equal(t, tt.overtime, last.OvertimeSeconds)
		})
	}
}

func TestEndBreakThenStartBreakWithinMaxHasNoOvertime(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	ctx := context.Background()
	require.NoError(t, f.svc.Connect(ctx, ws, 7))
	require.NoError(t, f.svc.StartBreak(ctx, ws, 7, lunchBreak))
	f.clk.Advance(2 * time.Minute)
	require.NoError(t, f.svc.EndBreak(ctx, ws, 7))
	require.NoError(t, f.svc.StartBreak(ctx, ws, 7, lunchBreak))
	f.clk.Advance(2 * time.Minute)
	require.NoError(t, f.svc.EndBreak(ctx, ws, 7))

	history, err := f.svc.History(ctx, ws, 7, time.Time{})
	require.NoError(t, err)
	for _, r := range history {
		assert.Zero(t, r.BreakOvertimeSeconds)
	}
}

func TestConcurrentTransitionsKeepSingleOpenRecord(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	ctx := context.Background()
	agents := []int64{1, 2, 3}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				agentID := agents[rnd.Intn(len(agents))]
				switch rnd.Intn(4) {
				case 0:
					_ = f.svc.Connect(ctx, ws, agentID)
				case 1:
					_ = f.svc.StartBreak(ctx, ws, agentID, lunchBreak)
				case 2:
					_ = f.svc.EndBreak(ctx, ws, agentID)
				case 3:
					_ = f.svc.Disconnect(ctx, ws, agentID)
				}
				assert.LessOrEqual(t, f.repo.CountOpen(ws, agentID), 1)
			}
		}(int64(g))
	}
	wg.Wait()

	for _, agentID := range agents {
		open, err := f.repo.GetOpen(ctx, ws, agentID)
		if err != nil {
			assert.ErrorIs(t, err, agentstatus.ErrNoOpenRecord)
			assert.Equal(t, agentstatus.StateDisconnected, f.state(agentID))
			continue
		}
		assert.Equal(t, 1, f.repo.CountOpen(ws, agentID))
		assert.Equal(t, open.State, f.state(agentID))
	}
}

func TestWatchdogForcesAutoBreak(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{MaxInactive: 5 * time.Minute, AutoBreakSettingID: autoBreakID})
	ctx := context.Background()
	require.NoError(t, f.svc.Connect(ctx, ws, 7))
	require.NoError(t, f.svc.Connect(ctx, ws, 8))

	f.clk.Advance(3 * time.Minute)
	require.NoError(t, f.svc.Touch(ctx, ws, 7))

	f.clk.Advance(4 * time.Minute) // agent 7 idle 4m, agent 8 idle 7m
	moved, err := f.svc.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, agentstatus.StateConnected, f.state(7))
	assert.Equal(t, agentstatus.StateOnBreak, f.state(8))

	open, err := f.repo.GetOpen(ctx, ws, 8)
	require.NoError(t, err)
	assert.Equal(t, agentstatus.ReasonWatchdog, open.Reason)
	assert.Equal(t, autoBreakID, open.BreakSettingID.Int64)

	// Agents already on break are left alone.
	f.clk.Advance(time.Hour)
	moved, err = f.svc.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, agentstatus.StateOnBreak, f.state(7))
	assert.Equal(t, agentstatus.StateOnBreak, f.state(8))
}

func TestWatchdogDisconnectsWithoutAutoBreak(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{MaxInactive: time.Minute})
	ctx := context.Background()
	require.NoError(t, f.svc.Connect(ctx, ws, 7))

	f.clk.Advance(2 * time.Minute)
	moved, err := f.svc.CheckInactivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, agentstatus.StateDisconnected, f.state(7))
	assert.Zero(t, f.repo.CountOpen(ws, 7))
}

func TestWatchdogDisabledByZeroDuration(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	require.NoError(t, f.svc.Connect(context.Background(), ws, 7))
	f.clk.Advance(24 * time.Hour)
	moved, err := f.svc.CheckInactivity(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestSnapshotIsImmutableAndHydrates(t *testing.T) {
	f := newStatusFixture(t, AgentStatusConfig{})
	ctx := context.Background()
	require.NoError(t, f.svc.Connect(ctx, ws, 7))

	before := f.svc.Snapshot()
	require.NoError(t, f.svc.Disconnect(ctx, ws, 7))
	assert.Equal(t, agentstatus.StateConnected, before.State(ws, 7))
	assert.Equal(t, agentstatus.StateDisconnected, f.svc.Snapshot().State(ws, 7))

	require.NoError(t, f.svc.Connect(ctx, ws, 9))
	restarted := NewAgentStatusService(f.repo, nil, nil, AgentStatusConfig{}, quietLogger())
	require.NoError(t, restarted.Hydrate(ctx))
	assert.Equal(t, []int64{9}, restarted.Snapshot().Connected(ws))
}
