package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification_scheduler/internal/domain/schedule"
	"notification_scheduler/internal/infra/memory"
)

func newCursorManager(clk *fakeClock, cfg CursorConfig) (*CursorManager, *memory.CursorStore) {
	store := memory.NewCursorStore()
	m := NewCursorManager(store, cfg, quietLogger())
	m.now = clk.Now
	return m, store
}

func TestNextWindowFirstRunUsesLookbackAndSpan(t *testing.T) {
	clk := newClock(baseTime)
	m, _ := newCursorManager(clk, CursorConfig{Lookback: 24 * time.Hour, Overlap: 10 * time.Minute, MaxSpan: 6 * time.Hour})

	w, err := m.NextWindow(context.Background(), testSetting(1), "a")
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(-24*time.Hour), w.Start)
	assert.Equal(t, baseTime.Add(-18*time.Hour), w.End)
	assert.Equal(t, int64(1), w.Version)
}

func TestNextWindowNeverRegressesBelowCreation(t *testing.T) {
	clk := newClock(baseTime)
	m, _ := newCursorManager(clk, CursorConfig{Lookback: 24 * time.Hour, MaxSpan: 6 * time.Hour})
	setting := testSetting(1)
	setting.CreatedAt = baseTime.Add(-2 * time.Hour)

	w, err := m.NextWindow(context.Background(), setting, "a")
	require.NoError(t, err)
	assert.Equal(t, setting.CreatedAt, w.Start)
	assert.Equal(t, baseTime, w.End)
}

func TestNextWindowOverlapAfterCommit(t *testing.T) {
	for _, overlap := range []time.Duration{0, time.Minute, 15 * time.Minute, time.Hour} {
		t.Run(fmt.Sprintf("overlap=%s", overlap), func(t *testing.T) {
			clk := newClock(baseTime)
			m, _ := newCursorManager(clk, CursorConfig{Lookback: 24 * time.Hour, Overlap: overlap, MaxSpan: 6 * time.Hour})
			ctx := context.Background()
			setting := testSetting(1)

			first, err := m.NextWindow(ctx, setting, "a")
			require.NoError(t, err)
			require.NoError(t, m.Commit(ctx, first, "next-page"))

			second, err := m.NextWindow(ctx, setting, "a")
			require.NoError(t, err)
			assert.Equal(t, first.End.Add(-overlap), second.Start)
			assert.False(t, second.Start.Before(first.End.Add(-overlap)))
			assert.Equal(t, "next-page", second.Continuation)
			assert.True(t, second.End.After(first.End))
		})
	}
}

func TestNextWindowCaughtUpReturnsNoWindow(t *testing.T) {
	clk := newClock(baseTime)
	m, _ := newCursorManager(clk, CursorConfig{Lookback: time.Hour, Overlap: 5 * time.Minute, MaxSpan: 6 * time.Hour})
	ctx := context.Background()
	setting := testSetting(1)

	w, err := m.NextWindow(ctx, setting, "a")
	require.NoError(t, err)
	assert.Equal(t, baseTime, w.End)
	require.NoError(t, m.Commit(ctx, w, ""))

	_, err = m.NextWindow(ctx, setting, "a")
	assert.ErrorIs(t, err, schedule.ErrNoWindow)

	clk.Advance(time.Minute)
	w, err = m.NextWindow(ctx, setting, "a")
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(-5*time.Minute), w.Start)
	assert.Equal(t, baseTime.Add(time.Minute), w.End)
}

func TestNextWindowLockedByOtherOwnerUntilExpiry(t *testing.T) {
	clk := newClock(baseTime)
	m, _ := newCursorManager(clk, CursorConfig{Lookback: 24 * time.Hour, MaxSpan: 6 * time.Hour, LockTTL: 5 * time.Minute})
	ctx := context.Background()
	setting := testSetting(1)

	wa, err := m.NextWindow(ctx, setting, "a")
	require.NoError(t, err)

	_, err = m.NextWindow(ctx, setting, "b")
	assert.ErrorIs(t, err, schedule.ErrExtractionLocked)

	clk.Advance(6 * time.Minute)
	wb, err := m.NextWindow(ctx, setting, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", wb.Owner)

	// The crashed owner's late commit must not move the cursor.
	assert.ErrorIs(t, m.Commit(ctx, wa, ""), schedule.ErrStaleCursor)
	require.NoError(t, m.Commit(ctx, wb, ""))
}

func TestCommitRejectsTamperedWindow(t *testing.T) {
	clk := newClock(baseTime)
	m, _ := newCursorManager(clk, CursorConfig{Lookback: 24 * time.Hour, MaxSpan: 6 * time.Hour})
	ctx := context.Background()

	w, err := m.NextWindow(ctx, testSetting(1), "a")
	require.NoError(t, err)

	tampered := w
	tampered.End = w.End.Add(time.Hour)
	assert.ErrorIs(t, m.Commit(ctx, tampered, ""), schedule.ErrStaleCursor)

	require.NoError(t, m.Commit(ctx, w, ""))
	assert.ErrorIs(t, m.Commit(ctx, w, ""), schedule.ErrStaleCursor, "a window commits once")
}

func TestReleaseKeepsCursorForRetry(t *testing.T) {
	clk := newClock(baseTime)
	m, store := newCursorManager(clk, CursorConfig{Lookback: 24 * time.Hour, MaxSpan: 6 * time.Hour})
	ctx := context.Background()
	setting := testSetting(1)

	w, err := m.NextWindow(ctx, setting, "a")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, w))

	again, err := m.NextWindow(ctx, setting, "b")
	require.NoError(t, err)
	assert.Equal(t, w.Start, again.Start)
	assert.Equal(t, w.End, again.End)

	cur, err := store.GetCursor(ctx, setting.ID)
	require.NoError(t, err)
	assert.False(t, cur.LastExtractEndDate.Valid)
}

func TestResetStartsOverFromLookback(t *testing.T) {
	clk := newClock(baseTime)
	m, _ := newCursorManager(clk, CursorConfig{Lookback: 2 * time.Hour, MaxSpan: 6 * time.Hour})
	ctx := context.Background()
	setting := testSetting(1)

	w, err := m.NextWindow(ctx, setting, "a")
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, w, ""))

	require.NoError(t, m.Reset(ctx, setting.ID))
	assert.ErrorIs(t, m.Reset(ctx, setting.ID), schedule.ErrCursorNotFound)

	again, err := m.NextWindow(ctx, setting, "a")
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(-2*time.Hour), again.Start)
}
