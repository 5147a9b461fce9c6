// internal/app/cursor_manager.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"notification_scheduler/internal/domain/schedule"
)

// CursorConfig bounds the windows issued by CursorManager.
type CursorConfig struct {
	Lookback time.Duration // first-run window start relative to now
	Overlap  time.Duration // re-read this much of the previous window
	MaxSpan  time.Duration
	LockTTL  time.Duration
}

// CursorManager issues non-overlapping-by-ownership extraction windows per setting.
type CursorManager struct {
	repo   schedule.CursorRepository
	cfg    CursorConfig
	logger *logrus.Entry
	now    func() time.Time
}

func NewCursorManager(repo schedule.CursorRepository, cfg CursorConfig, logger *logrus.Entry) *CursorManager {
	if cfg.MaxSpan <= 0 {
		cfg.MaxSpan = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MaxSpan {
		cfg.Overlap = cfg.MaxSpan / 2
	}
	return &CursorManager{
		repo:   repo,
		cfg:    cfg,
		logger: logger.WithField("component", "cursor_manager"),
		now:    time.Now,
	}
}

// NextWindow computes and reserves the next window for setting on behalf of owner.
// It returns ErrNoWindow when the cursor has caught up with now and ErrExtractionLocked
// while another owner holds the setting.
func (m *CursorManager) NextWindow(ctx context.Context, setting *schedule.ScheduleSetting, owner string) (schedule.Window, error) {
	now := m.now()

	var version int64
	var start time.Time
	continuation := ""

	cur, err := m.repo.GetCursor(ctx, setting.ID)
	switch {
	case errors.Is(err, schedule.ErrCursorNotFound):
		start = now.Add(-m.cfg.Lookback)
	case err != nil:
		return schedule.Window{}, fmt.Errorf("failed to load cursor for setting %d: %w", setting.ID, err)
	default:
		if cur.LockedBy(owner, now) {
			return schedule.Window{}, schedule.ErrExtractionLocked
		}
		version = cur.Version
		continuation = cur.Continuation
		if cur.LastExtractEndDate.Valid {
			start = cur.LastExtractEndDate.Time.Add(-m.cfg.Overlap)
		} else {
			start = now.Add(-m.cfg.Lookback)
		}
	}

	if !setting.CreatedAt.IsZero() && start.Before(setting.CreatedAt) {
		start = setting.CreatedAt
	}
	end := start.Add(m.cfg.MaxSpan)
	if end.After(now) {
		end = now
	}
	if !end.After(start) {
		return schedule.Window{}, schedule.ErrNoWindow
	}
	// A window that only re-reads the overlap has nothing new to offer.
	if cur != nil && cur.LastExtractEndDate.Valid && !end.After(cur.LastExtractEndDate.Time) {
		return schedule.Window{}, schedule.ErrNoWindow
	}

	newVersion, err := m.repo.IssueWindow(ctx, setting.ID, version, owner, start, end, now.Add(m.cfg.LockTTL), now)
	if err != nil {
		return schedule.Window{}, err
	}

	w := schedule.Window{
		SettingID:    setting.ID,
		Start:        start,
		End:          end,
		Continuation: continuation,
		Owner:        owner,
		Version:      newVersion,
	}
	m.logger.WithFields(logrus.Fields{
		"setting_id": setting.ID,
		"start":      start,
		"end":        end,
		"version":    newVersion,
	}).Debug("Issued extraction window")
	return w, nil
}

// Commit advances the cursor past w. ErrStaleCursor means the window is no longer ours.
func (m *CursorManager) Commit(ctx context.Context, w schedule.Window, continuation string) error {
	if err := m.repo.CommitWindow(ctx, w, continuation); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"setting_id": w.SettingID,
		"end":        w.End,
	}).Debug("Committed extraction window")
	return nil
}

// Release drops the lock on w without moving the cursor, so the range is retried.
func (m *CursorManager) Release(ctx context.Context, w schedule.Window) error {
	return m.repo.ReleaseWindow(ctx, w)
}

// Reset removes the cursor; the next window starts from the lookback again.
func (m *CursorManager) Reset(ctx context.Context, settingID int64) error {
	if err := m.repo.ResetCursor(ctx, settingID); err != nil {
		return err
	}
	m.logger.WithField("setting_id", settingID).Info("Extraction cursor reset")
	return nil
}
