// Package memory holds in-process implementations of the repositories. They mirror the
// Postgres semantics and back both tests and STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"notification_scheduler/internal/domain/schedule"
)

type CursorStore struct {
	mu      sync.Mutex
	cursors map[int64]*schedule.Cursor
}

func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[int64]*schedule.Cursor)}
}

func (s *CursorStore) GetCursor(_ context.Context, settingID int64) (*schedule.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[settingID]
	if !ok {
		return nil, schedule.ErrCursorNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *CursorStore) IssueWindow(_ context.Context, settingID int64, expectedVersion int64, owner string, start, end, lockedUntil, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[settingID]
	if !ok {
		if expectedVersion != 0 {
			return 0, schedule.ErrStaleCursor
		}
		c = &schedule.Cursor{SettingID: settingID}
		s.cursors[settingID] = c
	}
	if c.LockedBy(owner, now) {
		return 0, schedule.ErrExtractionLocked
	}
	if c.Version != expectedVersion {
		return 0, schedule.ErrStaleCursor
	}
	c.Version++
	c.IssuedStart = sql.NullTime{Time: start, Valid: true}
	c.IssuedEnd = sql.NullTime{Time: end, Valid: true}
	c.LockOwner = owner
	c.LockedUntil = sql.NullTime{Time: lockedUntil, Valid: true}
	c.UpdatedAt = now
	return c.Version, nil
}

func (s *CursorStore) matchesIssued(c *schedule.Cursor, w schedule.Window) bool {
	return c.Version == w.Version &&
		c.LockOwner == w.Owner &&
		c.IssuedStart.Valid && c.IssuedStart.Time.Equal(w.Start) &&
		c.IssuedEnd.Valid && c.IssuedEnd.Time.Equal(w.End)
}

func (s *CursorStore) CommitWindow(_ context.Context, w schedule.Window, continuation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[w.SettingID]
	if !ok || !s.matchesIssued(c, w) {
		return schedule.ErrStaleCursor
	}
	c.LastExtractStartDate = sql.NullTime{Time: w.Start, Valid: true}
	c.LastExtractEndDate = sql.NullTime{Time: w.End, Valid: true}
	c.Continuation = continuation
	c.Version++
	clearIssued(c)
	return nil
}

func (s *CursorStore) ReleaseWindow(_ context.Context, w schedule.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[w.SettingID]
	if !ok || !s.matchesIssued(c, w) {
		return schedule.ErrStaleCursor
	}
	clearIssued(c)
	return nil
}

func (s *CursorStore) ResetCursor(_ context.Context, settingID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cursors[settingID]; !ok {
		return schedule.ErrCursorNotFound
	}
	delete(s.cursors, settingID)
	return nil
}

func clearIssued(c *schedule.Cursor) {
	c.IssuedStart = sql.NullTime{}
	c.IssuedEnd = sql.NullTime{}
	c.LockOwner = ""
	c.LockedUntil = sql.NullTime{}
}

var _ schedule.CursorRepository = (*CursorStore)(nil)
