// internal/domain/schedule/cursor.go
package schedule

import (
	"database/sql"
	"time"
)

// Cursor is the per-setting record of the last committed extraction window plus the
// currently issued (locked) window, if any.
type Cursor struct {
	SettingID            int64
	LastExtractStartDate sql.NullTime // zero until the first commit
	LastExtractEndDate   sql.NullTime
	Continuation         string // opaque adapter parameter carried between windows
	Version              int64  // bumped on every issue and commit
	IssuedStart          sql.NullTime
	IssuedEnd            sql.NullTime
	LockOwner            string
	LockedUntil          sql.NullTime
	UpdatedAt            time.Time
}

// LockedBy reports whether another owner holds an unexpired lock at now.
func (c *Cursor) LockedBy(owner string, now time.Time) bool {
	if c.LockOwner == "" || c.LockOwner == owner || !c.LockedUntil.Valid {
		return false
	}
	return c.LockedUntil.Time.After(now)
}

// Window is an issued extraction range. Commit and Release must pass it back unchanged.
type Window struct {
	SettingID    int64
	Start        time.Time
	End          time.Time
	Continuation string
	Owner        string
	Version      int64
}

func (w Window) Span() time.Duration {
	return w.End.Sub(w.Start)
}
