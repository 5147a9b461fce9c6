// internal/domain/schedule/repository.go
package schedule

import (
	"context"
	"time"
)

// CursorRepository persists extraction cursors with optimistic concurrency.
type CursorRepository interface {
	GetCursor(ctx context.Context, settingID int64) (*Cursor, error)
	// IssueWindow records [start,end) as issued to owner and takes a lock until lockedUntil.
	// It succeeds only when the stored version equals expectedVersion and no other owner holds
	// an unexpired lock. Returns the new version.
	IssueWindow(ctx context.Context, settingID int64, expectedVersion int64, owner string, start, end, lockedUntil, now time.Time) (int64, error)
	// CommitWindow advances the cursor to the issued window. Fails with ErrStaleCursor unless
	// version, owner and range still match the issued window.
	CommitWindow(ctx context.Context, w Window, continuation string) error
	// ReleaseWindow drops the issued window and lock without moving the cursor.
	ReleaseWindow(ctx context.Context, w Window) error
	ResetCursor(ctx context.Context, settingID int64) error
}

// NotificationRepository persists notification units and their dispatch attempts.
type NotificationRepository interface {
	// KnownKeys returns the subset of keys that already have a unit or a non-failed attempt.
	KnownKeys(ctx context.Context, keys []string) (map[string]bool, error)
	// KnownGroups returns the subset of group keys that already have a unit for settingID.
	KnownGroups(ctx context.Context, settingID int64, groupKeys []string) (map[string]bool, error)
	// InsertUnits stores new units, silently skipping idempotency keys and (setting, group)
	// pairs that already exist.
	// Inserted units get their ID set; the number inserted is returned.
	InsertUnits(ctx context.Context, units []*NotificationUnit) (int, error)
	GetUnit(ctx context.Context, id int64) (*NotificationUnit, error)
	// ClaimDue leases up to limit pending units whose next attempt is due and whose lease is
	// empty or expired.
	ClaimDue(ctx context.Context, owner string, now time.Time, leaseTTL time.Duration, limit int) ([]*NotificationUnit, error)
	// Complete writes back a leased unit and appends attempt when non-nil, releasing the
	// lease. Fails with ErrLeaseLost if owner no longer holds the lease.
	Complete(ctx context.Context, owner string, update UnitUpdate, attempt *DispatchAttempt) error
	ListAttempts(ctx context.Context, unitID int64) ([]*DispatchAttempt, error)
	ListByStatus(ctx context.Context, status UnitStatus, limit int) ([]*NotificationUnit, error)
	// Requeue returns a failed unit to pending with attempts reset and RequeuedAt set.
	Requeue(ctx context.Context, unitID int64, now time.Time) error
	// PurgeTerminal deletes terminal units (and their attempts) last updated before cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}
