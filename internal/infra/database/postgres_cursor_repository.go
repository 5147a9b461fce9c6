// internal/infra/database/postgres_cursor_repository.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"notification_scheduler/internal/domain/schedule"
)

type PostgresCursorRepository struct {
	db *sql.DB
}

func NewPostgresCursorRepository(db *sql.DB) *PostgresCursorRepository {
	return &PostgresCursorRepository{db: db}
}

const cursorColumns = `setting_id, last_extract_start_date, last_extract_end_date, continuation, version,
	issued_start, issued_end, lock_owner, locked_until, updated_at`

func scanCursor(row interface{ Scan(...any) error }) (*schedule.Cursor, error) {
	c := &schedule.Cursor{}
	err := row.Scan(&c.SettingID, &c.LastExtractStartDate, &c.LastExtractEndDate, &c.Continuation, &c.Version,
		&c.IssuedStart, &c.IssuedEnd, &c.LockOwner, &c.LockedUntil, &c.UpdatedAt)
	return c, err
}

func (r *PostgresCursorRepository) GetCursor(ctx context.Context, settingID int64) (*schedule.Cursor, error) {
	query := `SELECT ` + cursorColumns + ` FROM extraction_cursors WHERE setting_id = $1`
	c, err := scanCursor(r.db.QueryRowContext(ctx, query, settingID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, schedule.ErrCursorNotFound
		}
		return nil, fmt.Errorf("error getting extraction cursor: %w", err)
	}
	return c, nil
}

func (r *PostgresCursorRepository) IssueWindow(ctx context.Context, settingID int64, expectedVersion int64, owner string, start, end, lockedUntil, now time.Time) (int64, error) {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for window issue: %w", err)
	}
	defer txn.Rollback()

	if expectedVersion == 0 {
		// First issue for the setting: the row may not exist yet.
		if _, err := txn.ExecContext(ctx,
			`INSERT INTO extraction_cursors (setting_id, updated_at) VALUES ($1, $2) ON CONFLICT (setting_id) DO NOTHING`,
			settingID, now); err != nil {
			return 0, fmt.Errorf("error creating extraction cursor: %w", err)
		}
	}

	c, err := scanCursor(txn.QueryRowContext(ctx,
		`SELECT `+cursorColumns+` FROM extraction_cursors WHERE setting_id = $1 FOR UPDATE`, settingID))
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, schedule.ErrStaleCursor
		}
		return 0, fmt.Errorf("error locking extraction cursor: %w", err)
	}
	if c.LockedBy(owner, now) {
		return 0, schedule.ErrExtractionLocked
	}
	if c.Version != expectedVersion {
		return 0, schedule.ErrStaleCursor
	}

	var version int64
	err = txn.QueryRowContext(ctx,
		`UPDATE extraction_cursors
		 SET version = version + 1, issued_start = $2, issued_end = $3, lock_owner = $4, locked_until = $5, updated_at = $6
		 WHERE setting_id = $1
		 RETURNING version`,
		settingID, start, end, owner, lockedUntil, now).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("error issuing extraction window: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit window issue: %w", err)
	}
	return version, nil
}

// matchIssued is the compare-and-set predicate shared by commit and release.
const matchIssued = `setting_id = $1 AND version = $2 AND lock_owner = $3 AND issued_start = $4 AND issued_end = $5`

func (r *PostgresCursorRepository) CommitWindow(ctx context.Context, w schedule.Window, continuation string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE extraction_cursors
		 SET last_extract_start_date = $4, last_extract_end_date = $5, continuation = $6, version = version + 1,
		     issued_start = NULL, issued_end = NULL, lock_owner = '', locked_until = NULL, updated_at = NOW()
		 WHERE `+matchIssued,
		w.SettingID, w.Version, w.Owner, w.Start, w.End, continuation)
	if err != nil {
		return fmt.Errorf("error committing extraction window: %w", err)
	}
	return expectOneRow(res, schedule.ErrStaleCursor)
}

func (r *PostgresCursorRepository) ReleaseWindow(ctx context.Context, w schedule.Window) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE extraction_cursors
		 SET issued_start = NULL, issued_end = NULL, lock_owner = '', locked_until = NULL, updated_at = NOW()
		 WHERE `+matchIssued,
		w.SettingID, w.Version, w.Owner, w.Start, w.End)
	if err != nil {
		return fmt.Errorf("error releasing extraction window: %w", err)
	}
	return expectOneRow(res, schedule.ErrStaleCursor)
}

func (r *PostgresCursorRepository) ResetCursor(ctx context.Context, settingID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM extraction_cursors WHERE setting_id = $1`, settingID)
	if err != nil {
		return fmt.Errorf("error resetting extraction cursor: %w", err)
	}
	return expectOneRow(res, schedule.ErrCursorNotFound)
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ schedule.CursorRepository = (*PostgresCursorRepository)(nil)
