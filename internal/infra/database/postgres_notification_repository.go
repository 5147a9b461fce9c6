// internal/infra/database/postgres_notification_repository.go
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq" // For pq.Array and error codes

	"notification_scheduler/internal/domain/schedule"
)

// ErrDuplicateSentAttempt is returned when a second sent attempt is recorded for one key.
var ErrDuplicateSentAttempt = fmt.Errorf("a sent attempt already exists for this idempotency key")

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type PostgresNotificationRepository struct {
	db *sql.DB
}

func NewPostgresNotificationRepository(db *sql.DB) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{db: db}
}

const unitColumns = `id, idempotency_key, setting_id, workspace_id, setting_type, channel, schedule_code, group_key,
	recipient, payload, template_id, appointment_time, send_at, status, attempts, next_attempt_at,
	lease_owner, lease_expires_at, last_error, requeued_at, created_at, updated_at`

func scanUnit(row interface{ Scan(...any) error }) (*schedule.NotificationUnit, error) {
	u := &schedule.NotificationUnit{}
	var recipient, payload []byte
	err := row.Scan(&u.ID, &u.IdempotencyKey, &u.SettingID, &u.WorkspaceID, &u.SettingType, &u.Channel,
		&u.ScheduleCode, &u.GroupKey, &recipient, &payload, &u.TemplateID, &u.AppointmentTime, &u.SendAt,
		&u.Status, &u.Attempts, &u.NextAttemptAt, &u.LeaseOwner, &u.LeaseExpiresAt, &u.LastError, &u.RequeuedAt,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipient, &u.Recipient); err != nil {
		return nil, fmt.Errorf("error decoding recipient of unit %d: %w", u.ID, err)
	}
	if err := json.Unmarshal(payload, &u.Payload); err != nil {
		return nil, fmt.Errorf("error decoding payload of unit %d: %w", u.ID, err)
	}
	return u, nil
}

func scanUnits(rows *sql.Rows) ([]*schedule.NotificationUnit, error) {
	defer rows.Close()
	units := make([]*schedule.NotificationUnit, 0)
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning notification unit row: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification unit rows: %w", err)
	}
	return units, nil
}

func (r *PostgresNotificationRepository) KnownKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(keys) == 0 {
		return known, nil
	}
	query := `SELECT idempotency_key FROM notification_units WHERE idempotency_key = ANY($1)
	          UNION
	          SELECT idempotency_key FROM dispatch_attempts WHERE idempotency_key = ANY($1) AND outcome = $2`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(keys), schedule.OutcomeSent)
	if err != nil {
		return nil, fmt.Errorf("error querying known idempotency keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("error scanning idempotency key: %w", err)
		}
		known[k] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating idempotency keys: %w", err)
	}
	return known, nil
}

func (r *PostgresNotificationRepository) KnownGroups(ctx context.Context, settingID int64, groupKeys []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(groupKeys) == 0 {
		return known, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT group_key FROM notification_units WHERE setting_id = $1 AND group_key = ANY($2)`,
		settingID, pq.Array(groupKeys))
	if err != nil {
		return nil, fmt.Errorf("error querying known group keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var gk string
		if err := rows.Scan(&gk); err != nil {
			return nil, fmt.Errorf("error scanning group key: %w", err)
		}
		known[gk] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group keys: %w", err)
	}
	return known, nil
}

func (r *PostgresNotificationRepository) InsertUnits(ctx context.Context, units []*schedule.NotificationUnit) (int, error) {
	if len(units) == 0 {
		return 0, nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for unit insert: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	stmt, err := txn.PrepareContext(ctx, `INSERT INTO notification_units
		(idempotency_key, setting_id, workspace_id, setting_type, channel, schedule_code, group_key, recipient,
		 payload, template_id, appointment_time, send_at, status, attempts, next_attempt_at, last_error,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT DO NOTHING
		RETURNING id`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement for unit insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, u := range units {
		recipient, err := json.Marshal(u.Recipient)
		if err != nil {
			return 0, fmt.Errorf("error encoding recipient for %s: %w", u.IdempotencyKey, err)
		}
		payload, err := json.Marshal(u.Payload)
		if err != nil {
			return 0, fmt.Errorf("error encoding payload for %s: %w", u.IdempotencyKey, err)
		}
		next := u.NextAttemptAt
		if next.IsZero() {
			next = u.SendAt
		}
		updated := u.UpdatedAt
		if updated.IsZero() {
			updated = u.CreatedAt
		}
		var id int64
		err = stmt.QueryRowContext(ctx, u.IdempotencyKey, u.SettingID, u.WorkspaceID, u.SettingType, u.Channel,
			u.ScheduleCode, u.GroupKey, recipient, payload, u.TemplateID, u.AppointmentTime, u.SendAt, u.Status,
			u.Attempts, next, u.LastError, u.CreatedAt, updated).Scan(&id)
		if err == sql.ErrNoRows {
			continue // key or group already on record
		}
		if err != nil {
			return 0, fmt.Errorf("error inserting notification unit %s: %w", u.IdempotencyKey, err)
		}
		u.ID = id
		u.NextAttemptAt = next
		u.UpdatedAt = updated
		inserted++
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit unit insert: %w", err)
	}
	return inserted, nil
}

func (r *PostgresNotificationRepository) GetUnit(ctx context.Context, id int64) (*schedule.NotificationUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM notification_units WHERE id = $1`
	u, err := scanUnit(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, schedule.ErrUnitNotFound
		}
		return nil, fmt.Errorf("error getting notification unit by ID: %w", err)
	}
	return u, nil
}

func (r *PostgresNotificationRepository) ClaimDue(ctx context.Context, owner string, now time.Time, leaseTTL time.Duration, limit int) ([]*schedule.NotificationUnit, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	query := `UPDATE notification_units SET lease_owner = $1, lease_expires_at = $2
	          WHERE id IN (
	              SELECT id FROM notification_units
	              WHERE status = $3 AND next_attempt_at <= $4
	                AND (lease_expires_at IS NULL OR lease_expires_at <= $4)
	              ORDER BY next_attempt_at, id
	              LIMIT $5
	              FOR UPDATE SKIP LOCKED)
	          RETURNING ` + unitColumns
	rows, err := r.db.QueryContext(ctx, query, owner, now.Add(leaseTTL), schedule.UnitStatusPending, now, lim)
	if err != nil {
		return nil, fmt.Errorf("error claiming due notification units: %w", err)
	}
	units, err := scanUnits(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(units, func(i, j int) bool {
		if !units[i].NextAttemptAt.Equal(units[j].NextAttemptAt) {
			return units[i].NextAttemptAt.Before(units[j].NextAttemptAt)
		}
		return units[i].ID < units[j].ID
	})
	return units, nil
}

func (r *PostgresNotificationRepository) Complete(ctx context.Context, owner string, update schedule.UnitUpdate, attempt *schedule.DispatchAttempt) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for unit completion: %w", err)
	}
	defer txn.Rollback()

	var (
		status     schedule.UnitStatus
		leaseOwner string
		key        string
	)
	err = txn.QueryRowContext(ctx,
		`SELECT status, lease_owner, idempotency_key FROM notification_units WHERE id = $1 FOR UPDATE`,
		update.UnitID).Scan(&status, &leaseOwner, &key)
	if err != nil {
		if err == sql.ErrNoRows {
			return schedule.ErrUnitNotFound
		}
		return fmt.Errorf("error locking notification unit: %w", err)
	}
	if status != schedule.UnitStatusPending || leaseOwner != owner {
		return schedule.ErrLeaseLost
	}

	if attempt != nil {
		err = txn.QueryRowContext(ctx,
			`INSERT INTO dispatch_attempts (unit_id, idempotency_key, attempt_number, worker_id, outcome, error_detail, provider_ref, attempted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			update.UnitID, key, attempt.AttemptNumber, attempt.WorkerID, attempt.Outcome, attempt.ErrorDetail,
			attempt.ProviderRef, attempt.AttemptedAt).Scan(&attempt.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("unit %d: %w", update.UnitID, ErrDuplicateSentAttempt)
			}
			return fmt.Errorf("error recording dispatch attempt: %w", err)
		}
		attempt.UnitID = update.UnitID
		attempt.IdempotencyKey = key
	}

	_, err = txn.ExecContext(ctx,
		`UPDATE notification_units
		 SET status = $2, attempts = $3, next_attempt_at = COALESCE($4, next_attempt_at), last_error = $5,
		     lease_owner = '', lease_expires_at = NULL, updated_at = $6
		 WHERE id = $1`,
		update.UnitID, update.Status, update.Attempts, nullTime(update.NextAttemptAt), update.LastError, update.At)
	if err != nil {
		return fmt.Errorf("error updating notification unit: %w", err)
	}
	return txn.Commit()
}

func (r *PostgresNotificationRepository) ListAttempts(ctx context.Context, unitID int64) ([]*schedule.DispatchAttempt, error) {
	query := `SELECT id, unit_id, idempotency_key, attempt_number, worker_id, outcome, error_detail, provider_ref, attempted_at
	          FROM dispatch_attempts WHERE unit_id = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, unitID)
	if err != nil {
		return nil, fmt.Errorf("error querying dispatch attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*schedule.DispatchAttempt, 0)
	for rows.Next() {
		a := &schedule.DispatchAttempt{}
		if err := rows.Scan(&a.ID, &a.UnitID, &a.IdempotencyKey, &a.AttemptNumber, &a.WorkerID, &a.Outcome,
			&a.ErrorDetail, &a.ProviderRef, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("error scanning dispatch attempt row: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dispatch attempt rows: %w", err)
	}
	return attempts, nil
}

func (r *PostgresNotificationRepository) ListByStatus(ctx context.Context, status schedule.UnitStatus, limit int) ([]*schedule.NotificationUnit, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	query := `SELECT ` + unitColumns + ` FROM notification_units WHERE status = $1 ORDER BY id LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, status, lim)
	if err != nil {
		return nil, fmt.Errorf("error querying notification units by status: %w", err)
	}
	return scanUnits(rows)
}

func (r *PostgresNotificationRepository) Requeue(ctx context.Context, unitID int64, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notification_units
		 SET status = $2, attempts = 0, next_attempt_at = $3, last_error = '', lease_owner = '',
		     lease_expires_at = NULL, requeued_at = $3, updated_at = $3
		 WHERE id = $1 AND status = ANY($4)`,
		unitID, schedule.UnitStatusPending, now,
		pq.Array([]string{string(schedule.UnitStatusFailedPermanent), string(schedule.UnitStatusFailedExhausted)}))
	if err != nil {
		return fmt.Errorf("error requeueing notification unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetUnit(ctx, unitID); err != nil {
		return err
	}
	return schedule.ErrUnitNotRequeueable
}

// PurgeTerminal relies on ON DELETE CASCADE to drop the units' attempts.
func (r *PostgresNotificationRepository) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM notification_units WHERE status <> $1 AND updated_at < $2`,
		schedule.UnitStatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error purging terminal notification units: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading affected rows: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ schedule.NotificationRepository = (*PostgresNotificationRepository)(nil)
