// internal/infra/database/postgres_agentstatus_repository.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"notification_scheduler/internal/domain/agentstatus"
)

type PostgresAgentStatusRepository struct {
	db *sql.DB
}

func NewPostgresAgentStatusRepository(db *sql.DB) *PostgresAgentStatusRepository {
	return &PostgresAgentStatusRepository{db: db}
}

const statusColumns = `id, workspace_id, agent_id, state, started_at, ended_at, break_setting_id,
	break_max_seconds, break_overtime_seconds, last_activity_at, reason`

func scanRecord(row interface{ Scan(...any) error }) (*agentstatus.Record, error) {
	rec := &agentstatus.Record{}
	err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.AgentID, &rec.State, &rec.StartedAt, &rec.EndedAt,
		&rec.BreakSettingID, &rec.BreakMaxSeconds, &rec.BreakOvertimeSeconds, &rec.LastActivityAt, &rec.Reason)
	return rec, err
}

func (r *PostgresAgentStatusRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*agentstatus.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying agent status records: %w", err)
	}
	defer rows.Close()

	records := make([]*agentstatus.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning agent status record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent status records: %w", err)
	}
	return records, nil
}

func (r *PostgresAgentStatusRepository) GetOpen(ctx context.Context, workspaceID, agentID int64) (*agentstatus.Record, error) {
	query := `SELECT ` + statusColumns + ` FROM agent_status_records
	          WHERE workspace_id = $1 AND agent_id = $2 AND ended_at IS NULL`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, workspaceID, agentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, agentstatus.ErrNoOpenRecord
		}
		return nil, fmt.Errorf("error getting open agent status record: %w", err)
	}
	return rec, nil
}

func (r *PostgresAgentStatusRepository) ListOpen(ctx context.Context, workspaceID int64) ([]*agentstatus.Record, error) {
	query := `SELECT ` + statusColumns + ` FROM agent_status_records
	          WHERE ended_at IS NULL AND ($1 = 0 OR workspace_id = $1) ORDER BY id`
	return r.queryRecords(ctx, query, workspaceID)
}

// Transition closes and opens in one transaction. The partial unique index on open records
// rejects a second open record even when two processes race.
func (r *PostgresAgentStatusRepository) Transition(ctx context.Context, closing *agentstatus.Record, opening *agentstatus.Record) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for status transition: %w", err)
	}
	defer txn.Rollback()

	if closing != nil {
		res, err := txn.ExecContext(ctx,
			`UPDATE agent_status_records SET ended_at = $2, break_overtime_seconds = $3
			 WHERE id = $1 AND ended_at IS NULL`,
			closing.ID, closing.EndedAt, closing.BreakOvertimeSeconds)
		if err != nil {
			return fmt.Errorf("error closing agent status record: %w", err)
		}
		if err := expectOneRow(res, agentstatus.ErrConcurrentTransition); err != nil {
			return err
		}
	}
	if opening != nil {
		err := txn.QueryRowContext(ctx,
			`INSERT INTO agent_status_records (workspace_id, agent_id, state, started_at, break_setting_id,
			     break_max_seconds, last_activity_at, reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			opening.WorkspaceID, opening.AgentID, opening.State, opening.StartedAt, opening.BreakSettingID,
			opening.BreakMaxSeconds, opening.LastActivityAt, opening.Reason).Scan(&opening.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return agentstatus.ErrConcurrentTransition
			}
			return fmt.Errorf("error opening agent status record: %w", err)
		}
	}
	return txn.Commit()
}

func (r *PostgresAgentStatusRepository) TouchActivity(ctx context.Context, recordID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agent_status_records SET last_activity_at = GREATEST(last_activity_at, $2)
		 WHERE id = $1 AND ended_at IS NULL`,
		recordID, at)
	if err != nil {
		return fmt.Errorf("error touching agent activity: %w", err)
	}
	return expectOneRow(res, agentstatus.ErrNoOpenRecord)
}

func (r *PostgresAgentStatusRepository) ListHistory(ctx context.Context, workspaceID, agentID int64, since time.Time) ([]*agentstatus.Record, error) {
	query := `SELECT ` + statusColumns + ` FROM agent_status_records
	          WHERE workspace_id = $1 AND agent_id = $2 AND (ended_at IS NULL OR ended_at >= $3)
	          ORDER BY id`
	return r.queryRecords(ctx, query, workspaceID, agentID, since)
}

var _ agentstatus.Repository = (*PostgresAgentStatusRepository)(nil)
