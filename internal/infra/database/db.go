package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 1 * time.Minute
)

// NewPostgresConnection creates and returns a new PostgreSQL database connection.
// It also pings the database to ensure connectivity.
func NewPostgresConnection(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err = db.Ping(); err != nil {
		db.Close() // Close the connection if ping fails
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// schema is idempotent; init-db may run it on every deploy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS extraction_cursors (
		setting_id              BIGINT PRIMARY KEY,
		last_extract_start_date TIMESTAMPTZ,
		last_extract_end_date   TIMESTAMPTZ,
		continuation            TEXT NOT NULL DEFAULT '',
		version                 BIGINT NOT NULL DEFAULT 0,
		issued_start            TIMESTAMPTZ,
		issued_end              TIMESTAMPTZ,
		lock_owner              TEXT NOT NULL DEFAULT '',
		locked_until            TIMESTAMPTZ,
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_units (
		id               BIGSERIAL PRIMARY KEY,
		idempotency_key  TEXT NOT NULL UNIQUE,
		setting_id       BIGINT NOT NULL,
		workspace_id     BIGINT NOT NULL,
		setting_type     TEXT NOT NULL,
		channel          TEXT NOT NULL,
		schedule_code    TEXT NOT NULL,
		group_key        TEXT NOT NULL,
		recipient        JSONB NOT NULL,
		payload          JSONB NOT NULL DEFAULT '{}',
		template_id      TEXT NOT NULL DEFAULT '',
		appointment_time TIMESTAMPTZ NOT NULL,
		send_at          TIMESTAMPTZ NOT NULL,
		status           TEXT NOT NULL,
		attempts         INT NOT NULL DEFAULT 0,
		next_attempt_at  TIMESTAMPTZ NOT NULL,
		lease_owner      TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMPTZ,
		last_error       TEXT NOT NULL DEFAULT '',
		requeued_at      TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (setting_id, group_key)
	)`,
	`CREATE INDEX IF NOT EXISTS notification_units_due_idx
		ON notification_units (next_attempt_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS notification_units_status_idx
		ON notification_units (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS dispatch_attempts (
		id              BIGSERIAL PRIMARY KEY,
		unit_id         BIGINT NOT NULL REFERENCES notification_units (id) ON DELETE CASCADE,
		idempotency_key TEXT NOT NULL,
		attempt_number  INT NOT NULL,
		worker_id       TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		error_detail    TEXT NOT NULL DEFAULT '',
		provider_ref    TEXT NOT NULL DEFAULT '',
		attempted_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS dispatch_attempts_one_sent_idx
		ON dispatch_attempts (idempotency_key) WHERE outcome = 'sent'`,
	`CREATE INDEX IF NOT EXISTS dispatch_attempts_unit_idx ON dispatch_attempts (unit_id)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id           BIGINT NOT NULL,
		workspace_id BIGINT NOT NULL,
		telegram_id  BIGINT NOT NULL DEFAULT 0,
		first_name   TEXT NOT NULL,
		last_name    TEXT,
		team_ids     BIGINT[] NOT NULL DEFAULT '{}',
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT agents_pkey PRIMARY KEY (workspace_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS agents_telegram_idx ON agents (telegram_id) WHERE telegram_id <> 0`,
	`CREATE TABLE IF NOT EXISTS agent_status_records (
		id                     BIGSERIAL PRIMARY KEY,
		workspace_id           BIGINT NOT NULL,
		agent_id               BIGINT NOT NULL,
		state                  TEXT NOT NULL,
		started_at             TIMESTAMPTZ NOT NULL,
		ended_at               TIMESTAMPTZ,
		break_setting_id       BIGINT,
		break_max_seconds      BIGINT NOT NULL DEFAULT 0,
		break_overtime_seconds BIGINT NOT NULL DEFAULT 0,
		last_activity_at       TIMESTAMPTZ NOT NULL,
		reason                 TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS agent_status_one_open_idx
		ON agent_status_records (workspace_id, agent_id) WHERE ended_at IS NULL`,
}

// InitSchema creates the tables and indexes used by the repositories.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
