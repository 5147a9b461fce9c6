package database

import (
	"context"
	"database/sql"
	"fmt" // For error wrapping

	"github.com/lib/pq"

	"notification_scheduler/internal/domain/agent"
)

type PostgresAgentRepository struct {
	db *sql.DB
}

func NewPostgresAgentRepository(db *sql.DB) *PostgresAgentRepository {
	return &PostgresAgentRepository{db: db}
}

const agentColumns = `id, workspace_id, telegram_id, first_name, last_name, team_ids, is_active, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*agent.Agent, error) {
	a := &agent.Agent{}
	var teams pq.Int64Array
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.TelegramID, &a.FirstName, &a.LastName, &teams, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.TeamIDs = []int64(teams)
	return a, nil
}

func (r *PostgresAgentRepository) Create(ctx context.Context, a *agent.Agent) error {
	query := `INSERT INTO agents (id, workspace_id, telegram_id, first_name, last_name, team_ids, is_active)
               VALUES ($1, $2, $3, $4, $5, $6, $7)
               RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query, a.ID, a.WorkspaceID, a.TelegramID, a.FirstName, a.LastName, pq.Array(a.TeamIDs), a.IsActive).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return agent.ErrDuplicateID
		}
		return fmt.Errorf("error creating agent: %w", err)
	}
	return nil
}

func (r *PostgresAgentRepository) GetByID(ctx context.Context, workspaceID, id int64) (*agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE workspace_id = $1 AND id = $2`
	a, err := scanAgent(r.db.QueryRowContext(ctx, query, workspaceID, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, agent.ErrAgentNotFound
		}
		return nil, fmt.Errorf("error getting agent by ID: %w", err)
	}
	return a, nil
}

func (r *PostgresAgentRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
               WHERE telegram_id = $1 AND telegram_id <> 0 AND is_active = TRUE
               ORDER BY workspace_id, id LIMIT 1`
	a, err := scanAgent(r.db.QueryRowContext(ctx, query, telegramID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, agent.ErrAgentNotFound
		}
		return nil, fmt.Errorf("error getting agent by Telegram ID: %w", err)
	}
	return a, nil
}

func (r *PostgresAgentRepository) Update(ctx context.Context, a *agent.Agent) error {
	query := `UPDATE agents
               SET telegram_id = $1, first_name = $2, last_name = $3, team_ids = $4, is_active = $5, updated_at = NOW()
               WHERE workspace_id = $6 AND id = $7
               RETURNING updated_at`

	err := r.db.QueryRowContext(ctx, query, a.TelegramID, a.FirstName, a.LastName, pq.Array(a.TeamIDs), a.IsActive, a.WorkspaceID, a.ID).Scan(&a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return agent.ErrAgentNotFound
		}
		return fmt.Errorf("error updating agent: %w", err)
	}
	return nil
}

func (r *PostgresAgentRepository) list(ctx context.Context, what string, query string, args ...any) ([]*agent.Agent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing %s agents: %w", what, err)
	}
	defer rows.Close()

	agents := make([]*agent.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning %s agent: %w", what, err)
		}
		agents = append(agents, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s agents: %w", what, err)
	}
	return agents, nil
}

func (r *PostgresAgentRepository) ListActive(ctx context.Context, workspaceID int64) ([]*agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE workspace_id = $1 AND is_active = TRUE ORDER BY id`
	return r.list(ctx, "active", query, workspaceID)
}

func (r *PostgresAgentRepository) ListByTeam(ctx context.Context, workspaceID, teamID int64) ([]*agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
               WHERE workspace_id = $1 AND is_active = TRUE AND $2 = ANY(team_ids) ORDER BY id`
	return r.list(ctx, "team", query, workspaceID, teamID)
}

// Upsert seeds the roster from the configuration file.
func (r *PostgresAgentRepository) Upsert(ctx context.Context, a *agent.Agent) error {
	query := `INSERT INTO agents (id, workspace_id, telegram_id, first_name, last_name, team_ids, is_active)
               VALUES ($1, $2, $3, $4, $5, $6, $7)
               ON CONFLICT ON CONSTRAINT agents_pkey DO UPDATE
               SET telegram_id = EXCLUDED.telegram_id, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
                   team_ids = EXCLUDED.team_ids, is_active = EXCLUDED.is_active, updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, a.ID, a.WorkspaceID, a.TelegramID, a.FirstName, a.LastName, pq.Array(a.TeamIDs), a.IsActive); err != nil {
		return fmt.Errorf("error upserting agent %d: %w", a.ID, err)
	}
	return nil
}

var _ agent.Repository = (*PostgresAgentRepository)(nil)
