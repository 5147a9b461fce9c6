package agent

import (
	"context"
	"fmt"
)

var (
	ErrAgentNotFound = fmt.Errorf("agent not found")
	ErrDuplicateID   = fmt.Errorf("agent with this ID already exists")
)

// Repository defines the operations for persisting and retrieving Agent entities.
type Repository interface {
	Create(ctx context.Context, agent *Agent) error
	GetByID(ctx context.Context, workspaceID, id int64) (*Agent, error)
	// GetByTelegramID returns the active agent linked to a Telegram account.
	GetByTelegramID(ctx context.Context, telegramID int64) (*Agent, error)
	Update(ctx context.Context, agent *Agent) error // Should handle updates to names, teams, IsActive
	ListActive(ctx context.Context, workspaceID int64) ([]*Agent, error)
	// ListByTeam returns active members of a team.
	ListByTeam(ctx context.Context, workspaceID, teamID int64) ([]*Agent, error)
}
