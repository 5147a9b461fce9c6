package agent

import (
	"database/sql"
	"time"
)

// Agent represents a human agent who can receive routed conversations.
type Agent struct {
	ID          int64          `yaml:"id"`
	WorkspaceID int64          `yaml:"workspace_id"`
	FirstName   string         `yaml:"first_name"`
	LastName    sql.NullString `yaml:"-"` // To handle optional last name
	TeamIDs     []int64        `yaml:"team_ids"`
	TelegramID  int64          `yaml:"telegram_id,omitempty"`
	IsActive    bool           `yaml:"active"`
	CreatedAt   time.Time      `yaml:"-"`
	UpdatedAt   time.Time      `yaml:"-"`
}

// InTeam reports whether the agent belongs to teamID.
func (a *Agent) InTeam(teamID int64) bool {
	for _, id := range a.TeamIDs {
		if id == teamID {
			return true
		}
	}
	return false
}

// DisplayName joins first and last name.
func (a *Agent) DisplayName() string {
	if a.LastName.Valid && a.LastName.String != "" {
		return a.FirstName + " " + a.LastName.String
	}
	return a.FirstName
}
