// internal/domain/agentstatus/status.go
package agentstatus

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// State is an agent's working-time state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateOnBreak      State = "on_break"
)

// Reason records who initiated a transition.
type Reason string

const (
	ReasonManual   Reason = "manual"
	ReasonWatchdog Reason = "watchdog"
)

var (
	ErrInvalidTransition    = fmt.Errorf("invalid agent status transition")
	ErrNoOpenRecord         = fmt.Errorf("agent has no open status record")
	ErrConcurrentTransition = fmt.Errorf("agent status changed concurrently")
	ErrBreakSettingNotFound = fmt.Errorf("break setting not found")
)

// TransitionError describes a rejected transition. It matches ErrInvalidTransition.
type TransitionError struct {
	WorkspaceID int64
	AgentID     int64
	From        State
	Action      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: agent %d (workspace %d) cannot %s from %s",
		ErrInvalidTransition, e.AgentID, e.WorkspaceID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Record is one interval of an agent's status. At most one record per agent has no EndedAt.
type Record struct {
	ID                   int64
	WorkspaceID          int64
	AgentID              int64
	State                State
	StartedAt            time.Time
	EndedAt              sql.NullTime
	BreakSettingID       sql.NullInt64
	BreakMaxSeconds      int64
	BreakOvertimeSeconds int64
	LastActivityAt       time.Time
	Reason               Reason
}

// IsOpen reports whether the record has not been superseded yet.
func (r *Record) IsOpen() bool { return !r.EndedAt.Valid }

// Elapsed returns how long the record lasted, or has lasted until now when still open.
func (r *Record) Elapsed(now time.Time) time.Duration {
	end := now
	if r.EndedAt.Valid {
		end = r.EndedAt.Time
	}
	if end.Before(r.StartedAt) {
		return 0
	}
	return end.Sub(r.StartedAt)
}

// OvertimeAt returns the break overtime in whole seconds if the record were closed at end.
func (r *Record) OvertimeAt(end time.Time) int64 {
	if r.State != StateOnBreak || r.BreakMaxSeconds <= 0 {
		return 0
	}
	elapsed := int64(end.Sub(r.StartedAt) / time.Second)
	if elapsed <= r.BreakMaxSeconds {
		return 0
	}
	return elapsed - r.BreakMaxSeconds
}

// BreakSetting bounds how long a break of this kind may last.
type BreakSetting struct {
	ID                 int64  `yaml:"id" json:"id"`
	WorkspaceID        int64  `yaml:"workspace_id" json:"workspace_id"`
	Name               string `yaml:"name" json:"name"`
	MaxDurationSeconds int64  `yaml:"max_duration_seconds" json:"max_duration_seconds"`
}

// BreakSettingProvider reads break settings from configuration.
type BreakSettingProvider interface {
	GetBreakSetting(ctx context.Context, id int64) (*BreakSetting, error)
}

// Repository persists status records.
type Repository interface {
	GetOpen(ctx context.Context, workspaceID, agentID int64) (*Record, error)
	// ListOpen lists open records; workspaceID 0 lists every workspace.
	ListOpen(ctx context.Context, workspaceID int64) ([]*Record, error)
	// Transition atomically closes closing (when non-nil, using its EndedAt and
	// BreakOvertimeSeconds) and inserts opening (when non-nil). It fails with
	// ErrConcurrentTransition if closing is no longer open or another open record exists.
	Transition(ctx context.Context, closing *Record, opening *Record) error
	TouchActivity(ctx context.Context, recordID int64, at time.Time) error
	ListHistory(ctx context.Context, workspaceID, agentID int64, since time.Time) ([]*Record, error)
}
