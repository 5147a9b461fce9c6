package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notification_scheduler/internal/domain/agent"
	"notification_scheduler/internal/domain/schedule"
)

// Custom application-level errors for admin service
var ErrAdminNotAuthorized = fmt.Errorf("performing user is not authorized as an admin")

// AgentView is one line of the live agent listing.
type AgentView struct {
	AgentID int64
	Name    string
	Entry   BoardEntry
}

type AdminService struct {
	cursors         *CursorManager
	units           schedule.NotificationRepository
	board           BoardSource
	agents          agent.Repository
	adminTelegramID int64
	now             func() time.Time
}

func NewAdminService(cursors *CursorManager, units schedule.NotificationRepository, board BoardSource, agents agent.Repository, adminID int64) *AdminService {
	return &AdminService{
		cursors:         cursors,
		units:           units,
		board:           board,
		agents:          agents,
		adminTelegramID: adminID,
		now:             time.Now,
	}
}

func (s *AdminService) authorize(performingAdminID int64) error {
	if performingAdminID != s.adminTelegramID {
		return ErrAdminNotAuthorized
	}
	return nil
}

// ResetCursor discards the extraction cursor of a setting so the next run starts over
// from the lookback.
func (s *AdminService) ResetCursor(ctx context.Context, performingAdminID int64, settingID int64) error {
	if err := s.authorize(performingAdminID); err != nil {
		return err
	}
	if err := s.cursors.Reset(ctx, settingID); err != nil {
		if errors.Is(err, schedule.ErrCursorNotFound) {
			return err
		}
		return fmt.Errorf("failed to reset cursor for setting %d: %w", settingID, err)
	}
	return nil
}

// ListFailed returns units in failed:exhausted followed by failed:permanent, up to limit.
func (s *AdminService) ListFailed(ctx context.Context, performingAdminID int64, limit int) ([]*schedule.NotificationUnit, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return nil, err
	}
	out, err := s.units.ListByStatus(ctx, schedule.UnitStatusFailedExhausted, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted units: %w", err)
	}
	if limit > 0 && len(out) >= limit {
		return out, nil
	}
	rest := 0
	if limit > 0 {
		rest = limit - len(out)
	}
	permanent, err := s.units.ListByStatus(ctx, schedule.UnitStatusFailedPermanent, rest)
	if err != nil {
		return nil, fmt.Errorf("failed to list permanently failed units: %w", err)
	}
	return append(out, permanent...), nil
}

// Requeue returns a failed unit to pending with its attempts reset.
func (s *AdminService) Requeue(ctx context.Context, performingAdminID int64, unitID int64) (*schedule.NotificationUnit, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return nil, err
	}
	if err := s.units.Requeue(ctx, unitID, s.now()); err != nil {
		if errors.Is(err, schedule.ErrUnitNotFound) || errors.Is(err, schedule.ErrUnitNotRequeueable) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to requeue unit %d: %w", unitID, err)
	}
	return s.units.GetUnit(ctx, unitID)
}

// LiveAgents lists the Connected and OnBreak agents of a workspace from the status board.
func (s *AdminService) LiveAgents(ctx context.Context, performingAdminID int64, workspaceID int64) ([]AgentView, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return nil, err
	}
	entries := s.board.Snapshot().Entries(workspaceID)
	out := make([]AgentView, 0, len(entries))
	for _, e := range entries {
		view := AgentView{AgentID: e.AgentID, Entry: e, Name: fmt.Sprintf("#%d", e.AgentID)}
		a, err := s.agents.GetByID(ctx, e.WorkspaceID, e.AgentID)
		if err == nil {
			view.Name = a.DisplayName()
		} else if !errors.Is(err, agent.ErrAgentNotFound) {
			return nil, fmt.Errorf("failed to load agent %d: %w", e.AgentID, err)
		}
		out = append(out, view)
	}
	return out, nil
}
