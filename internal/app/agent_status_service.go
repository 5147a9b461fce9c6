// internal/app/agent_status_service.go
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"notification_scheduler/internal/domain/agentstatus"
	"notification_scheduler/internal/domain/events"
)

// AgentStatusConfig drives the inactivity watchdog.
type AgentStatusConfig struct {
	MaxInactive        time.Duration // 0 disables the watchdog
	AutoBreakSettingID int64         // 0 means the watchdog disconnects instead
}

// AgentStatusService is the single owner of agent status transitions. Transitions for one
// agent are serialised; different agents proceed in parallel.
type AgentStatusService struct {
	repo      agentstatus.Repository
	breaks    agentstatus.BreakSettingProvider
	publisher events.Publisher
	cfg       AgentStatusConfig
	logger    *logrus.Entry
	now       func() time.Time

	locks *keyedMutex
	board boardPublisher
}

func NewAgentStatusService(
	repo agentstatus.Repository,
	breaks agentstatus.BreakSettingProvider,
	publisher events.Publisher,
	cfg AgentStatusConfig,
	logger *logrus.Entry,
) *AgentStatusService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &AgentStatusService{
		repo:      repo,
		breaks:    breaks,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.WithField("component", "agent_status"),
		now:       time.Now,
		locks:     newKeyedMutex(),
	}
}

// Snapshot returns the current board. It never blocks on transitions.
func (s *AgentStatusService) Snapshot() *StatusBoard {
	return s.board.load()
}

// Hydrate rebuilds the board from the open records in storage.
func (s *AgentStatusService) Hydrate(ctx context.Context) error {
	open, err := s.repo.ListOpen(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list open status records: %w", err)
	}
	entries := make([]BoardEntry, 0, len(open))
	for _, r := range open {
		entries = append(entries, BoardEntry{WorkspaceID: r.WorkspaceID, AgentID: r.AgentID, State: r.State, Since: r.StartedAt})
	}
	s.board.replace(entries)
	s.logger.WithField("open_records", len(open)).Info("Agent status board hydrated")
	return nil
}

type transitionSpec struct {
	action  string
	allowed []agentstatus.State
	to      agentstatus.State
	brk     *agentstatus.BreakSetting
	reason  agentstatus.Reason
	// guard runs under the agent lock; returning false abandons the transition quietly.
	guard func(open *agentstatus.Record, now time.Time) bool
}

func (t transitionSpec) permits(from agentstatus.State) bool {
	for _, st := range t.allowed {
		if st == from {
			return true
		}
	}
	return false
}

// Connect is allowed from Disconnected or OnBreak.
func (s *AgentStatusService) Connect(ctx context.Context, workspaceID, agentID int64) error {
	_, err := s.apply(ctx, workspaceID, agentID, transitionSpec{
		action:  "connect",
		allowed: []agentstatus.State{agentstatus.StateDisconnected, agentstatus.StateOnBreak},
		to:      agentstatus.StateConnected,
		reason:  agentstatus.ReasonManual,
	})
	return err
}

// StartBreak is allowed only from Connected.
func (s *AgentStatusService) StartBreak(ctx context.Context, workspaceID, agentID, breakSettingID int64) error {
	return s.startBreak(ctx, workspaceID, agentID, breakSettingID, agentstatus.ReasonManual, nil)
}

func (s *AgentStatusService) startBreak(ctx context.Context, workspaceID, agentID, breakSettingID int64, reason agentstatus.Reason, guard func(*agentstatus.Record, time.Time) bool) error {
	brk, err := s.breaks.GetBreakSetting(ctx, breakSettingID)
	if err != nil {
		return err
	}
	_, err = s.apply(ctx, workspaceID, agentID, transitionSpec{
		action:  "start a break",
		allowed: []agentstatus.State{agentstatus.StateConnected},
		to:      agentstatus.StateOnBreak,
		brk:     brk,
		reason:  reason,
		guard:   guard,
	})
	return err
}

// EndBreak is allowed only from OnBreak; overtime is recorded on the closed break.
func (s *AgentStatusService) EndBreak(ctx context.Context, workspaceID, agentID int64) error {
	_, err := s.apply(ctx, workspaceID, agentID, transitionSpec{
		action:  "end a break",
		allowed: []agentstatus.State{agentstatus.StateOnBreak},
		to:      agentstatus.StateConnected,
		reason:  agentstatus.ReasonManual,
	})
	return err
}

// Disconnect is allowed from any state and is a no-op when already Disconnected.
func (s *AgentStatusService) Disconnect(ctx context.Context, workspaceID, agentID int64) error {
	_, err := s.apply(ctx, workspaceID, agentID, transitionSpec{
		action:  "disconnect",
		allowed: []agentstatus.State{agentstatus.StateDisconnected, agentstatus.StateConnected, agentstatus.StateOnBreak},
		to:      agentstatus.StateDisconnected,
		reason:  agentstatus.ReasonManual,
	})
	return err
}

// Touch records activity on the agent's open record.
func (s *AgentStatusService) Touch(ctx context.Context, workspaceID, agentID int64) error {
	unlock := s.locks.Lock(agentRef{workspaceID, agentID})
	defer unlock()
	open, err := s.repo.GetOpen(ctx, workspaceID, agentID)
	if err != nil {
		return err
	}
	return s.repo.TouchActivity(ctx, open.ID, s.now())
}

// History lists an agent's records that were open at or after since.
func (s *AgentStatusService) History(ctx context.Context, workspaceID, agentID int64, since time.Time) ([]*agentstatus.Record, error) {
	return s.repo.ListHistory(ctx, workspaceID, agentID, since)
}

// CheckInactivity forces Connected agents idle for longer than MaxInactive onto the
// auto-break, or disconnects them when no auto-break is configured. It returns the number
// of agents moved.
func (s *AgentStatusService) CheckInactivity(ctx context.Context) (int, error) {
	if s.cfg.MaxInactive <= 0 {
		return 0, nil
	}
	open, err := s.repo.ListOpen(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list open status records: %w", err)
	}
	now := s.now()
	moved := 0
	var errs []error
	for _, r := range open {
		if r.State != agentstatus.StateConnected || now.Sub(r.LastActivityAt) <= s.cfg.MaxInactive {
			continue
		}
		recordID := r.ID
		guard := func(cur *agentstatus.Record, at time.Time) bool {
			return cur != nil && cur.ID == recordID && at.Sub(cur.LastActivityAt) > s.cfg.MaxInactive
		}
		var changed bool
		if s.cfg.AutoBreakSettingID != 0 {
			err = s.startBreak(ctx, r.WorkspaceID, r.AgentID, s.cfg.AutoBreakSettingID, agentstatus.ReasonWatchdog, func(cur *agentstatus.Record, at time.Time) bool {
				changed = guard(cur, at)
				return changed
			})
		} else {
			changed, err = s.apply(ctx, r.WorkspaceID, r.AgentID, transitionSpec{
				action:  "disconnect",
				allowed: []agentstatus.State{agentstatus.StateConnected},
				to:      agentstatus.StateDisconnected,
				reason:  agentstatus.ReasonWatchdog,
				guard:   guard,
			})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %d: %w", r.AgentID, err))
			continue
		}
		if changed {
			moved++
		}
	}
	return moved, errors.Join(errs...)
}

func (s *AgentStatusService) apply(ctx context.Context, workspaceID, agentID int64, spec transitionSpec) (bool, error) {
	unlock := s.locks.Lock(agentRef{workspaceID, agentID})
	defer unlock()

	now := s.now()
	open, err := s.repo.GetOpen(ctx, workspaceID, agentID)
	if err != nil && !errors.Is(err, agentstatus.ErrNoOpenRecord) {
		return false, fmt.Errorf("failed to load open status record: %w", err)
	}
	if errors.Is(err, agentstatus.ErrNoOpenRecord) {
		open = nil
	}
	from := agentstatus.StateDisconnected
	if open != nil {
		from = open.State
	}

	if spec.guard != nil && !spec.guard(open, now) {
		return false, nil
	}
	if !spec.permits(from) {
		s.logger.WithFields(logrus.Fields{
			"workspace_id": workspaceID,
			"agent_id":     agentID,
			"from":         from,
			"action":       spec.action,
		}).Warn("Rejected invalid agent status transition")
		return false, &agentstatus.TransitionError{WorkspaceID: workspaceID, AgentID: agentID, From: from, Action: spec.action}
	}
	if from == agentstatus.StateDisconnected && spec.to == agentstatus.StateDisconnected {
		return false, nil
	}

	var closing *agentstatus.Record
	if open != nil {
		cp := *open
		cp.EndedAt = sql.NullTime{Time: now, Valid: true}
		cp.BreakOvertimeSeconds = open.OvertimeAt(now)
		closing = &cp
	}
	var opening *agentstatus.Record
	if spec.to != agentstatus.StateDisconnected {
		opening = &agentstatus.Record{
			WorkspaceID:    workspaceID,
			AgentID:        agentID,
			State:          spec.to,
			StartedAt:      now,
			LastActivityAt: now,
			Reason:         spec.reason,
		}
		if spec.brk != nil {
			opening.BreakSettingID = sql.NullInt64{Int64: spec.brk.ID, Valid: true}
			opening.BreakMaxSeconds = spec.brk.MaxDurationSeconds
		}
	}

	if err := s.repo.Transition(ctx, closing, opening); err != nil {
		return false, err
	}
	s.board.set(BoardEntry{WorkspaceID: workspaceID, AgentID: agentID, State: spec.to, Since: now})

	var overtime int64
	if closing != nil {
		overtime = closing.BreakOvertimeSeconds
	}
	s.logger.WithFields(logrus.Fields{
		"workspace_id":     workspaceID,
		"agent_id":         agentID,
		"from":             from,
		"to":               spec.to,
		"reason":           spec.reason,
		"overtime_seconds": overtime,
	}).Info("Agent status changed")
	s.publisher.Publish(ctx, events.AgentStatusChanged{
		WorkspaceID:     workspaceID,
		AgentID:         agentID,
		From:            from,
		To:              spec.to,
		Reason:          spec.reason,
		OvertimeSeconds: overtime,
		At:              now,
	})
	return true, nil
}
