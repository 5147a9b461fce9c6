package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"notification_scheduler/internal/domain/agentstatus"
)

type StatusStore struct {
	mu      sync.Mutex
	nextID  int64
	records []*agentstatus.Record
}

func NewStatusStore() *StatusStore {
	return &StatusStore{}
}

func (s *StatusStore) openFor(workspaceID, agentID int64) []*agentstatus.Record {
	out := make([]*agentstatus.Record, 0, 1)
	for _, r := range s.records {
		if r.WorkspaceID == workspaceID && r.AgentID == agentID && r.IsOpen() {
			out = append(out, r)
		}
	}
	return out
}

func (s *StatusStore) GetOpen(_ context.Context, workspaceID, agentID int64) (*agentstatus.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := s.openFor(workspaceID, agentID)
	if len(open) == 0 {
		return nil, agentstatus.ErrNoOpenRecord
	}
	cp := *open[0]
	return &cp, nil
}

func (s *StatusStore) ListOpen(_ context.Context, workspaceID int64) ([]*agentstatus.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agentstatus.Record, 0)
	for _, r := range s.records {
		if r.IsOpen() && (workspaceID == 0 || r.WorkspaceID == workspaceID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *StatusStore) Transition(_ context.Context, closing *agentstatus.Record, opening *agentstatus.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *agentstatus.Record
	if closing != nil {
		for _, r := range s.records {
			if r.ID == closing.ID {
				target = r
				break
			}
		}
		if target == nil || !target.IsOpen() {
			return agentstatus.ErrConcurrentTransition
		}
	}
	if opening != nil {
		for _, r := range s.openFor(opening.WorkspaceID, opening.AgentID) {
			if target == nil || r.ID != target.ID {
				return agentstatus.ErrConcurrentTransition
			}
		}
	}

	if target != nil {
		target.EndedAt = closing.EndedAt
		target.BreakOvertimeSeconds = closing.BreakOvertimeSeconds
	}
	if opening != nil {
		s.nextID++
		opening.ID = s.nextID
		cp := *opening
		s.records = append(s.records, &cp)
	}
	return nil
}

func (s *StatusStore) TouchActivity(_ context.Context, recordID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == recordID {
			if !r.IsOpen() {
				return agentstatus.ErrNoOpenRecord
			}
			if at.After(r.LastActivityAt) {
				r.LastActivityAt = at
			}
			return nil
		}
	}
	return agentstatus.ErrNoOpenRecord
}

func (s *StatusStore) ListHistory(_ context.Context, workspaceID, agentID int64, since time.Time) ([]*agentstatus.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agentstatus.Record, 0)
	for _, r := range s.records {
		if r.WorkspaceID != workspaceID || r.AgentID != agentID {
			continue
		}
		if r.EndedAt.Valid && r.EndedAt.Time.Before(since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountOpen is a test helper returning the number of open records of an agent.
func (s *StatusStore) CountOpen(workspaceID, agentID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.openFor(workspaceID, agentID))
}

var _ agentstatus.Repository = (*StatusStore)(nil)
