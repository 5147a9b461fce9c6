package memory

import (
	"context"
	"sort"
	"sync"

	"notification_scheduler/internal/domain/agent"
)

type agentKey struct {
	workspaceID int64
	id          int64
}

type AgentStore struct {
	mu     sync.RWMutex
	agents map[agentKey]*agent.Agent
}

func NewAgentStore(seed ...*agent.Agent) *AgentStore {
	s := &AgentStore{agents: make(map[agentKey]*agent.Agent)}
	for _, a := range seed {
		cp := *a
		s.agents[agentKey{a.WorkspaceID, a.ID}] = &cp
	}
	return s
}

func (s *AgentStore) Create(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := agentKey{a.WorkspaceID, a.ID}
	if _, exists := s.agents[k]; exists {
		return agent.ErrDuplicateID
	}
	cp := *a
	s.agents[k] = &cp
	return nil
}

func (s *AgentStore) GetByID(_ context.Context, workspaceID, id int64) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentKey{workspaceID, id}]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *AgentStore) GetByTelegramID(_ context.Context, telegramID int64) (*agent.Agent, error) {
	if telegramID == 0 {
		return nil, agent.ErrAgentNotFound
	}
	matches := s.list(func(a *agent.Agent) bool {
		return a.IsActive && a.TelegramID == telegramID
	})
	if len(matches) == 0 {
		return nil, agent.ErrAgentNotFound
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].WorkspaceID < matches[j].WorkspaceID })
	return matches[0], nil
}

func (s *AgentStore) Update(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := agentKey{a.WorkspaceID, a.ID}
	if _, ok := s.agents[k]; !ok {
		return agent.ErrAgentNotFound
	}
	cp := *a
	s.agents[k] = &cp
	return nil
}

func (s *AgentStore) list(filter func(*agent.Agent) bool) []*agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Agent, 0)
	for _, a := range s.agents {
		if filter(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *AgentStore) ListActive(_ context.Context, workspaceID int64) ([]*agent.Agent, error) {
	return s.list(func(a *agent.Agent) bool {
		return a.IsActive && a.WorkspaceID == workspaceID
	}), nil
}

func (s *AgentStore) ListByTeam(_ context.Context, workspaceID, teamID int64) ([]*agent.Agent, error) {
	return s.list(func(a *agent.Agent) bool {
		return a.IsActive && a.WorkspaceID == workspaceID && a.InTeam(teamID)
	}), nil
}

var _ agent.Repository = (*AgentStore)(nil)
