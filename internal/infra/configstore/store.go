// Package configstore is the configuration surface consumed by the scheduler and router:
// schedule settings, break settings, distribution rules and the agent roster, with simple
// get/put semantics. Documents are YAML; a store may be backed by a file.
package configstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"notification_scheduler/internal/domain/agent"
	"notification_scheduler/internal/domain/agentstatus"
	"notification_scheduler/internal/domain/distribution"
	"notification_scheduler/internal/domain/schedule"
)

// Document is the YAML layout of the configuration file.
type Document struct {
	ScheduleSettings  []*schedule.ScheduleSetting `yaml:"schedule_settings"`
	BreakSettings     []*agentstatus.BreakSetting `yaml:"break_settings"`
	DistributionRules []*distribution.Rule        `yaml:"distribution_rules"`
	Agents            []*agent.Agent              `yaml:"agents"`
}

// Store holds a Document in memory. When path is set every put is written back.
type Store struct {
	mu   sync.RWMutex
	doc  Document
	path string
}

// New builds a store from an in-memory document, validating it.
func New(doc Document) (*Store, error) {
	s := &Store{doc: doc}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads a YAML document from path. A missing file yields an empty store bound to path.
func Open(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{path: path}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	s, err := New(doc)
	if err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

func (s *Store) validate() error {
	active := make(map[schedule.TripleKey]int64)
	for _, st := range s.doc.ScheduleSettings {
		if err := st.Validate(); err != nil {
			return fmt.Errorf("schedule setting %d: %w", st.ID, err)
		}
		if !st.Active {
			continue
		}
		if other, dup := active[st.Triple()]; dup {
			return fmt.Errorf("schedule settings %d and %d: %w", other, st.ID, schedule.ErrDuplicateActiveSetting)
		}
		active[st.Triple()] = st.ID
	}
	for _, r := range s.doc.DistributionRules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// save writes the document atomically. Caller holds the write lock.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// --- Schedule settings ---

func (s *Store) GetScheduleSetting(_ context.Context, id int64) (*schedule.ScheduleSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.doc.ScheduleSettings {
		if st.ID == id {
			cp := *st
			return &cp, nil
		}
	}
	return nil, schedule.ErrSettingNotFound
}

func (s *Store) ListScheduleSettings(_ context.Context) ([]*schedule.ScheduleSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schedule.ScheduleSetting, 0, len(s.doc.ScheduleSettings))
	for _, st := range s.doc.ScheduleSettings {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutScheduleSetting inserts or replaces a setting. A second active setting for the same
// (workspace, settingType, channel) triple is rejected.
func (s *Store) PutScheduleSetting(_ context.Context, st *schedule.ScheduleSetting) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, existing := range s.doc.ScheduleSettings {
		if existing.ID == st.ID {
			idx = i
			continue
		}
		if st.Active && existing.Active && existing.Triple() == st.Triple() {
			return schedule.ErrDuplicateActiveSetting
		}
	}
	cp := *st
	if idx >= 0 {
		s.doc.ScheduleSettings[idx] = &cp
	} else {
		s.doc.ScheduleSettings = append(s.doc.ScheduleSettings, &cp)
	}
	return s.save()
}

// --- Break settings ---

func (s *Store) GetBreakSetting(_ context.Context, id int64) (*agentstatus.BreakSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.doc.BreakSettings {
		if b.ID == id {
			cp := *b
			return &cp, nil
		}
	}
	return nil, agentstatus.ErrBreakSettingNotFound
}

func (s *Store) PutBreakSetting(_ context.Context, b *agentstatus.BreakSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	for i, existing := range s.doc.BreakSettings {
		if existing.ID == b.ID {
			s.doc.BreakSettings[i] = &cp
			return s.save()
		}
	}
	s.doc.BreakSettings = append(s.doc.BreakSettings, &cp)
	return s.save()
}

// --- Distribution rules ---

// ListRules returns the active rules of a workspace ordered by priority, then id.
func (s *Store) ListRules(_ context.Context, workspaceID int64) ([]*distribution.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*distribution.Rule, 0)
	for _, r := range s.doc.DistributionRules {
		if r.WorkspaceID == workspaceID && r.Active {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetRule(_ context.Context, id int64) (*distribution.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.doc.DistributionRules {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, distribution.ErrRuleNotFound
}

func (s *Store) PutRule(_ context.Context, r *distribution.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	for i, existing := range s.doc.DistributionRules {
		if existing.ID == r.ID {
			s.doc.DistributionRules[i] = &cp
			return s.save()
		}
	}
	s.doc.DistributionRules = append(s.doc.DistributionRules, &cp)
	return s.save()
}

// Agents returns the roster seeded in the document.
func (s *Store) Agents() []*agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(s.doc.Agents))
	for _, a := range s.doc.Agents {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

var (
	_ schedule.SettingsProvider        = (*Store)(nil)
	_ agentstatus.BreakSettingProvider = (*Store)(nil)
	_ distribution.RuleSource          = (*Store)(nil)
)
