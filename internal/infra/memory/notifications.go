package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"notification_scheduler/internal/domain/schedule"
)

type NotificationStore struct {
	mu        sync.Mutex
	nextUnit  int64
	nextTry   int64
	units     map[int64]*schedule.NotificationUnit
	byKey     map[string]int64
	byGroup   map[groupRef]int64
	attempts  []*schedule.DispatchAttempt
	sentByKey map[string]bool
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		units:     make(map[int64]*schedule.NotificationUnit),
		byKey:     make(map[string]int64),
		byGroup:   make(map[groupRef]int64),
		sentByKey: make(map[string]bool),
	}
}

type groupRef struct {
	settingID int64
	groupKey  string
}

func copyUnit(u *schedule.NotificationUnit) *schedule.NotificationUnit {
	cp := *u
	if u.Payload != nil {
		cp.Payload = make(map[string]string, len(u.Payload))
		for k, v := range u.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

func (s *NotificationStore) KnownKeys(_ context.Context, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool)
	for _, k := range keys {
		if _, ok := s.byKey[k]; ok || s.sentByKey[k] {
			known[k] = true
		}
	}
	return known, nil
}

func (s *NotificationStore) KnownGroups(_ context.Context, settingID int64, groupKeys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool)
	for _, gk := range groupKeys {
		if _, ok := s.byGroup[groupRef{settingID, gk}]; ok {
			known[gk] = true
		}
	}
	return known, nil
}

func (s *NotificationStore) InsertUnits(_ context.Context, units []*schedule.NotificationUnit) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, u := range units {
		if _, exists := s.byKey[u.IdempotencyKey]; exists {
			continue
		}
		group := groupRef{u.SettingID, u.GroupKey}
		if _, exists := s.byGroup[group]; exists {
			continue
		}
		s.nextUnit++
		u.ID = s.nextUnit
		if u.NextAttemptAt.IsZero() {
			u.NextAttemptAt = u.SendAt
		}
		if u.UpdatedAt.IsZero() {
			u.UpdatedAt = u.CreatedAt
		}
		s.units[u.ID] = copyUnit(u)
		s.byKey[u.IdempotencyKey] = u.ID
		s.byGroup[group] = u.ID
		inserted++
	}
	return inserted, nil
}

func (s *NotificationStore) GetUnit(_ context.Context, id int64) (*schedule.NotificationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return nil, schedule.ErrUnitNotFound
	}
	return copyUnit(u), nil
}

func (s *NotificationStore) ClaimDue(_ context.Context, owner string, now time.Time, leaseTTL time.Duration, limit int) ([]*schedule.NotificationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*schedule.NotificationUnit, 0)
	for _, u := range s.units {
		if u.Status != schedule.UnitStatusPending || u.NextAttemptAt.After(now) {
			continue
		}
		if u.LeaseExpiresAt.Valid && u.LeaseExpiresAt.Time.After(now) {
			continue
		}
		due = append(due, u)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]*schedule.NotificationUnit, 0, len(due))
	for _, u := range due {
		u.LeaseOwner = owner
		u.LeaseExpiresAt = sql.NullTime{Time: now.Add(leaseTTL), Valid: true}
		claimed = append(claimed, copyUnit(u))
	}
	return claimed, nil
}

func (s *NotificationStore) Complete(_ context.Context, owner string, update schedule.UnitUpdate, attempt *schedule.DispatchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[update.UnitID]
	if !ok {
		return schedule.ErrUnitNotFound
	}
	if u.Status != schedule.UnitStatusPending || u.LeaseOwner != owner {
		return schedule.ErrLeaseLost
	}
	if attempt != nil {
		if attempt.Outcome == schedule.OutcomeSent && s.sentByKey[u.IdempotencyKey] {
			return fmt.Errorf("unit %d: second sent attempt for key %s", u.ID, u.IdempotencyKey)
		}
		s.nextTry++
		a := *attempt
		a.ID = s.nextTry
		a.UnitID = u.ID
		a.IdempotencyKey = u.IdempotencyKey
		s.attempts = append(s.attempts, &a)
		attempt.ID = a.ID
		if a.Outcome == schedule.OutcomeSent {
			s.sentByKey[u.IdempotencyKey] = true
		}
	}
	u.Status = update.Status
	u.Attempts = update.Attempts
	if !update.NextAttemptAt.IsZero() {
		u.NextAttemptAt = update.NextAttemptAt
	}
	u.LastError = update.LastError
	u.LeaseOwner = ""
	u.LeaseExpiresAt = sql.NullTime{}
	u.UpdatedAt = update.At
	return nil
}

func (s *NotificationStore) ListAttempts(_ context.Context, unitID int64) ([]*schedule.DispatchAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schedule.DispatchAttempt, 0)
	for _, a := range s.attempts {
		if a.UnitID == unitID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *NotificationStore) ListByStatus(_ context.Context, status schedule.UnitStatus, limit int) ([]*schedule.NotificationUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schedule.NotificationUnit, 0)
	for _, u := range s.units {
		if u.Status == status {
			out = append(out, copyUnit(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NotificationStore) Requeue(_ context.Context, unitID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return schedule.ErrUnitNotFound
	}
	if !u.Status.IsFailed() {
		return schedule.ErrUnitNotRequeueable
	}
	u.Status = schedule.UnitStatusPending
	u.Attempts = 0
	u.NextAttemptAt = now
	u.LastError = ""
	u.LeaseOwner = ""
	u.LeaseExpiresAt = sql.NullTime{}
	u.RequeuedAt = sql.NullTime{Time: now, Valid: true}
	u.UpdatedAt = now
	return nil
}

func (s *NotificationStore) PurgeTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	removed := make(map[int64]bool)
	for id, u := range s.units {
		if u.Status.IsTerminal() && u.UpdatedAt.Before(cutoff) {
			delete(s.units, id)
			delete(s.byKey, u.IdempotencyKey)
			delete(s.byGroup, groupRef{u.SettingID, u.GroupKey})
			delete(s.sentByKey, u.IdempotencyKey)
			removed[id] = true
			purged++
		}
	}
	kept := s.attempts[:0]
	for _, a := range s.attempts {
		if !removed[a.UnitID] {
			kept = append(kept, a)
		}
	}
	s.attempts = kept
	return purged, nil
}

var _ schedule.NotificationRepository = (*NotificationStore)(nil)
