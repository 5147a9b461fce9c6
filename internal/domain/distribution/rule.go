// internal/domain/distribution/rule.go
package distribution

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SelectionPolicy picks one target among eligible candidates.
type SelectionPolicy string

const (
	PolicyLeastBusy  SelectionPolicy = "least-busy"
	PolicyRoundRobin SelectionPolicy = "round-robin"
	PolicyTeam       SelectionPolicy = "team" // hand the conversation to the team queue
)

var (
	ErrInvalidRule  = fmt.Errorf("invalid distribution rule")
	ErrRuleNotFound = fmt.Errorf("distribution rule not found")
)

// TimeOfDay restricts a rule to a daily window, optionally on given weekdays.
// Start after End denotes a window crossing midnight.
type TimeOfDay struct {
	Start    string         `yaml:"start" json:"start"` // "15:04"
	End      string         `yaml:"end" json:"end"`
	Weekdays []time.Weekday `yaml:"weekdays,omitempty" json:"weekdays,omitempty"`
	Timezone string         `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad clock %q", ErrInvalidRule, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Matches reports whether at falls within the window.
func (t *TimeOfDay) Matches(at time.Time) bool {
	loc := time.UTC
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)
	if len(t.Weekdays) > 0 {
		ok := false
		for _, d := range t.Weekdays {
			if d == local.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	start, err := parseClock(t.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(t.End)
	if err != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// MatchConditions are ANDed; an empty list matches any value.
type MatchConditions struct {
	TeamIDs    []int64    `yaml:"team_ids,omitempty" json:"team_ids,omitempty"`
	Channels   []string   `yaml:"channels,omitempty" json:"channels,omitempty"`
	Objectives []string   `yaml:"objectives,omitempty" json:"objectives,omitempty"`
	TimeOfDay  *TimeOfDay `yaml:"time_of_day,omitempty" json:"time_of_day,omitempty"`
}

// Rule routes matching conversations to a team's Connected agents.
type Rule struct {
	ID           int64           `yaml:"id" json:"id"`
	WorkspaceID  int64           `yaml:"workspace_id" json:"workspace_id"`
	Name         string          `yaml:"name" json:"name"`
	Priority     int             `yaml:"priority" json:"priority"` // lower evaluates first
	Active       bool            `yaml:"active" json:"active"`
	Conditions   MatchConditions `yaml:"conditions" json:"conditions"`
	TargetTeamID int64           `yaml:"target_team_id" json:"target_team_id"`
	Policy       SelectionPolicy `yaml:"policy" json:"policy"`
}

// Validate checks the rule is usable by the router.
func (r *Rule) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if r.TargetTeamID == 0 {
		return fmt.Errorf("%w: rule %d has no target team", ErrInvalidRule, r.ID)
	}
	switch r.Policy {
	case PolicyLeastBusy, PolicyRoundRobin, PolicyTeam:
	default:
		return fmt.Errorf("%w: rule %d has unknown policy %q", ErrInvalidRule, r.ID, r.Policy)
	}
	if tod := r.Conditions.TimeOfDay; tod != nil {
		if _, err := parseClock(tod.Start); err != nil {
			return err
		}
		if _, err := parseClock(tod.End); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether the rule's conditions hold for conv at the given instant.
func (r *Rule) Matches(conv *Conversation, at time.Time) bool {
	c := r.Conditions
	if len(c.TeamIDs) > 0 && !containsInt(c.TeamIDs, conv.TeamID) {
		return false
	}
	if len(c.Channels) > 0 && !containsFold(c.Channels, conv.Channel) {
		return false
	}
	if len(c.Objectives) > 0 && !containsFold(c.Objectives, conv.Objective) {
		return false
	}
	if c.TimeOfDay != nil && !c.TimeOfDay.Matches(at) {
		return false
	}
	return true
}

func containsInt(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

// RuleSource supplies the configured rules of a workspace.
type RuleSource interface {
	ListRules(ctx context.Context, workspaceID int64) ([]*Rule, error)
}
