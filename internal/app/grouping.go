package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"notification_scheduler/internal/domain/schedule"
)

// TieBreak chooses the representative record of a partition.
type TieBreak string

const (
	TieBreakEarliest TieBreak = "earliest"
	TieBreakLatest   TieBreak = "latest"
)

// ParseTieBreak accepts "earliest" or "latest"; anything else falls back to earliest.
func ParseTieBreak(s string) TieBreak {
	if strings.EqualFold(strings.TrimSpace(s), string(TieBreakLatest)) {
		return TieBreakLatest
	}
	return TieBreakEarliest
}

// GroupResult is the outcome of grouping one batch of raw events.
type GroupResult struct {
	Units       []*schedule.NotificationUnit
	Partitions  int
	Duplicates  int // partitions whose key was already known
	Unreachable int // records without a contact usable by the channel
}

// GroupingEngine collapses raw events into deduplicated notification units.
type GroupingEngine struct {
	repo     schedule.NotificationRepository
	tieBreak TieBreak
	logger   *logrus.Entry
}

func NewGroupingEngine(repo schedule.NotificationRepository, tieBreak TieBreak, logger *logrus.Entry) *GroupingEngine {
	return &GroupingEngine{
		repo:     repo,
		tieBreak: tieBreak,
		logger:   logger.WithField("component", "grouping"),
	}
}

// Group partitions events by the setting's group rule, picks one representative per
// partition and drops partitions already on record, either by the representative's
// idempotency key or by the partition's group key. Returned units carry no sendAt or
// status yet.
func (g *GroupingEngine) Group(ctx context.Context, setting *schedule.ScheduleSetting, events []schedule.RawEvent, now time.Time) (*GroupResult, error) {
	res := &GroupResult{}
	loc := setting.Location()
	rule := setting.EffectiveGroupRule()

	partitions := make(map[string][]schedule.RawEvent)
	order := make([]string, 0)
	for _, ev := range events {
		if !recipientOf(ev).Reachable(setting.Channel) {
			res.Unreachable++
			continue
		}
		key := groupKey(rule, ev, loc)
		if key == "" {
			res.Unreachable++
			continue
		}
		if _, seen := partitions[key]; !seen {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], ev)
	}
	res.Partitions = len(order)
	if len(order) == 0 {
		return res, nil
	}

	candidates := make([]*schedule.NotificationUnit, 0, len(order))
	keys := make([]string, 0, len(order))
	for _, gk := range order {
		rep := g.representative(partitions[gk])
		u := &schedule.NotificationUnit{
			IdempotencyKey:  schedule.IdempotencyKey(rep.ExternalCode, setting.ID, setting.Channel),
			SettingID:       setting.ID,
			WorkspaceID:     setting.WorkspaceID,
			SettingType:     setting.SettingType,
			Channel:         setting.Channel,
			ScheduleCode:    rep.ExternalCode,
			GroupKey:        gk,
			Recipient:       recipientOf(rep),
			Payload:         payloadOf(rep, len(partitions[gk])),
			TemplateID:      setting.TemplateID,
			AppointmentTime: rep.AppointmentTime,
			CreatedAt:       now,
		}
		candidates = append(candidates, u)
		keys = append(keys, u.IdempotencyKey)
	}

	known, err := g.repo.KnownKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to check known idempotency keys: %w", err)
	}
	// An overlap re-read can surface only part of a partition, which yields a different
	// representative and key for the same group.
	knownGroups, err := g.repo.KnownGroups(ctx, setting.ID, order)
	if err != nil {
		return nil, fmt.Errorf("failed to check known group keys: %w", err)
	}
	for _, u := range candidates {
		if known[u.IdempotencyKey] || knownGroups[u.GroupKey] {
			res.Duplicates++
			continue
		}
		res.Units = append(res.Units, u)
	}

	g.logger.WithFields(logrus.Fields{
		"setting_id":  setting.ID,
		"group_rule":  rule,
		"events":      len(events),
		"partitions":  res.Partitions,
		"new_units":   len(res.Units),
		"duplicates":  res.Duplicates,
		"unreachable": res.Unreachable,
	}).Debug("Grouped raw events")
	return res, nil
}

// representative applies the tie-break: appointment time (earliest or latest), then the
// lowest external code.
func (g *GroupingEngine) representative(events []schedule.RawEvent) schedule.RawEvent {
	sorted := make([]schedule.RawEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.AppointmentTime.Equal(b.AppointmentTime) {
			if g.tieBreak == TieBreakLatest {
				return a.AppointmentTime.After(b.AppointmentTime)
			}
			return a.AppointmentTime.Before(b.AppointmentTime)
		}
		return a.ExternalCode < b.ExternalCode
	})
	return sorted[0]
}

func groupKey(rule schedule.GroupRule, ev schedule.RawEvent, loc *time.Location) string {
	switch rule {
	case schedule.GroupByPatientPerDay:
		who := ev.PatientCode
		if who == "" {
			who = normalizePhone(ev.Phone)
		}
		if who == "" {
			return ""
		}
		return "patient:" + who + ":" + ev.AppointmentTime.In(loc).Format("2006-01-02")
	case schedule.GroupByRecipient:
		day := ev.AppointmentTime.In(loc).Format("2006-01-02")
		if p := normalizePhone(ev.Phone); p != "" {
			return "phone:" + p + ":" + day
		}
		if e := strings.ToLower(strings.TrimSpace(ev.Email)); e != "" {
			return "email:" + e + ":" + day
		}
		if ev.TelegramChatID != 0 {
			return fmt.Sprintf("telegram:%d:%s", ev.TelegramChatID, day)
		}
		return ""
	default:
		if ev.ExternalCode == "" {
			return ""
		}
		return "appointment:" + ev.ExternalCode
	}
}

// normalizePhone keeps digits only so formatting differences collapse.
func normalizePhone(p string) string {
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func recipientOf(ev schedule.RawEvent) schedule.Recipient {
	return schedule.Recipient{
		Name:           ev.PatientName,
		Phone:          normalizePhone(ev.Phone),
		Email:          strings.TrimSpace(ev.Email),
		TelegramChatID: ev.TelegramChatID,
	}
}

func payloadOf(ev schedule.RawEvent, grouped int) map[string]string {
	p := map[string]string{
		"patient_name":     ev.PatientName,
		"appointment_time": ev.AppointmentTime.Format(time.RFC3339),
		"professional":     ev.ProfessionalName,
		"location":         ev.Location,
		"procedure":        ev.Procedure,
		"schedule_code":    ev.ExternalCode,
	}
	if grouped > 1 {
		p["grouped_records"] = fmt.Sprintf("%d", grouped)
	}
	for k, v := range ev.Extra {
		if _, taken := p[k]; !taken {
			p[k] = v
		}
	}
	return p
}
