// internal/domain/schedule/setting.go
package schedule

import (
	"context"
	"time"
)

// SettingType distinguishes what kind of outbound message a setting produces.
type SettingType string

const (
	SettingTypeConfirmation SettingType = "confirmation"
	SettingTypeReminder     SettingType = "reminder"
	SettingTypeSendSetting  SettingType = "sendSetting"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
)

// GroupRule selects how raw records collapse into notification units.
type GroupRule string

const (
	GroupByAppointment   GroupRule = "group-by-appointment"
	GroupByPatientPerDay GroupRule = "group-by-patient-per-day"
	GroupByRecipient     GroupRule = "group-by-recipient"
	DefaultGroupRule               = GroupByAppointment
)

const defaultTimezoneFallback = "UTC"

// ScheduleSetting is the administrator-owned configuration of one extraction/dispatch flow.
// The scheduler never writes it.
type ScheduleSetting struct {
	ID                      int64       `yaml:"id" json:"id"`
	WorkspaceID             int64       `yaml:"workspace_id" json:"workspace_id"`
	SettingType             SettingType `yaml:"setting_type" json:"setting_type"`
	Channel                 Channel     `yaml:"channel" json:"channel"`
	Active                  bool        `yaml:"active" json:"active"`
	GroupRule               GroupRule   `yaml:"group_rule" json:"group_rule"`
	HoursBeforeScheduleDate int         `yaml:"hours_before_schedule_date" json:"hours_before_schedule_date"`
	TemplateID              string      `yaml:"template_id" json:"template_id"`
	Timezone                string      `yaml:"timezone" json:"timezone"`
	ERP                     ERPParams   `yaml:"erp" json:"erp"`
	CreatedAt               time.Time   `yaml:"created_at" json:"created_at"`
	UpdatedAt               time.Time   `yaml:"updated_at" json:"updated_at"`
}

// TripleKey identifies the (workspace, settingType, channel) triple of which at most one
// setting may be active.
type TripleKey struct {
	WorkspaceID int64
	SettingType SettingType
	Channel     Channel
}

func (s *ScheduleSetting) Triple() TripleKey {
	return TripleKey{WorkspaceID: s.WorkspaceID, SettingType: s.SettingType, Channel: s.Channel}
}

// Offset returns hoursBeforeScheduleDate as a duration.
func (s *ScheduleSetting) Offset() time.Duration {
	return time.Duration(s.HoursBeforeScheduleDate) * time.Hour
}

// Location resolves the setting's timezone, falling back to UTC.
func (s *ScheduleSetting) Location() *time.Location {
	tz := s.Timezone
	if tz == "" {
		tz = defaultTimezoneFallback
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EffectiveGroupRule returns the configured rule or the default one.
func (s *ScheduleSetting) EffectiveGroupRule() GroupRule {
	if s.GroupRule == "" {
		return DefaultGroupRule
	}
	return s.GroupRule
}

// Validate checks the fields the scheduler depends on.
func (s *ScheduleSetting) Validate() error {
	if s.ID == 0 {
		return ErrInvalidSetting("id is required")
	}
	switch s.SettingType {
	case SettingTypeConfirmation, SettingTypeReminder, SettingTypeSendSetting:
	default:
		return ErrInvalidSetting("unknown setting type " + string(s.SettingType))
	}
	switch s.Channel {
	case ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelTelegram:
	default:
		return ErrInvalidSetting("unknown channel " + string(s.Channel))
	}
	switch s.EffectiveGroupRule() {
	case GroupByAppointment, GroupByPatientPerDay, GroupByRecipient:
	default:
		return ErrInvalidSetting("unknown group rule " + string(s.GroupRule))
	}
	if s.HoursBeforeScheduleDate < 0 {
		return ErrInvalidSetting("hours_before_schedule_date must not be negative")
	}
	return s.ERP.Validate()
}

// SettingsProvider is the read side of the configuration store used by the scheduler.
type SettingsProvider interface {
	GetScheduleSetting(ctx context.Context, id int64) (*ScheduleSetting, error)
	ListScheduleSettings(ctx context.Context) ([]*ScheduleSetting, error)
}
