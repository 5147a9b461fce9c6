// internal/domain/schedule/unit.go
package schedule

import (
	"database/sql"
	"fmt"
	"time"
)

// UnitStatus is the lifecycle state of a NotificationUnit.
type UnitStatus string

const (
	UnitStatusPending         UnitStatus = "pending"
	UnitStatusSent            UnitStatus = "sent"
	UnitStatusSkippedExpired  UnitStatus = "skipped:expired"
	UnitStatusSkippedDisabled UnitStatus = "skipped:disabled"
	UnitStatusFailedPermanent UnitStatus = "failed:permanent"
	UnitStatusFailedExhausted UnitStatus = "failed:exhausted"
)

// IsTerminal reports whether no further attempt will be made for the status.
func (s UnitStatus) IsTerminal() bool {
	return s != UnitStatusPending
}

// IsFailed reports whether the unit ended in a failure state.
func (s UnitStatus) IsFailed() bool {
	return s == UnitStatusFailedPermanent || s == UnitStatusFailedExhausted
}

// Recipient carries the contact data a channel needs.
type Recipient struct {
	Name           string `json:"name"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
}

// Reachable reports whether the recipient has the contact field required by ch.
func (r Recipient) Reachable(ch Channel) bool {
	switch ch {
	case ChannelSMS, ChannelWhatsApp:
		return r.Phone != ""
	case ChannelEmail:
		return r.Email != ""
	case ChannelTelegram:
		return r.TelegramChatID != 0
	}
	return false
}

// NotificationUnit is the deduplicated, schedulable representation of one outbound message.
// Created by the grouping step; only the dispatcher changes it afterwards.
type NotificationUnit struct {
	ID              int64
	IdempotencyKey  string
	SettingID       int64
	WorkspaceID     int64
	SettingType     SettingType
	Channel         Channel
	ScheduleCode    string // external code of the representative record
	GroupKey        string
	Recipient       Recipient
	Payload         map[string]string // template fields
	TemplateID      string
	AppointmentTime time.Time
	SendAt          time.Time
	Status          UnitStatus
	Attempts        int
	NextAttemptAt   time.Time
	LeaseOwner      string
	LeaseExpiresAt  sql.NullTime
	LastError       string
	RequeuedAt      sql.NullTime // set by an operator requeue; the send window is not re-checked
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IdempotencyKey derives the unique key of a unit from (scheduleCode, settingID, channel).
func IdempotencyKey(scheduleCode string, settingID int64, ch Channel) string {
	return fmt.Sprintf("%s:%d:%s", scheduleCode, settingID, ch)
}

// UnitUpdate is the dispatcher's write-back for a leased unit.
type UnitUpdate struct {
	UnitID        int64
	Status        UnitStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	At            time.Time
}
