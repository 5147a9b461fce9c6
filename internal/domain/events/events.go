// Package events defines the records this core publishes to analytics, reporting and UI
// collaborators.
package events

import (
	"context"
	"time"

	"notification_scheduler/internal/domain/agentstatus"
	"notification_scheduler/internal/domain/distribution"
	"notification_scheduler/internal/domain/schedule"
)

const (
	NameNotificationDispatched = "NotificationDispatched"
	NameNotificationFailed     = "NotificationFailed"
	NameNotificationSkipped    = "NotificationSkipped"
	NameAgentStatusChanged     = "AgentStatusChanged"
	NameConversationRouted     = "ConversationRouted"
	NameConversationUnassigned = "ConversationUnassigned"
)

// Event is any published record.
type Event interface {
	EventName() string
	OccurredAt() time.Time
}

// Publisher accepts events; it must not block the caller on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Handler consumes events from a bus.
type Handler func(ctx context.Context, ev Event)

type NotificationDispatched struct {
	UnitID         int64
	SettingID      int64
	WorkspaceID    int64
	Channel        schedule.Channel
	IdempotencyKey string
	ProviderRef    string
	Attempt        int
	At             time.Time
}

func (e NotificationDispatched) EventName() string     { return NameNotificationDispatched }
func (e NotificationDispatched) OccurredAt() time.Time { return e.At }

// Failure reasons carried by NotificationFailed.
const (
	FailurePermanent = "permanent"
	FailureExhausted = "exhausted"
)

type NotificationFailed struct {
	UnitID         int64
	SettingID      int64
	WorkspaceID    int64
	Channel        schedule.Channel
	IdempotencyKey string
	Reason         string
	Error          string
	Attempts       int
	At             time.Time
}

func (e NotificationFailed) EventName() string     { return NameNotificationFailed }
func (e NotificationFailed) OccurredAt() time.Time { return e.At }

type NotificationSkipped struct {
	UnitID         int64
	SettingID      int64
	IdempotencyKey string
	Status         schedule.UnitStatus
	At             time.Time
}

func (e NotificationSkipped) EventName() string     { return NameNotificationSkipped }
func (e NotificationSkipped) OccurredAt() time.Time { return e.At }

type AgentStatusChanged struct {
	WorkspaceID     int64
	AgentID         int64
	From            agentstatus.State
	To              agentstatus.State
	Reason          agentstatus.Reason
	OvertimeSeconds int64
	At              time.Time
}

func (e AgentStatusChanged) EventName() string     { return NameAgentStatusChanged }
func (e AgentStatusChanged) OccurredAt() time.Time { return e.At }

// TouchesConnected reports whether the change enters or leaves Connected.
func (e AgentStatusChanged) TouchesConnected() bool {
	return e.From == agentstatus.StateConnected || e.To == agentstatus.StateConnected
}

type ConversationRouted struct {
	Decision distribution.Decision
	At       time.Time
}

func (e ConversationRouted) EventName() string     { return NameConversationRouted }
func (e ConversationRouted) OccurredAt() time.Time { return e.At }

type ConversationUnassigned struct {
	ConversationID string
	WorkspaceID    int64
	Reason         string
	At             time.Time
}

func (e ConversationUnassigned) EventName() string     { return NameConversationUnassigned }
func (e ConversationUnassigned) OccurredAt() time.Time { return e.At }
