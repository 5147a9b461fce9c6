package distribution

import (
	"context"
	"time"
)

// Conversation is a live conversation awaiting an owner.
type Conversation struct {
	ID              string
	WorkspaceID     int64
	Channel         string
	TeamID          int64 // team requested at intake, 0 when none
	Objective       string
	ContactName     string
	ReceivedAt      time.Time
	PreviousAgentID int64 // set on transfer; never re-selected
}

// Outcome of a routing decision.
type Outcome string

const (
	OutcomeAgent      Outcome = "agent"
	OutcomeTeam       Outcome = "team"
	OutcomeUnassigned Outcome = "unassigned"
)

// Decision is the router's answer for one conversation. Unassigned is a valid result.
type Decision struct {
	ConversationID string
	WorkspaceID    int64
	Outcome        Outcome
	AgentID        int64
	TeamID         int64
	RuleID         int64
	Reason         string
}

// Authorizer is the external permission collaborator. It narrows the candidate agents
// allowed to take conv.
type Authorizer interface {
	FilterEligible(ctx context.Context, conv *Conversation, agentIDs []int64) ([]int64, error)
}

// AllowAll is an Authorizer that applies no restriction.
type AllowAll struct{}

func (AllowAll) FilterEligible(_ context.Context, _ *Conversation, agentIDs []int64) ([]int64, error) {
	return agentIDs, nil
}
