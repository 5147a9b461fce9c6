// internal/app/routing_service.go
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"notification_scheduler/internal/domain/agent"
	"notification_scheduler/internal/domain/agentstatus"
	"notification_scheduler/internal/domain/distribution"
	"notification_scheduler/internal/domain/events"
)

// BoardSource yields the latest agent status snapshot.
type BoardSource interface {
	Snapshot() *StatusBoard
}

type assignment struct {
	workspaceID int64
	agentID     int64
}

// RoutingService picks an agent or team for conversations using the distribution rules and
// a point-in-time status snapshot. It never takes agent transition locks.
type RoutingService struct {
	rules     distribution.RuleSource
	agents    agent.Repository
	board     BoardSource
	auth      distribution.Authorizer
	publisher events.Publisher
	logger    *logrus.Entry
	now       func() time.Time

	mu       sync.Mutex
	lastPick map[int64]int64 // rule id -> agent id picked last (round-robin)
	workload map[agentRef]int
	assigned map[string]assignment
	queue    []*distribution.Conversation

	notify chan struct{}
}

func NewRoutingService(
	rules distribution.RuleSource,
	agents agent.Repository,
	board BoardSource,
	auth distribution.Authorizer,
	publisher events.Publisher,
	logger *logrus.Entry,
) *RoutingService {
	if auth == nil {
		auth = distribution.AllowAll{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &RoutingService{
		rules:     rules,
		agents:    agents,
		board:     board,
		auth:      auth,
		publisher: publisher,
		logger:    logger.WithField("component", "router"),
		now:       time.Now,
		lastPick:  make(map[int64]int64),
		workload:  make(map[agentRef]int),
		assigned:  make(map[string]assignment),
		notify:    make(chan struct{}, 1),
	}
}

// Route decides the owner of conv. Unassigned is a valid result and queues conv for retry.
func (r *RoutingService) Route(ctx context.Context, conv *distribution.Conversation) (distribution.Decision, error) {
	return r.route(ctx, conv, false)
}

func (r *RoutingService) route(ctx context.Context, conv *distribution.Conversation, retry bool) (distribution.Decision, error) {
	at := r.now()
	d, err := r.decide(ctx, conv, at)
	if err != nil {
		return d, err
	}

	log := r.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"workspace_id":    conv.WorkspaceID,
		"outcome":         d.Outcome,
		"rule_id":         d.RuleID,
	})

	if d.Outcome == distribution.OutcomeUnassigned {
		queued := r.enqueue(conv)
		if !retry || queued {
			log.WithField("reason", d.Reason).Info("Conversation left unassigned")
			r.publisher.Publish(ctx, events.ConversationUnassigned{
				ConversationID: conv.ID,
				WorkspaceID:    conv.WorkspaceID,
				Reason:         d.Reason,
				At:             at,
			})
		}
		return d, nil
	}

	r.mu.Lock()
	r.dequeueLocked(conv.ID)
	if d.Outcome == distribution.OutcomeAgent {
		r.releaseLocked(conv.ID)
		key := agentRef{conv.WorkspaceID, d.AgentID}
		r.workload[key]++
		r.assigned[conv.ID] = assignment{workspaceID: conv.WorkspaceID, agentID: d.AgentID}
	}
	r.mu.Unlock()

	log.WithFields(logrus.Fields{"agent_id": d.AgentID, "team_id": d.TeamID}).Info("Conversation routed")
	r.publisher.Publish(ctx, events.ConversationRouted{Decision: d, At: at})
	return d, nil
}

func (r *RoutingService) decide(ctx context.Context, conv *distribution.Conversation, at time.Time) (distribution.Decision, error) {
	d := distribution.Decision{
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Outcome:        distribution.OutcomeUnassigned,
	}
	rules, err := r.rules.ListRules(ctx, conv.WorkspaceID)
	if err != nil {
		return d, fmt.Errorf("failed to load distribution rules: %w", err)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var rule *distribution.Rule
	for _, candidate := range rules {
		if candidate.Active && candidate.Matches(conv, at) {
			rule = candidate
			break
		}
	}
	if rule == nil {
		d.Reason = "no rule matched"
		return d, nil
	}
	d.RuleID = rule.ID
	d.TeamID = rule.TargetTeamID

	members, err := r.agents.ListByTeam(ctx, conv.WorkspaceID, rule.TargetTeamID)
	if err != nil {
		return d, fmt.Errorf("failed to list team members: %w", err)
	}
	snap := r.board.Snapshot()
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if m.ID == conv.PreviousAgentID {
			continue
		}
		if snap.State(conv.WorkspaceID, m.ID) == agentstatus.StateConnected {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) > 0 {
		ids, err = r.auth.FilterEligible(ctx, conv, ids)
		if err != nil {
			return d, fmt.Errorf("failed to filter eligible agents: %w", err)
		}
	}
	if len(ids) == 0 {
		d.Reason = "no connected agent in target team"
		return d, nil
	}

	if rule.Policy == distribution.PolicyTeam {
		d.Outcome = distribution.OutcomeTeam
		return d, nil
	}
	d.Outcome = distribution.OutcomeAgent
	d.AgentID = r.pick(rule, conv.WorkspaceID, ids)
	return d, nil
}

func (r *RoutingService) pick(rule *distribution.Rule, workspaceID int64, ids []int64) int64 {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	r.mu.Lock()
	defer r.mu.Unlock()
	switch rule.Policy {
	case distribution.PolicyRoundRobin:
		last := r.lastPick[rule.ID]
		chosen := sorted[0]
		for _, id := range sorted {
			if id > last {
				chosen = id
				break
			}
		}
		r.lastPick[rule.ID] = chosen
		return chosen
	default:
		chosen := sorted[0]
		best := r.workload[agentRef{workspaceID, chosen}]
		for _, id := range sorted[1:] {
			if w := r.workload[agentRef{workspaceID, id}]; w < best {
				chosen, best = id, w
			}
		}
		return chosen
	}
}

func (r *RoutingService) enqueue(conv *distribution.Conversation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queue {
		if q.ID == conv.ID {
			return false
		}
	}
	cp := *conv
	r.queue = append(r.queue, &cp)
	return true
}

func (r *RoutingService) dequeueLocked(conversationID string) {
	for i, q := range r.queue {
		if q.ID == conversationID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

func (r *RoutingService) releaseLocked(conversationID string) {
	a, ok := r.assigned[conversationID]
	if !ok {
		return
	}
	key := agentRef{a.workspaceID, a.agentID}
	if r.workload[key] > 1 {
		r.workload[key]--
	} else {
		delete(r.workload, key)
	}
	delete(r.assigned, conversationID)
}

// Release drops a closed conversation from the workload counts and the unassigned queue.
func (r *RoutingService) Release(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(conversationID)
	r.dequeueLocked(conversationID)
}

// Workload returns the number of open conversations assigned to an agent.
func (r *RoutingService) Workload(workspaceID, agentID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workload[agentRef{workspaceID, agentID}]
}

// Unassigned returns a copy of the queued conversations in arrival order.
func (r *RoutingService) Unassigned() []distribution.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]distribution.Conversation, 0, len(r.queue))
	for _, q := range r.queue {
		out = append(out, *q)
	}
	return out
}

// RetryUnassigned re-routes every queued conversation and returns how many found an owner.
func (r *RoutingService) RetryUnassigned(ctx context.Context) (int, error) {
	pending := r.Unassigned()
	routed := 0
	for i := range pending {
		if ctx.Err() != nil {
			return routed, ctx.Err()
		}
		d, err := r.route(ctx, &pending[i], true)
		if err != nil {
			return routed, err
		}
		if d.Outcome != distribution.OutcomeUnassigned {
			routed++
		}
	}
	return routed, nil
}

// HandleEvent is an event bus handler. Status changes that enter or leave Connected wake the
// retry loop; it never blocks.
func (r *RoutingService) HandleEvent(_ context.Context, ev events.Event) {
	change, ok := ev.(events.AgentStatusChanged)
	if !ok || !change.TouchesConnected() {
		return
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run retries the unassigned queue whenever HandleEvent signals, until ctx is done.
func (r *RoutingService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
			n, err := r.RetryUnassigned(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Error("Failed to retry unassigned conversations")
				continue
			}
			if n > 0 {
				r.logger.WithField("routed", n).Info("Queued conversations routed after status change")
			}
		}
	}
}
