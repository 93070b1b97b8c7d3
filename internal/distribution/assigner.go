// Package distribution assigns new conversations to agents.
package distribution

import (
	"context"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/pkg/ctxlog"
)

// PickFunc chooses the agent for a conversation from the eligible candidates.
// It returns false when nobody should be assigned.
type PickFunc func(settings domain.DistributionSettings, candidates []int64) (int64, bool)

// Assignment is the outcome of one assignment attempt.
type Assignment struct {
	ConversationID  int64  `json:"conversation_id"`
	AssignedAgentID *int64 `json:"assigned_agent_id"`
	// Changed is set when this attempt wrote the assignment.
	Changed   bool   `json:"-"`
	ChannelID int64  `json:"-"`
	ContactID *int64 `json:"-"`
}

// Repository runs an assignment atomically. Implementations hold the
// settings row locked while pick runs and persist the chosen agent on the
// conversation together with the new cursor.
type Repository interface {
	Assign(ctx context.Context, conversationID int64, pick PickFunc) (*Assignment, error)
}

// EventPublisher delivers integration events.
type EventPublisher interface {
	Publish(ctx context.Context, channelID int64, event domain.IntegrationEvent, data any)
}

// Assigner distributes conversations across agents.
type Assigner struct {
	repo   Repository
	events EventPublisher
}

// NewAssigner creates a new assigner.
func NewAssigner(repo Repository, events EventPublisher) *Assigner {
	return &Assigner{repo: repo, events: events}
}

// NextAgent returns the candidate after cursor in id order. It wraps to the
// first candidate when the cursor is unset, unknown or the last one.
// candidates must be sorted ascending.
func NextAgent(candidates []int64, cursor *int64) (int64, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	if cursor == nil {
		return candidates[0], true
	}
	for i, id := range candidates {
		if id == *cursor {
			return candidates[(i+1)%len(candidates)], true
		}
	}
	return candidates[0], true
}

func roundRobin(settings domain.DistributionSettings, candidates []int64) (int64, bool) {
	if settings.Mode != domain.DistributionRoundRobin {
		return 0, false
	}
	return NextAgent(candidates, settings.LastAssignedAgentID)
}

// Assign assigns a conversation according to the distribution settings.
// Conversations that already have an agent are returned unchanged. A
// conversation with no eligible agent stays unassigned without error.
func (a *Assigner) Assign(ctx context.Context, conversationID int64) (*Assignment, error) {
	ctx = ctxlog.With(ctx, "conversation_id", conversationID)
	logger := ctxlog.FromContext(ctx)

	res, err := a.repo.Assign(ctx, conversationID, roundRobin)
	if err != nil {
		assignmentsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	switch {
	case res.Changed:
		assignmentsTotal.WithLabelValues("assigned").Inc()
		logger.Info("conversation assigned", "agent_id", *res.AssignedAgentID)
		if res.ContactID != nil {
			a.events.Publish(ctx, res.ChannelID, domain.EventLeadUpdated, map[string]any{
				"conversation_id":   conversationID,
				"contact_id":        *res.ContactID,
				"assigned_agent_id": *res.AssignedAgentID,
			})
		}
	case res.AssignedAgentID == nil:
		assignmentsTotal.WithLabelValues("unassigned").Inc()
		logger.Debug("conversation left unassigned")
	default:
		assignmentsTotal.WithLabelValues("already_assigned").Inc()
	}
	return res, nil
}

// OnConversationCreated announces the lead and runs automatic assignment.
// Errors are logged; conversation creation never fails because of them.
func (a *Assigner) OnConversationCreated(ctx context.Context, conversationID int64) {
	res, err := a.Assign(ctx, conversationID)
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to assign conversation", "conversation_id", conversationID, "error", err)
		return
	}
	if res.ContactID != nil {
		a.events.Publish(ctx, res.ChannelID, domain.EventLeadCreated, map[string]any{
			"conversation_id":   conversationID,
			"contact_id":        *res.ContactID,
			"assigned_agent_id": res.AssignedAgentID,
		})
	}
}
