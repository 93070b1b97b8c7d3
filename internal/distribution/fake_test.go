package distribution

import (
	"context"
	"slices"
	"sync"

	"github.com/bissquit/chat-relay/internal/domain"
)

type fakeConversation struct {
	channelID int64
	contactID *int64
	agentID   *int64
}

// fakeRepository keeps the eligibility rules of the Postgres query and
// serializes Assign the way the settings row lock does.
type fakeRepository struct {
	mu            sync.Mutex
	settings      domain.DistributionSettings
	agents        []domain.Agent
	conversations map[int64]*fakeConversation
	err           error
}

func newFakeRepository(mode domain.DistributionMode) *fakeRepository {
	return &fakeRepository{
		settings:      domain.DistributionSettings{Mode: mode},
		conversations: make(map[int64]*fakeConversation),
	}
}

func (r *fakeRepository) addAgent(id int64, role domain.AgentRole, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, domain.Agent{ID: id, Name: "agent", Role: role, IsActive: active})
}

func (r *fakeRepository) addConversation(id, channelID int64, contactID *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[id] = &fakeConversation{channelID: channelID, contactID: contactID}
}

func (r *fakeRepository) Assign(_ context.Context, conversationID int64, pick PickFunc) (*Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	res := &Assignment{ConversationID: conversationID, ChannelID: conv.channelID, ContactID: conv.contactID, AssignedAgentID: conv.agentID}
	if conv.agentID != nil {
		return res, nil
	}

	var candidates []int64
	for _, a := range r.agents {
		if a.CanReceiveConversations() && !slices.Contains(r.settings.ExcludedAgentIDs, a.ID) {
			candidates = append(candidates, a.ID)
		}
	}
	slices.Sort(candidates)

	agentID, ok := pick(r.settings, candidates)
	if !ok {
		return res, nil
	}
	conv.agentID = &agentID
	r.settings.LastAssignedAgentID = &agentID
	res.AssignedAgentID = &agentID
	res.Changed = true
	return res, nil
}

func (r *fakeRepository) assigned(conversationID int64) *int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversations[conversationID].agentID
}

func (r *fakeRepository) cursor() *int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings.LastAssignedAgentID
}

type publishedEvent struct {
	channelID int64
	event     domain.IntegrationEvent
	data      any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, channelID int64, event domain.IntegrationEvent, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{channelID: channelID, event: event, data: data})
}

func (p *fakePublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

func int64Ptr(v int64) *int64 { return &v }
