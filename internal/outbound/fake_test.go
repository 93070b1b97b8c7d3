package outbound

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
)

type fakeConversation struct {
	channelID int64
	address   string
}

// memRepository is an in-memory Repository with the same scheduling rules as Postgres.
type memRepository struct {
	mu            sync.Mutex
	nextID        int64
	requests      map[int64]*SendRequest
	messages      map[int64]*domain.Message
	conversations map[int64]fakeConversation
	failures      []Failure
	loseClaims    map[int64]bool
	fetchErr      error
}

func newMemRepository() *memRepository {
	return &memRepository{
		requests:      make(map[int64]*SendRequest),
		messages:      make(map[int64]*domain.Message),
		conversations: make(map[int64]fakeConversation),
		loseClaims:    make(map[int64]bool),
	}
}

func (m *memRepository) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepository) addConversation(channelID int64, address string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.conversations[id] = fakeConversation{channelID: channelID, address: address}
	return id
}

func (m *memRepository) addMessage(conversationID int64, typ domain.MessageType, content, mediaURL string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.messages[id] = &domain.Message{
		ID:             id,
		ConversationID: conversationID,
		Direction:      domain.DirectionOutbound,
		Type:           typ,
		Content:        content,
		MediaURL:       mediaURL,
		Status:         domain.MessageStatusPending,
	}
	return id
}

func (m *memRepository) Enqueue(_ context.Context, conversationID int64, messageID *int64, priority domain.Priority) (*SendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	if messageID != nil {
		msg, ok := m.messages[*messageID]
		if !ok || msg.ConversationID != conversationID {
			return nil, ErrMessageNotFound
		}
	}
	return m.insertRequest(conversationID, messageID, priority), nil
}

func (m *memRepository) insertRequest(conversationID int64, messageID *int64, priority domain.Priority) *SendRequest {
	id := m.id()
	now := time.Unix(0, 0).Add(time.Duration(id) * time.Millisecond)
	req := &SendRequest{
		ID:             id,
		ConversationID: conversationID,
		MessageID:      messageID,
		Priority:       priority,
		Status:         domain.SendStatusQueued,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.requests[id] = req
	cp := *req
	return &cp
}

func (m *memRepository) CreateOutboundMessage(_ context.Context, msg *domain.Message, priority domain.Priority) (*domain.Message, *SendRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return nil, nil, false, ErrConversationNotFound
	}
	if msg.ExternalMessageID != nil {
		for _, existing := range m.messages {
			if existing.ConversationID == msg.ConversationID && existing.ExternalMessageID != nil &&
				*existing.ExternalMessageID == *msg.ExternalMessageID {
				return existing, nil, false, nil
			}
		}
	}

	msg.ID = m.id()
	stored := *msg
	m.messages[msg.ID] = &stored
	req := m.insertRequest(msg.ConversationID, &stored.ID, priority)
	return &stored, req, true, nil
}

func (m *memRepository) eligible(r *SendRequest, maxAttempts int, now time.Time) bool {
	return r.Status.IsClaimable() && r.Attempts < maxAttempts && !r.NextEligibleAt.After(now)
}

func (m *memRepository) FetchEligible(_ context.Context, maxAttempts, limit int, now time.Time) ([]*SendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchErr != nil {
		return nil, m.fetchErr
	}

	items := make([]*SendRequest, 0)
	for _, r := range m.requests {
		if m.eligible(r, maxAttempts, now) {
			cp := *r
			items = append(items, &cp)
		}
	}
	slices.SortFunc(items, func(a, b *SendRequest) int {
		if a.Priority != b.Priority {
			return int(b.Priority) - int(a.Priority)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memRepository) Claim(_ context.Context, id int64, maxAttempts int, now time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || m.loseClaims[id] || !m.eligible(r, maxAttempts, now) {
		return 0, false, nil
	}
	if err := r.Status.TransitionTo(domain.SendStatusProcessing); err != nil {
		return 0, false, err
	}
	r.Status = domain.SendStatusProcessing
	r.Attempts++
	return r.Attempts, true, nil
}

func (m *memRepository) LoadDelivery(_ context.Context, req *SendRequest) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.MessageID == nil {
		return nil, ErrMessageNotFound
	}
	conv, ok := m.conversations[req.ConversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	msg, ok := m.messages[*req.MessageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &Delivery{Request: req, Message: &cp, ChannelID: conv.channelID, ContactAddress: conv.address}, nil
}

func (m *memRepository) MarkSent(_ context.Context, requestID int64, externalID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok || r.Status != domain.SendStatusProcessing {
		return ErrSendRequestNotFound
	}
	r.Status = domain.SendStatusSent
	r.SentAt = &now
	r.LastError = ""

	if r.MessageID != nil {
		msg := m.messages[*r.MessageID]
		msg.Status = domain.MessageStatusSent
		msg.SentAt = &now
		msg.ErrorMessage = ""
		if externalID != "" {
			msg.ExternalMessageID = &externalID
		}
	}
	return nil
}

func (m *memRepository) MarkFailed(_ context.Context, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[f.RequestID]
	if !ok || r.Status != domain.SendStatusProcessing {
		return ErrSendRequestNotFound
	}
	r.Status = domain.SendStatusFailed
	r.LastError = f.Error
	r.NextEligibleAt = f.NextEligibleAt
	r.Attempts = max(r.Attempts, f.ExhaustAttempts)
	m.failures = append(m.failures, f)

	if r.MessageID != nil {
		if msg, ok := m.messages[*r.MessageID]; ok {
			msg.Status = domain.MessageStatusFailed
			msg.ErrorMessage = f.Error
		}
	}
	return nil
}

func (m *memRepository) RecoverStuck(_ context.Context, rec Recovery) ([]StuckRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stuck := make([]StuckRequest, 0)
	for _, r := range m.requests {
		if r.Status == domain.SendStatusProcessing && r.UpdatedAt.Before(rec.StuckBefore) {
			r.Status = domain.SendStatusFailed
			r.LastError = rec.Reason
			stuck = append(stuck, StuckRequest{ID: r.ID, MessageID: r.MessageID, Attempts: r.Attempts})
		}
	}
	return stuck, nil
}

func (m *memRepository) GetQueueStats(_ context.Context, maxAttempts int) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s QueueStats
	for _, r := range m.requests {
		switch {
		case r.Status == domain.SendStatusQueued:
			s.Queued++
		case r.Status == domain.SendStatusProcessing:
			s.Processing++
		case r.Status == domain.SendStatusSent:
			s.Sent++
		case r.Attempts < maxAttempts:
			s.Retrying++
		default:
			s.Exhausted++
		}
	}
	return &s, nil
}

func (m *memRepository) request(id int64) SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.requests[id]
}

func (m *memRepository) message(id int64) domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.messages[id]
}

type sendCall struct {
	channelID int64
	msg       domain.OutgoingMessage
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
	next  int
}

func (s *fakeSender) Send(_ context.Context, channelID int64, msg domain.OutgoingMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, sendCall{channelID: channelID, msg: msg})
	if s.err != nil {
		return "", s.err
	}
	s.next++
	return "wamid-" + string(rune('A'+s.next-1)), nil
}

var errNotConnected = errors.New("channel not connected")
