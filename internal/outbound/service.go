package outbound

import (
	"context"
	"fmt"

	"github.com/bissquit/chat-relay/internal/domain"
)

// Service accepts outbound messages for asynchronous delivery.
type Service struct {
	repo       Repository
	maxRetries int
}

// NewService creates a new Service. maxRetries is used to tell retrying from exhausted requests.
func NewService(repo Repository, maxRetries int) *Service {
	return &Service{repo: repo, maxRetries: maxRetries}
}

// EnqueueInput describes a send request for an existing message.
type EnqueueInput struct {
	ConversationID int64
	MessageID      *int64
	Priority       domain.Priority
}

// Enqueue queues a send request for a stored message. Acceptance is not delivery.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*SendRequest, error) {
	if in.MessageID == nil {
		return nil, fmt.Errorf("%w: message id is required", ErrInvalidMessage)
	}
	req, err := s.repo.Enqueue(ctx, in.ConversationID, in.MessageID, in.Priority)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return req, nil
}

// SendMessageInput describes a new outbound message.
type SendMessageInput struct {
	ConversationID    int64
	Type              domain.MessageType
	Content           string
	MediaURL          string
	ExternalMessageID *string
	Priority          domain.Priority
}

// SendMessageResult is the stored message and, unless it was a duplicate, its send request.
type SendMessageResult struct {
	Message     *domain.Message `json:"message"`
	SendRequest *SendRequest    `json:"send_request,omitempty"`
	Duplicate   bool            `json:"duplicate"`
}

// SendMessage records a pending outbound message and queues it.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*SendMessageResult, error) {
	if err := validateMessage(in); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID:    in.ConversationID,
		Direction:         domain.DirectionOutbound,
		Type:              in.Type,
		Content:           in.Content,
		MediaURL:          in.MediaURL,
		ExternalMessageID: in.ExternalMessageID,
		Status:            domain.MessageStatusPending,
	}

	stored, req, created, err := s.repo.CreateOutboundMessage(ctx, msg, in.Priority)
	if err != nil {
		return nil, fmt.Errorf("create outbound message: %w", err)
	}

	return &SendMessageResult{Message: stored, SendRequest: req, Duplicate: !created}, nil
}

// Stats returns queue counters.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	stats, err := s.repo.GetQueueStats(ctx, s.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return stats, nil
}

func validateMessage(in SendMessageInput) error {
	switch {
	case !in.Type.IsValid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, in.Type)
	case in.Type == domain.MessageTypeText && in.Content == "":
		return fmt.Errorf("%w: text message needs content", ErrInvalidMessage)
	case in.Type.IsMedia() && in.MediaURL == "":
		return fmt.Errorf("%w: %s message needs media_url", ErrInvalidMessage, in.Type)
	}
	return nil
}
