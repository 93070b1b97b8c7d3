// Package outbound provides the durable send queue and the worker that drains it.
package outbound

import (
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
)

// SendRequest is one queued attempt to deliver a message.
type SendRequest struct {
	ID             int64             `json:"id"`
	ConversationID int64             `json:"conversation_id"`
	MessageID      *int64            `json:"message_id"`
	Priority       domain.Priority   `json:"priority"`
	Status         domain.SendStatus `json:"status"`
	Attempts       int               `json:"attempts"`
	NextEligibleAt time.Time         `json:"next_eligible_at"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	SentAt         *time.Time        `json:"sent_at"`
}

// Delivery is everything the worker needs to send a claimed request.
type Delivery struct {
	Request        *SendRequest
	Message        *domain.Message
	ChannelID      int64
	ContactAddress string
}

// Failure describes how a claimed request failed.
type Failure struct {
	RequestID      int64
	Error          string
	NextEligibleAt time.Time
	// Terminal marks the request as finished; linked campaign recipients fail too.
	Terminal bool
	// ExhaustAttempts, when positive, raises attempts to this value so the
	// request is never selected again.
	ExhaustAttempts int
}

// QueueStats counts send requests by scheduling state.
type QueueStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Retrying   int64 `json:"retrying"`
	Exhausted  int64 `json:"exhausted"`
}

// Recovery selects processing requests abandoned by a crashed or stalled tick.
type Recovery struct {
	StuckBefore time.Time
	Now         time.Time
	BaseBackoff time.Duration
	MaxAttempts int
	Reason      string
}

// StuckRequest is a processing request recovered by housekeeping.
type StuckRequest struct {
	ID        int64
	MessageID *int64
	Attempts  int
}
