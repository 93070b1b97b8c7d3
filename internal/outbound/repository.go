package outbound

import (
	"context"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
)

// Repository defines the interface for send queue data access.
type Repository interface {
	// Producers
	Enqueue(ctx context.Context, conversationID int64, messageID *int64, priority domain.Priority) (*SendRequest, error)
	// CreateOutboundMessage records a pending message and its send request atomically.
	// When msg carries an external id already stored for the conversation, the
	// existing message is returned with created=false and nothing is enqueued.
	CreateOutboundMessage(ctx context.Context, msg *domain.Message, priority domain.Priority) (stored *domain.Message, req *SendRequest, created bool, err error)

	// Worker
	FetchEligible(ctx context.Context, maxAttempts, limit int, now time.Time) ([]*SendRequest, error)
	Claim(ctx context.Context, id int64, maxAttempts int, now time.Time) (attempts int, claimed bool, err error)
	LoadDelivery(ctx context.Context, req *SendRequest) (*Delivery, error)
	MarkSent(ctx context.Context, requestID int64, externalID string, now time.Time) error
	MarkFailed(ctx context.Context, f Failure) error

	// Housekeeping
	RecoverStuck(ctx context.Context, r Recovery) ([]StuckRequest, error)
	GetQueueStats(ctx context.Context, maxAttempts int) (*QueueStats, error)
}
