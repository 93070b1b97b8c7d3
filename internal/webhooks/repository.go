package webhooks

import (
	"context"

	"github.com/bissquit/chat-relay/internal/domain"
)

// Repository loads integration endpoints.
type Repository interface {
	// ListActive returns active integrations bound to channelID plus those
	// bound to no channel. channelID 0 returns only the unbound ones.
	ListActive(ctx context.Context, channelID int64) ([]domain.Integration, error)
}
