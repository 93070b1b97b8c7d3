package sessions

import (
	"context"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
)

// Repository defines the data access interface for channel sessions.
type Repository interface {
	GetChannel(ctx context.Context, channelID int64) (*domain.Channel, error)
	GetSession(ctx context.Context, channelID int64) (*domain.ChannelSession, error)
	SaveSession(ctx context.Context, session *domain.ChannelSession) error
	// RecordState stores the connectivity flag and last-seen time. Reaching
	// connected also clears the pairing challenge and activates the channel.
	RecordState(ctx context.Context, channelID int64, connected bool, at time.Time) error
	SavePairing(ctx context.Context, channelID int64, code string, expiresAt time.Time) error
	SetChannelStatus(ctx context.Context, channelID int64, status domain.ChannelStatus) error
	// Purge removes stored credentials and pairing data and marks the channel disconnected.
	Purge(ctx context.Context, channelID int64, at time.Time) error
	ListConnected(ctx context.Context) ([]domain.ChannelSession, error)
	ClearExpiredPairings(ctx context.Context, now time.Time) (int64, error)
}
