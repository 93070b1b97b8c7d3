package sessions

import (
	"context"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
)

// Event is a lifecycle notification emitted by a transport connection.
type Event struct {
	Kind        domain.SessionEvent
	PairingCode string
	Reason      domain.CloseReason
}

// DialRequest carries what a transport needs to open a session.
type DialRequest struct {
	ChannelID   int64
	Address     string
	ProviderRef string
	// Credentials are decrypted API credentials. Device-linked transports keep
	// their own auth state and ignore this field.
	Credentials []byte
}

// Dialer opens transport connections for one session kind.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Conn, error)
}

// Conn is a live transport connection.
// Events is closed after the connection ends; the last event is a close when
// the remote side ended it.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, msg domain.OutgoingMessage) (string, error)
	Close() error
}

// Forgetter is implemented by dialers that keep auth state outside the
// channel_sessions table.
type Forgetter interface {
	Forget(ctx context.Context, channelID int64) error
}

// Codec encrypts credential material at rest.
type Codec interface {
	Seal(plaintext []byte) (string, error)
	Open(encoded string) ([]byte, error)
}

// PairingChallenge is a short-lived code the operator approves out of band.
type PairingChallenge struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status is the externally visible state of a channel session.
type Status struct {
	ChannelID   int64               `json:"channel_id"`
	State       domain.SessionState `json:"state"`
	Kind        domain.SessionKind  `json:"kind"`
	IsConnected bool                `json:"is_connected"`
	LastSeenAt  *time.Time          `json:"last_seen_at"`
	LastError   string              `json:"last_error,omitempty"`
}
