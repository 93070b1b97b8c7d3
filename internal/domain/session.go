package domain

import "time"

// SessionState is the lifecycle state of a channel session.
type SessionState string

// Session states.
const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionQRReady      SessionState = "qr_ready"
	SessionConnected    SessionState = "connected"
)

func (s SessionState) String() string { return string(s) }

// SessionEvent is something that happened to a session's transport.
type SessionEvent string

// Session events.
const (
	SessionEventInitialize SessionEvent = "initialize"
	SessionEventPairing    SessionEvent = "pairing"
	SessionEventOpened     SessionEvent = "opened"
	SessionEventClosed     SessionEvent = "closed"
)

// Next returns the state a session moves to when ev happens in state s.
// A close is accepted from any state; the caller decides whether to reconnect.
func (s SessionState) Next(ev SessionEvent) (SessionState, error) {
	switch ev {
	case SessionEventInitialize:
		if s == SessionDisconnected {
			return SessionConnecting, nil
		}
	case SessionEventPairing:
		if s == SessionConnecting || s == SessionQRReady {
			return SessionQRReady, nil
		}
	case SessionEventOpened:
		if s == SessionConnecting || s == SessionQRReady {
			return SessionConnected, nil
		}
	case SessionEventClosed:
		return SessionDisconnected, nil
	}
	return s, invalidTransition("session", s, SessionState(ev))
}

// CloseReason explains why a transport connection ended.
type CloseReason string

// Close reasons reported by transports.
const (
	CloseLoggedOut       CloseReason = "logged_out"
	CloseReplaced        CloseReason = "replaced"
	CloseRestartRequired CloseReason = "restart_required"
	CloseConnectionLost  CloseReason = "connection_lost"
	CloseTimedOut        CloseReason = "timed_out"
	CloseOperator        CloseReason = "operator"
)

// ShouldReconnect reports whether the session is re-initialized after closing.
// Only a remote logout or an operator disconnect ends the session for good.
func (r CloseReason) ShouldReconnect() bool {
	return r != CloseLoggedOut && r != CloseOperator
}

// SessionKind is how a channel authenticates with the messaging network.
type SessionKind string

// Session kinds.
const (
	SessionKindAPI          SessionKind = "api"
	SessionKindDeviceLinked SessionKind = "device_linked"
)

// IsValid checks if the session kind is known.
func (k SessionKind) IsValid() bool {
	return k == SessionKindAPI || k == SessionKindDeviceLinked
}

// ChannelStatus is the status of the channel identity owning a session.
type ChannelStatus string

// Channel statuses.
const (
	ChannelStatusPending      ChannelStatus = "pending"
	ChannelStatusActive       ChannelStatus = "active"
	ChannelStatusDisconnected ChannelStatus = "disconnected"
)

// Channel is one addressable sending identity, e.g. a phone number.
type Channel struct {
	ID          int64         `json:"id"`
	DisplayName string        `json:"display_name"`
	Address     string        `json:"address"`
	Status      ChannelStatus `json:"status"`
}

// ChannelSession is the persisted part of a channel's connection.
// Credentials hold encrypted material and are never exposed as plaintext.
type ChannelSession struct {
	ChannelID        int64
	Kind             SessionKind
	Credentials      string
	ProviderRef      string
	IsConnected      bool
	LastSeenAt       *time.Time
	PairingCode      string
	PairingExpiresAt *time.Time
	UpdatedAt        time.Time
}
