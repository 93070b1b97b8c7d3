package devicelink

import "github.com/bissquit/chat-relay/internal/domain"

// Frame types exchanged with the gateway.
const (
	frameHello       = "hello"
	frameSend        = "send"
	framePairing     = "pairing"
	frameOpen        = "open"
	frameCredentials = "credentials"
	frameClose       = "close"
	frameAck         = "ack"
)

// frame is one JSON message on the gateway socket. Auth is base64 encoded on the wire.
type frame struct {
	Type        string `json:"type"`
	Session     string `json:"session,omitempty"`
	Address     string `json:"address,omitempty"`
	Auth        []byte `json:"auth,omitempty"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Ref         string `json:"ref,omitempty"`
	To          string `json:"to,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	Text        string `json:"text,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

func parseReason(s string) domain.CloseReason {
	switch r := domain.CloseReason(s); r {
	case domain.CloseLoggedOut, domain.CloseReplaced, domain.CloseRestartRequired,
		domain.CloseConnectionLost, domain.CloseTimedOut:
		return r
	}
	return domain.CloseConnectionLost
}
