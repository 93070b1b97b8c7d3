package domain

import (
	"strings"
	"time"
)

// Direction tells whether a message left or entered the system.
type Direction string

// Message directions.
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType is the kind of content a message carries.
type MessageType string

// Message types.
const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
)

// IsValid checks if the message type is known.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeDocument:
		return true
	}
	return false
}

// IsMedia reports whether the message needs a media reference.
func (t MessageType) IsMedia() bool {
	return t != MessageTypeText && t.IsValid()
}

// MessageStatus is the user-visible delivery status of a message.
// Campaign recipients share the same set.
type MessageStatus string

// Message statuses.
const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) String() string { return string(s) }

// TransitionTo validates a message status change.
// A failed message may go back to sent because the queue keeps retrying it.
func (s MessageStatus) TransitionTo(next MessageStatus) error {
	switch s {
	case MessageStatusPending:
		if next == MessageStatusSent || next == MessageStatusFailed {
			return nil
		}
	case MessageStatusFailed:
		if next == MessageStatusSent || next == MessageStatusFailed {
			return nil
		}
	case MessageStatusSent:
		if next == MessageStatusDelivered || next == MessageStatusRead {
			return nil
		}
	case MessageStatusDelivered:
		if next == MessageStatusRead {
			return nil
		}
	case MessageStatusRead:
	}
	return invalidTransition("message", s, next)
}

var messageStatuses = []MessageStatus{
	MessageStatusPending, MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed,
}

// MessageStatusesBefore returns every status from which next may be entered.
func MessageStatusesBefore(next MessageStatus) []string {
	var from []string
	for _, s := range messageStatuses {
		if s.TransitionTo(next) == nil {
			from = append(from, string(s))
		}
	}
	return from
}

// Message is a chat message inside a conversation.
type Message struct {
	ID                int64         `json:"id"`
	ConversationID    int64         `json:"conversation_id"`
	Direction         Direction     `json:"direction"`
	Type              MessageType   `json:"type"`
	Content           string        `json:"content"`
	MediaURL          string        `json:"media_url,omitempty"`
	ExternalMessageID *string       `json:"external_message_id"`
	Status            MessageStatus `json:"status"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	SentAt            *time.Time    `json:"sent_at"`
	DeliveredAt       *time.Time    `json:"delivered_at"`
	ReadAt            *time.Time    `json:"read_at"`
	FailedAt          *time.Time    `json:"failed_at"`
	CreatedAt         time.Time     `json:"created_at"`
}

// OutgoingMessage is what a transport needs to deliver one message.
type OutgoingMessage struct {
	To       string
	Type     MessageType
	Text     string
	MediaURL string
}

// NormalizeAddress reduces a phone number to its digits.
func NormalizeAddress(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
