package campaigns

import (
	"context"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
)

// Repository defines the interface for campaign data access.
type Repository interface {
	GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, filter ListFilter) ([]domain.Campaign, error)
	// UpdateStatus applies u only while the campaign is in one of u.From.
	// It returns ErrStatusChanged when the campaign exists in another status.
	UpdateStatus(ctx context.Context, u StatusUpdate) error

	// Launch expands the audience of a draft campaign into recipients and
	// schedules it, atomically. Existing recipients are kept as they are.
	// It returns ErrStatusChanged when the campaign is no longer a draft and
	// ErrEmptyAudience when no contact matches.
	Launch(ctx context.Context, id int64, scheduledAt time.Time) (recipients int, err error)

	TemplateBody(ctx context.Context, templateID int64) (string, error)
	PendingRecipients(ctx context.Context, campaignID int64, limit int) ([]Target, error)
	// Dispatch creates the conversation if needed, the pending message and
	// its send request, and links the recipient, in one transaction.
	Dispatch(ctx context.Context, in DispatchInput) (*Dispatched, error)
	// FailRecipient fails a pending recipient and counts it on the campaign.
	FailRecipient(ctx context.Context, campaignID, recipientID int64, reason string) error
}

// ListFilter selects campaigns by status. DueBefore limits to campaigns
// scheduled at or before the given time.
type ListFilter struct {
	Status    domain.CampaignStatus
	DueBefore *time.Time
}

// StatusUpdate is a guarded campaign status change.
type StatusUpdate struct {
	CampaignID  int64
	From        []domain.CampaignStatus
	To          domain.CampaignStatus
	PauseReason *domain.PauseReason
	At          time.Time
}

// Target is a recipient that still needs a message.
type Target struct {
	RecipientID int64
	ChannelID   *int64
	Contact     domain.Contact
}

// DispatchInput describes the message created for one recipient.
type DispatchInput struct {
	CampaignID  int64
	RecipientID int64
	ContactID   int64
	ChannelID   int64
	Address     string
	Text        string
}

// Dispatched is the result of a recipient dispatch.
type Dispatched struct {
	ConversationID      int64
	ConversationCreated bool
	MessageID           int64
	SendRequestID       int64
}
