package domain

import "time"

// CampaignStatus is the lifecycle status of a campaign.
type CampaignStatus string

// Campaign statuses.
const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

func (s CampaignStatus) String() string { return string(s) }

// IsLaunched reports whether recipients have already been expanded.
func (s CampaignStatus) IsLaunched() bool {
	return s == CampaignScheduled || s == CampaignRunning
}

// IsFinal reports whether no further transitions are possible.
func (s CampaignStatus) IsFinal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// TransitionTo validates a campaign status change.
func (s CampaignStatus) TransitionTo(next CampaignStatus) error {
	switch s {
	case CampaignDraft:
		if next == CampaignScheduled || next == CampaignCancelled {
			return nil
		}
	case CampaignScheduled:
		if next == CampaignRunning || next == CampaignCancelled {
			return nil
		}
	case CampaignRunning:
		if next == CampaignPaused || next == CampaignCompleted || next == CampaignCancelled {
			return nil
		}
	case CampaignPaused:
		if next == CampaignRunning || next == CampaignCancelled {
			return nil
		}
	case CampaignCompleted, CampaignCancelled:
	}
	return invalidTransition("campaign", s, next)
}

// PauseReason explains why the dispatcher stopped a campaign.
type PauseReason string

// Pause reasons.
const (
	PauseChannelUnavailable PauseReason = "channel_unavailable"
	PauseTemplateMissing    PauseReason = "template_missing"
	PauseCredentialsInvalid PauseReason = "credentials_invalid"
	PauseOperator           PauseReason = "operator"
)

// Audience selects the contacts a campaign is sent to.
type Audience struct {
	PipelineStageID *int64  `json:"pipeline_stage_id,omitempty"`
	ContactIDs      []int64 `json:"contact_ids,omitempty"`
}

// IsEmpty reports whether the audience has no selector at all.
func (a Audience) IsEmpty() bool {
	return a.PipelineStageID == nil && len(a.ContactIDs) == 0
}

// Campaign is a bulk send to an audience of contacts.
type Campaign struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Message           string         `json:"message"`
	TemplateID        *int64         `json:"template_id"`
	Audience          Audience       `json:"audience"`
	ChannelID         *int64         `json:"channel_id"`
	Status            CampaignStatus `json:"status"`
	PauseReason       *PauseReason   `json:"pause_reason"`
	ScheduledAt       *time.Time     `json:"scheduled_at"`
	StartedAt         *time.Time     `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at"`
	TotalRecipients   int            `json:"total_recipients"`
	MessagesSent      int            `json:"messages_sent"`
	MessagesDelivered int            `json:"messages_delivered"`
	MessagesRead      int            `json:"messages_read"`
	MessagesFailed    int            `json:"messages_failed"`
	CreatedAt         time.Time      `json:"created_at"`
}

// CampaignRecipient is one contact targeted by a campaign.
type CampaignRecipient struct {
	ID           int64         `json:"id"`
	CampaignID   int64         `json:"campaign_id"`
	ContactID    int64         `json:"contact_id"`
	ChannelID    *int64        `json:"channel_id"`
	MessageID    *int64        `json:"message_id"`
	Status       MessageStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	SentAt       *time.Time    `json:"sent_at"`
}
