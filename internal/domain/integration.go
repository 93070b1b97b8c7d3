package domain

import "time"

// IntegrationEvent is an event delivered to external integrations.
type IntegrationEvent string

// Integration events.
const (
	EventLeadCreated       IntegrationEvent = "lead_created"
	EventLeadUpdated       IntegrationEvent = "lead_updated"
	EventCampaignStarted   IntegrationEvent = "campaign_started"
	EventCampaignCompleted IntegrationEvent = "campaign_completed"
)

// IsValid checks if the event is known.
func (e IntegrationEvent) IsValid() bool {
	switch e {
	case EventLeadCreated, EventLeadUpdated, EventCampaignStarted, EventCampaignCompleted:
		return true
	}
	return false
}

// Integration is an outgoing webhook subscription. A nil ChannelID receives
// events of every channel.
type Integration struct {
	ID        int64              `json:"id"`
	ChannelID *int64             `json:"channel_id"`
	URL       string             `json:"url"`
	Secret    string             `json:"-"`
	Events    []IntegrationEvent `json:"events"`
	IsActive  bool               `json:"is_active"`
	CreatedAt time.Time          `json:"created_at"`
}

// Wants reports whether the integration subscribes to event.
// An empty event list subscribes to everything.
func (i Integration) Wants(event IntegrationEvent) bool {
	if !i.IsActive {
		return false
	}
	if len(i.Events) == 0 {
		return true
	}
	for _, e := range i.Events {
		if e == event {
			return true
		}
	}
	return false
}
