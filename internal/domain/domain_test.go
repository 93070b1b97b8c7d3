package domain

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendStatus_TransitionTo(t *testing.T) {
	tests := []struct {
		from    SendStatus
		to      SendStatus
		allowed bool
	}{
		{SendStatusQueued, SendStatusProcessing, true},
		{SendStatusFailed, SendStatusProcessing, true},
		{SendStatusProcessing, SendStatusSent, true},
		{SendStatusProcessing, SendStatusFailed, true},
		{SendStatusFailed, SendStatusQueued, false},
		{SendStatusQueued, SendStatusSent, false},
		{SendStatusSent, SendStatusProcessing, false},
		{SendStatusSent, SendStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := tt.from.TransitionTo(tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestSessionState_Next(t *testing.T) {
	tests := []struct {
		name    string
		from    SessionState
		event   SessionEvent
		want    SessionState
		wantErr bool
	}{
		{"initialize", SessionDisconnected, SessionEventInitialize, SessionConnecting, false},
		{"pairing", SessionConnecting, SessionEventPairing, SessionQRReady, false},
		{"refreshed pairing", SessionQRReady, SessionEventPairing, SessionQRReady, false},
		{"opened after pairing", SessionQRReady, SessionEventOpened, SessionConnected, false},
		{"opened directly", SessionConnecting, SessionEventOpened, SessionConnected, false},
		{"closed while connected", SessionConnected, SessionEventClosed, SessionDisconnected, false},
		{"closed while pairing", SessionQRReady, SessionEventClosed, SessionDisconnected, false},
		{"initialize twice", SessionConnected, SessionEventInitialize, SessionConnected, true},
		{"pairing when connected", SessionConnected, SessionEventPairing, SessionConnected, true},
		{"opened when disconnected", SessionDisconnected, SessionEventOpened, SessionDisconnected, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Next(tt.event)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloseReason_ShouldReconnect(t *testing.T) {
	assert.False(t, CloseLoggedOut.ShouldReconnect())
	assert.False(t, CloseOperator.ShouldReconnect())
	assert.True(t, CloseConnectionLost.ShouldReconnect())
	assert.True(t, CloseReplaced.ShouldReconnect())
	assert.True(t, CloseRestartRequired.ShouldReconnect())
	assert.True(t, CloseTimedOut.ShouldReconnect())
}

func TestCampaignStatus_TransitionTo(t *testing.T) {
	allowed := map[CampaignStatus][]CampaignStatus{
		CampaignDraft:     {CampaignScheduled, CampaignCancelled},
		CampaignScheduled: {CampaignRunning, CampaignCancelled},
		CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignCancelled},
		CampaignPaused:    {CampaignRunning, CampaignCancelled},
		CampaignCompleted: nil,
		CampaignCancelled: nil,
	}
	all := []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignRunning, CampaignPaused, CampaignCompleted, CampaignCancelled}

	for from, targets := range allowed {
		for _, to := range all {
			err := from.TransitionTo(to)
			if slices.Contains(targets, to) {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestMessageStatus_TransitionTo(t *testing.T) {
	assert.NoError(t, MessageStatusPending.TransitionTo(MessageStatusSent))
	assert.NoError(t, MessageStatusFailed.TransitionTo(MessageStatusSent))
	assert.NoError(t, MessageStatusSent.TransitionTo(MessageStatusDelivered))
	assert.NoError(t, MessageStatusDelivered.TransitionTo(MessageStatusRead))
	assert.ErrorIs(t, MessageStatusRead.TransitionTo(MessageStatusSent), ErrInvalidTransition)
	assert.ErrorIs(t, MessageStatusSent.TransitionTo(MessageStatusPending), ErrInvalidTransition)
}

func TestAgent_CanReceiveConversations(t *testing.T) {
	assert.True(t, Agent{IsActive: true, Role: AgentRoleAgent}.CanReceiveConversations())
	assert.False(t, Agent{IsActive: true, Role: AgentRoleViewer}.CanReceiveConversations())
	assert.False(t, Agent{IsActive: false, Role: AgentRoleManager}.CanReceiveConversations())
}

func TestParsePriority(t *testing.T) {
	p, ok := ParsePriority("high")
	assert.True(t, ok)
	assert.Equal(t, PriorityHigh, p)

	p, ok = ParsePriority("")
	assert.True(t, ok)
	assert.Equal(t, PriorityNormal, p)

	_, ok = ParsePriority("urgent")
	assert.False(t, ok)
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 010-9999", "15550109999"},
		{"79001234567", "79001234567"},
		{"n/a", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAddress(tt.in))
		})
	}
}

func TestSendStatusesBefore(t *testing.T) {
	assert.Equal(t, []string{"queued", "failed"}, SendStatusesBefore(SendStatusProcessing))
	assert.Equal(t, []string{"processing"}, SendStatusesBefore(SendStatusSent))
	assert.Equal(t, []string{"processing"}, SendStatusesBefore(SendStatusFailed))
	assert.Empty(t, SendStatusesBefore(SendStatusQueued))
}

func TestMessageStatusesBefore(t *testing.T) {
	assert.Equal(t, []string{"pending", "failed"}, MessageStatusesBefore(MessageStatusSent))
	assert.Equal(t, []string{"pending", "failed"}, MessageStatusesBefore(MessageStatusFailed))
	assert.Equal(t, []string{"sent", "delivered"}, MessageStatusesBefore(MessageStatusRead))
	assert.Empty(t, MessageStatusesBefore(MessageStatusPending))
}
