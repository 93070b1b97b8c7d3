package domain

import "time"

// Contact is an end user the CRM talks to.
type Contact struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Phone           string            `json:"phone"`
	Email           string            `json:"email"`
	Attributes      map[string]string `json:"attributes"`
	PipelineStageID *int64            `json:"pipeline_stage_id"`
}

// Conversation is a thread with one contact address over one channel.
type Conversation struct {
	ID              int64     `json:"id"`
	ChannelID       int64     `json:"channel_id"`
	ContactID       *int64    `json:"contact_id"`
	ContactAddress  string    `json:"contact_address"`
	AssignedAgentID *int64    `json:"assigned_agent_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// AgentRole is the CRM role of an agent.
type AgentRole string

// Agent roles.
const (
	AgentRoleAdmin   AgentRole = "admin"
	AgentRoleManager AgentRole = "manager"
	AgentRoleAgent   AgentRole = "agent"
	AgentRoleViewer  AgentRole = "viewer"
)

// Agent is a CRM user that can own conversations.
type Agent struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Role     AgentRole `json:"role"`
	IsActive bool      `json:"is_active"`
}

// CanReceiveConversations reports whether the agent takes part in distribution.
func (a Agent) CanReceiveConversations() bool {
	return a.IsActive && a.Role != AgentRoleViewer
}

// DistributionMode controls automatic conversation assignment.
type DistributionMode string

// Distribution modes.
const (
	DistributionManual     DistributionMode = "manual"
	DistributionRoundRobin DistributionMode = "round_robin"
)

// DistributionSettings is the singleton assignment configuration.
type DistributionSettings struct {
	Mode                DistributionMode `json:"mode"`
	ExcludedAgentIDs    []int64          `json:"excluded_agent_ids"`
	LastAssignedAgentID *int64           `json:"last_assigned_agent_id"`
}
