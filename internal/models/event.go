package models

import "time"

// ActivityEvent types. The append-only event log is the timeline aggregator's
// only input.
const (
	EventMessageSent      = "message_sent"
	EventMessageFailed    = "message_failed"
	EventMessageScheduled = "message_scheduled"
	EventAIEvaluation     = "ai_evaluation"
)

// ActivityEvent is one append-only entry in a conversation's audit trail.
type ActivityEvent struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	LeadID         string    `json:"lead_id"`
	LeadName       string    `json:"lead_name"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Detail         string    `json:"detail"`
	Channel        Channel   `json:"channel,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Conversation is the aggregated, newest-first view of one conversation's
// events. CurrentStatus derives from the most recent event alone.
type Conversation struct {
	ConversationID string          `json:"conversation_id"`
	LeadID         string          `json:"lead_id"`
	LeadName       string          `json:"lead_name"`
	CurrentStatus  string          `json:"current_status"`
	LastEventAt    time.Time       `json:"last_event_at"`
	Events         []ActivityEvent `json:"events"`
}
