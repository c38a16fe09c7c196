package models

import "time"

// ScheduledTask statuses. A task must be claimed (scheduled -> executing)
// before any send; the claim is a conditional write, so exactly one actor
// ever delivers a task even when a manual send-now races the sweep.
const (
	TaskStatusScheduled = "scheduled"
	TaskStatusExecuting = "executing"
	TaskStatusSent      = "sent"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// TaskPayload carries the channel-specific content for a deferred send.
// Exactly one shape is populated per channel.
type TaskPayload struct {
	// Voice.
	CallScript string `json:"call_script,omitempty"`

	// Chat. TemplateID is empty for an in-window freeform message.
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`
	Body         string            `json:"body,omitempty"`

	// Email.
	Subject string `json:"subject,omitempty"`
	To      string `json:"to,omitempty"`
}

// ScheduledTask is a channel-specific deferred-execution record. The payload
// is immutable after creation; only status, attempts, and last_error move.
type ScheduledTask struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	LeadID      string      `json:"lead_id"`
	ActionID    string      `json:"action_id"`
	Channel     Channel     `json:"channel"`
	Status      string      `json:"status"`
	RunAt       time.Time   `json:"run_at"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Payload     TaskPayload `json:"payload"`
	LastError   *string     `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
