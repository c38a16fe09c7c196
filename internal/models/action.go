package models

import (
	"time"
	"unicode/utf8"
)

// OutreachAction statuses. Voice and chat attempts land as scheduled; email is
// terminal (sent or failed) in the same call.
const (
	ActionStatusScheduled = "scheduled"
	ActionStatusSent      = "sent"
	ActionStatusFailed    = "failed"
)

// OutreachAction is an immutable record of one outreach attempt. Execution
// completion appends a new row referencing the original via ParentActionID;
// rows are never updated in place, which keeps the audit trail replay-safe.
type OutreachAction struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	LeadID         string     `json:"lead_id"`
	ParentActionID *string    `json:"parent_action_id,omitempty"`
	LeadName       string     `json:"lead_name"`
	Channel        Channel    `json:"channel"`
	Status         string     `json:"status"`
	MessagePreview string     `json:"message_preview"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	ResultNote     string     `json:"result_note"`
	CreatedAt      time.Time  `json:"created_at"`
}

// PreviewLimit caps the stored message preview length.
const PreviewLimit = 500

// TruncatePreview trims content to the stored preview size. The cut never
// splits a multibyte rune: Postgres rejects invalid UTF-8, which would fail
// the whole outcome transaction.
func TruncatePreview(s string) string {
	if len(s) <= PreviewLimit {
		return s
	}
	cut := PreviewLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
