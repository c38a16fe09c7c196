package models

import (
	"strings"
	"time"
)

// Template approval statuses mirrored from the chat provider's review state.
// Approved is never set locally; it only arrives through sync.
const (
	TemplateNotSynced = "not_synced"
	TemplatePending   = "pending"
	TemplateApproved  = "approved"
	TemplateRejected  = "rejected"
)

// Template is a pre-approved chat message body with positional {{n}} slots.
type Template struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Name           string     `json:"name"`
	Body           string     `json:"body"`
	ApprovalStatus string     `json:"approval_status"`
	ProviderSID    *string    `json:"provider_sid,omitempty"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
}

// Render substitutes positional {{n}} placeholders with the supplied values.
// Unknown placeholders are left in place so a mis-filled template is visible
// in the preview rather than silently blank.
func (t Template) Render(vars map[string]string) string {
	out := t.Body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// NormalizeApproval folds the provider's wider status vocabulary into the four
// states the orchestrator understands.
func NormalizeApproval(providerStatus string) string {
	switch providerStatus {
	case "approved":
		return TemplateApproved
	case "pending", "received":
		return TemplatePending
	case "rejected", "paused", "disabled":
		return TemplateRejected
	default:
		return TemplateNotSynced
	}
}
