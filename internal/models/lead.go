package models

import "time"

// LeadStatus enumerates lifecycle states persisted in Postgres.
const (
	LeadStatusNone          = "none"
	LeadStatusInOutreach    = "in_outreach"
	LeadStatusContacted     = "contacted"
	LeadStatusInNegotiation = "in_negotiation"
	LeadStatusNotInterested = "not_interested"
)

// Lead is a prospective contact considered for outreach. Phone and email are
// independently nullable; a lead with neither is terminally unreachable.
type Lead struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	BusinessName string     `json:"business_name"`
	Category     *string    `json:"category,omitempty"`
	Phone        *string    `json:"phone,omitempty"`
	Email        *string    `json:"email,omitempty"`
	Website      *string    `json:"website,omitempty"`
	Score        int        `json:"score"`
	Status       string     `json:"lead_status"`
	NextAction   *string    `json:"next_action,omitempty"`
	NextActionAt *time.Time `json:"next_action_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasPhone reports whether the lead carries a non-empty phone number.
func (l Lead) HasPhone() bool {
	return l.Phone != nil && *l.Phone != ""
}

// HasEmail reports whether the lead carries a non-empty email address.
func (l Lead) HasEmail() bool {
	return l.Email != nil && *l.Email != ""
}
