// Package selector picks exactly one outbound channel for a lead. It is a
// pure function over a read snapshot: first match over the configured priority
// list wins, ties broken by configured order rather than score.
package selector

import (
	"errors"

	"outreach-orchestrator/internal/models"
)

// ErrNoEligibleChannel signals that no channel can reach the lead. This is a
// configuration-class failure for the current cycle, never silently retried.
var ErrNoEligibleChannel = errors.New("no eligible channel for lead")

// Readiness is the per-channel readiness snapshot taken at cycle start.
type Readiness struct {
	// Chat requires at least one configured template id and a bound chat
	// account; templates outside the session window must additionally be
	// approved, but that check belongs to the scheduler, not the selector.
	ChatTemplateIDs   []string
	ChatAccountBound  bool
	EmailAccountBound bool
}

func (r Readiness) chatReady() bool {
	return r.ChatAccountBound && len(r.ChatTemplateIDs) > 0
}

// Select returns the first channel in priority order whose required contact
// field is present and whose readiness flags are satisfied. If no configured
// channel qualifies, it falls back to voice (phone present) or email (email
// present) so a lead is never silently skipped by priority misconfiguration.
func Select(lead models.Lead, priority []models.Channel, r Readiness) (models.Channel, error) {
	for _, ch := range priority {
		switch ch {
		case models.ChannelVoice:
			if lead.HasPhone() {
				return models.ChannelVoice, nil
			}
		case models.ChannelChat:
			if lead.HasPhone() && r.chatReady() {
				return models.ChannelChat, nil
			}
		case models.ChannelEmail:
			if lead.HasEmail() && r.EmailAccountBound {
				return models.ChannelEmail, nil
			}
		}
	}

	if lead.HasPhone() {
		return models.ChannelVoice, nil
	}
	if lead.HasEmail() {
		return models.ChannelEmail, nil
	}
	return "", ErrNoEligibleChannel
}
