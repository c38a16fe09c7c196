// Package timeline folds the flat activity-event stream into per-conversation
// views for the activity feed. It is read-only and derived entirely from the
// event log; it never recomputes status from aggregates that could disagree
// with the per-event record.
package timeline

import (
	"sort"
	"strings"
	"time"

	"outreach-orchestrator/internal/models"
)

// Status categories exposed to the filter and per conversation.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

// Filter narrows the event stream before grouping.
type Filter struct {
	Status   string // sent, failed, pending, or empty for all
	AgentID  string // owning tenant/consultant id
	Search   string // case-insensitive substring over lead name
	DateFrom *time.Time
	DateTo   *time.Time
	Page     int
	PageSize int
}

// Page is one page of the aggregated feed.
type Page struct {
	Timeline   []models.Conversation `json:"timeline"`
	Total      int                   `json:"total"`
	Page       int                   `json:"page"`
	TotalPages int                   `json:"totalPages"`
}

// statusOf maps an event type onto its status category. A scheduled event
// with no later sent event means the send is still pending.
func statusOf(eventType string) string {
	switch eventType {
	case models.EventMessageSent:
		return StatusSent
	case models.EventMessageFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Aggregate filters, groups by conversation, orders events newest-first
// within each group, orders conversations by most recent event, and
// paginates.
func Aggregate(events []models.ActivityEvent, f Filter) Page {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}

	filtered := make([]models.ActivityEvent, 0, len(events))
	for _, e := range events {
		// An event with no conversation cannot be grouped; a phantom ""
		// conversation must never appear in the feed.
		if e.ConversationID == "" {
			continue
		}
		if f.AgentID != "" && e.TenantID != f.AgentID {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(e.LeadName), strings.ToLower(f.Search)) {
			continue
		}
		if f.DateFrom != nil && e.OccurredAt.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && e.OccurredAt.After(*f.DateTo) {
			continue
		}
		filtered = append(filtered, e)
	}

	groups := make(map[string][]models.ActivityEvent)
	order := make([]string, 0)
	for _, e := range filtered {
		if _, seen := groups[e.ConversationID]; !seen {
			order = append(order, e.ConversationID)
		}
		groups[e.ConversationID] = append(groups[e.ConversationID], e)
	}

	conversations := make([]models.Conversation, 0, len(order))
	for _, id := range order {
		evs := groups[id]
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].OccurredAt.After(evs[j].OccurredAt)
		})
		head := evs[0]
		conv := models.Conversation{
			ConversationID: id,
			LeadID:         head.LeadID,
			LeadName:       head.LeadName,
			CurrentStatus:  statusOf(head.Type),
			LastEventAt:    head.OccurredAt,
			Events:         evs,
		}
		if f.Status != "" && conv.CurrentStatus != f.Status {
			continue
		}
		conversations = append(conversations, conv)
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastEventAt.After(conversations[j].LastEventAt)
	})

	total := len(conversations)
	totalPages := (total + f.PageSize - 1) / f.PageSize
	start := (f.Page - 1) * f.PageSize
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}

	return Page{
		Timeline:   conversations[start:end],
		Total:      total,
		Page:       f.Page,
		TotalPages: totalPages,
	}
}
