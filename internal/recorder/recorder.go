// Package recorder applies the exactly-once bookkeeping that follows every
// outreach attempt: the immutable action row, the lead cooldown transition,
// and the activity event, written as one transaction.
package recorder

import (
	"context"
	"fmt"
	"log"
	"time"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

// OutcomeStore is the slice of the store the recorder writes through.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, p store.RecordParams) (bool, error)
}

// Outcome describes one finished attempt. ActionID is generated before
// execution so a crash-and-resume replays under the same id and is absorbed
// by the idempotency claim.
type Outcome struct {
	ActionID       string
	ParentActionID *string
	TenantID       string
	Lead           models.Lead
	ConversationID string
	Channel        models.Channel
	Status         string
	MessagePreview string
	ScheduledAt    *time.Time
	ExecutedAt     *time.Time
	ResultNote     string
}

// Recorder is the single writer of lead state after an attempt.
type Recorder struct {
	store OutcomeStore
	cfg   config.Config
	now   func() time.Time
}

// New builds a recorder with the configured cooldown windows.
func New(st OutcomeStore, cfg config.Config) *Recorder {
	return &Recorder{store: st, cfg: cfg, now: time.Now}
}

// Record writes the outcome. The write runs on a context detached from sweep
// cancellation: once started it must complete, or a send would go unrecorded
// during shutdown.
func (r *Recorder) Record(ctx context.Context, o Outcome) error {
	applied, err := r.store.RecordOutcome(context.WithoutCancel(ctx), r.build(o))
	if err != nil {
		return fmt.Errorf("record outcome for lead %s: %w", o.Lead.ID, err)
	}
	if !applied {
		telemetry.RecorderReplays.Inc()
		log.Printf("recorder: action %s already recorded, skipping replay", o.ActionID)
	}
	return nil
}

// build maps an outcome onto the three sub-writes. Success and scheduled both
// move the lead into outreach with the long cooldown; failure leaves the
// status alone and applies the short retry cooldown.
func (r *Recorder) build(o Outcome) store.RecordParams {
	now := r.now()
	p := store.RecordParams{
		Action: models.OutreachAction{
			ID:             o.ActionID,
			TenantID:       o.TenantID,
			LeadID:         o.Lead.ID,
			ParentActionID: o.ParentActionID,
			LeadName:       o.Lead.BusinessName,
			Channel:        o.Channel,
			Status:         o.Status,
			MessagePreview: models.TruncatePreview(o.MessagePreview),
			ScheduledAt:    o.ScheduledAt,
			ExecutedAt:     o.ExecutedAt,
			ResultNote:     o.ResultNote,
		},
		Event: models.ActivityEvent{
			ID:             o.ActionID + ":" + o.Status,
			TenantID:       o.TenantID,
			ConversationID: o.ConversationID,
			LeadID:         o.Lead.ID,
			LeadName:       o.Lead.BusinessName,
			Type:           eventType(o.Status),
			Title:          eventTitle(o),
			Detail:         o.ResultNote,
			Channel:        o.Channel,
			OccurredAt:     now,
		},
	}

	if o.Status == models.ActionStatusFailed {
		p.NextAction = fmt.Sprintf("Tentativo fallito via %s - %s", o.Channel, noteOrDefault(o.ResultNote))
		p.NextActionAt = now.Add(r.cfg.FailureCooldown)
		return p
	}
	p.LeadStatus = models.LeadStatusInOutreach
	p.NextAction = fmt.Sprintf("Contattato via %s", o.Channel)
	p.NextActionAt = now.Add(r.cfg.SuccessCooldown)
	return p
}

func eventType(status string) string {
	switch status {
	case models.ActionStatusSent:
		return models.EventMessageSent
	case models.ActionStatusScheduled:
		return models.EventMessageScheduled
	default:
		return models.EventMessageFailed
	}
}

func eventTitle(o Outcome) string {
	switch o.Status {
	case models.ActionStatusSent:
		return fmt.Sprintf("Outreach inviato a %s via %s", o.Lead.BusinessName, o.Channel)
	case models.ActionStatusScheduled:
		return fmt.Sprintf("Outreach schedulato per %s via %s", o.Lead.BusinessName, o.Channel)
	default:
		return fmt.Sprintf("Outreach fallito per %s via %s", o.Lead.BusinessName, o.Channel)
	}
}

func noteOrDefault(note string) string {
	if note == "" {
		return "errore sconosciuto"
	}
	return note
}
