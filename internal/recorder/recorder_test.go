package recorder

import (
	"context"
	"strings"
	"testing"
	"time"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/store"
)

type fakeOutcomeStore struct {
	recorded []store.RecordParams
	seen     map[string]bool
}

func (f *fakeOutcomeStore) RecordOutcome(ctx context.Context, p store.RecordParams) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[p.Action.ID] {
		return false, nil
	}
	f.seen[p.Action.ID] = true
	f.recorded = append(f.recorded, p)
	return true, nil
}

func testRecorder(st OutcomeStore) *Recorder {
	cfg := config.Config{
		SuccessCooldown: 168 * time.Hour,
		FailureCooldown: 24 * time.Hour,
	}
	r := New(st, cfg)
	r.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func baseOutcome(status string) Outcome {
	return Outcome{
		ActionID:       "action-1",
		TenantID:       "tenant-a",
		Lead:           models.Lead{ID: "lead-1", BusinessName: "Rossi Srl", Status: models.LeadStatusNone},
		ConversationID: "conv-1",
		Channel:        models.ChannelVoice,
		Status:         status,
		MessagePreview: "chiama il lead",
		ResultNote:     "Chiamata schedulata",
	}
}

func TestRecordSuccessAppliesLongCooldown(t *testing.T) {
	st := &fakeOutcomeStore{}
	r := testRecorder(st)

	if err := r.Record(context.Background(), baseOutcome(models.ActionStatusScheduled)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(st.recorded) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(st.recorded))
	}
	p := st.recorded[0]
	if p.LeadStatus != models.LeadStatusInOutreach {
		t.Fatalf("lead status = %q, want in_outreach", p.LeadStatus)
	}
	want := time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC)
	if !p.NextActionAt.Equal(want) {
		t.Fatalf("next_action_at = %v, want %v", p.NextActionAt, want)
	}
	if p.Event.Type != models.EventMessageScheduled {
		t.Fatalf("event type = %q", p.Event.Type)
	}
}

func TestRecordFailureKeepsStatusShortCooldown(t *testing.T) {
	st := &fakeOutcomeStore{}
	r := testRecorder(st)

	o := baseOutcome(models.ActionStatusFailed)
	o.ResultNote = "smtp connection refused"
	if err := r.Record(context.Background(), o); err != nil {
		t.Fatalf("record: %v", err)
	}
	p := st.recorded[0]
	if p.LeadStatus != "" {
		t.Fatalf("failure must not change lead status, got %q", p.LeadStatus)
	}
	want := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	if !p.NextActionAt.Equal(want) {
		t.Fatalf("next_action_at = %v, want %v", p.NextActionAt, want)
	}
	if p.Event.Type != models.EventMessageFailed {
		t.Fatalf("event type = %q", p.Event.Type)
	}
	if !strings.Contains(p.NextAction, "smtp connection refused") {
		t.Fatalf("next_action = %q, want failure note included", p.NextAction)
	}
}

func TestRecordReplayIsNoop(t *testing.T) {
	st := &fakeOutcomeStore{}
	r := testRecorder(st)

	o := baseOutcome(models.ActionStatusSent)
	if err := r.Record(context.Background(), o); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := r.Record(context.Background(), o); err != nil {
		t.Fatalf("replay record: %v", err)
	}
	if len(st.recorded) != 1 {
		t.Fatalf("replay created %d records, want 1", len(st.recorded))
	}
}

func TestRecordTruncatesPreview(t *testing.T) {
	st := &fakeOutcomeStore{}
	r := testRecorder(st)

	o := baseOutcome(models.ActionStatusSent)
	o.MessagePreview = strings.Repeat("x", 900)
	if err := r.Record(context.Background(), o); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := len(st.recorded[0].Action.MessagePreview); got != models.PreviewLimit {
		t.Fatalf("preview length = %d, want %d", got, models.PreviewLimit)
	}
}
