package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"outreach-orchestrator/internal/channel"
	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/content"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/recorder"
	"outreach-orchestrator/internal/store"
)

type fakeStore struct {
	settings    models.TenantSettings
	settingsErr error

	lead     models.Lead
	claimErr error
	claimed  bool

	unreachable []string

	template      models.Template
	templateFound bool
	templateErr   error

	conversationID string
	lastInbound    *time.Time
	priorAction    bool

	tasks []models.ScheduledTask
}

func (f *fakeStore) TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	return f.settings, f.settingsErr
}

func (f *fakeStore) ClaimEligibleLead(ctx context.Context, tenantID string, minScore int, claimUntil time.Time) (models.Lead, error) {
	if f.claimErr != nil {
		return models.Lead{}, f.claimErr
	}
	f.claimed = true
	return f.lead, nil
}

func (f *fakeStore) MarkLeadUnreachable(ctx context.Context, leadID string) error {
	f.unreachable = append(f.unreachable, leadID)
	return nil
}

func (f *fakeStore) FirstApprovedTemplate(ctx context.Context, tenantID string, ids []string) (models.Template, bool, error) {
	return f.template, f.templateFound, f.templateErr
}

func (f *fakeStore) EnsureConversation(ctx context.Context, tenantID, leadID string) (string, error) {
	if f.conversationID == "" {
		return "conv-1", nil
	}
	return f.conversationID, nil
}

func (f *fakeStore) LastInboundAt(ctx context.Context, conversationID string) (*time.Time, error) {
	return f.lastInbound, nil
}

func (f *fakeStore) HasPriorAction(ctx context.Context, leadID string) (bool, error) {
	return f.priorAction, nil
}

func (f *fakeStore) CreateScheduledTask(ctx context.Context, t models.ScheduledTask) error {
	f.tasks = append(f.tasks, t)
	return nil
}

type fakeQueue struct {
	locked    map[string]bool
	busy      bool
	scheduled map[string]time.Time
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{locked: make(map[string]bool), scheduled: make(map[string]time.Time)}
}

func (q *fakeQueue) Schedule(ctx context.Context, taskID string, runAt time.Time) error {
	q.scheduled[taskID] = runAt
	return nil
}

func (q *fakeQueue) AcquireSweepLock(ctx context.Context, tenantID string) (bool, error) {
	if q.busy {
		return false, nil
	}
	q.locked[tenantID] = true
	return true, nil
}

func (q *fakeQueue) ReleaseSweepLock(ctx context.Context, tenantID string) error {
	delete(q.locked, tenantID)
	return nil
}

type fakeRecorder struct {
	outcomes []recorder.Outcome
}

func (r *fakeRecorder) Record(ctx context.Context, o recorder.Outcome) error {
	r.outcomes = append(r.outcomes, o)
	return nil
}

type fakeGenerator struct {
	content content.Content
}

func (g fakeGenerator) Generate(ctx context.Context, req content.GenerateRequest) content.Content {
	return g.content
}

type fakeLimiter struct {
	allow bool
}

func (l fakeLimiter) Allow(ctx context.Context, tenantID string) (bool, float64, error) {
	return l.allow, 5, nil
}

type fakeSender struct {
	ch       models.Channel
	err      error
	payloads []models.TaskPayload
}

func (s *fakeSender) Channel() models.Channel { return s.ch }

func (s *fakeSender) Send(ctx context.Context, lead models.Lead, payload models.TaskPayload) error {
	s.payloads = append(s.payloads, payload)
	return s.err
}

func strPtr(s string) *string { return &s }

func testConfig() config.Config {
	return config.Config{
		ScoreThreshold:  60,
		ChannelPriority: []string{"chat", "voice", "email"},
		SuccessCooldown: 7 * 24 * time.Hour,
		FailureCooldown: 24 * time.Hour,
		SessionWindow:   24 * time.Hour,
		VoiceOffsetMin:  30,
		VoiceOffsetMax:  480,
		ChatOffsetMin:   5,
		ChatOffsetMax:   60,
		SendTimeout:     5 * time.Second,
		MaxAttempts:     3,
	}
}

func newTestOrchestrator(st *fakeStore, q *fakeQueue, rec *fakeRecorder, gen content.Generator, reg *channel.Registry, lim VelocityLimiter) *Orchestrator {
	o := New(testConfig(), st, q, rec, gen, reg, lim)
	o.now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }
	o.randInt = func(n int) int { return n / 2 }
	return o
}

func enabledSettings() models.TenantSettings {
	return models.TenantSettings{
		TenantID:        "t1",
		ConsultantName:  "Mario Rossi",
		Enabled:         true,
		ChannelPriority: []string{"chat", "voice", "email"},
	}
}

func TestRunCycleVoiceSchedulesWithinBounds(t *testing.T) {
	st := &fakeStore{
		settings: enabledSettings(),
		lead:     models.Lead{ID: "l1", TenantID: "t1", BusinessName: "Bar Centrale", Phone: strPtr("+391234567"), Score: 85},
	}
	q := newFakeQueue()
	rec := &fakeRecorder{}
	gen := fakeGenerator{content: content.Content{CallScript: "presentazione servizi", OffsetMinutes: 60}}

	o := newTestOrchestrator(st, q, rec, gen, channel.NewRegistry(), fakeLimiter{allow: true})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Channel != models.ChannelVoice || res.Status != models.ActionStatusScheduled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(st.tasks) != 1 {
		t.Fatalf("expected 1 scheduled task, got %d", len(st.tasks))
	}
	task := st.tasks[0]
	offset := task.RunAt.Sub(o.now())
	if offset < 30*time.Minute || offset > 480*time.Minute {
		t.Fatalf("voice run offset %v outside configured bounds", offset)
	}
	if task.Payload.CallScript != "presentazione servizi" {
		t.Fatalf("unexpected call script %q", task.Payload.CallScript)
	}
	if _, ok := q.scheduled[task.ID]; !ok {
		t.Fatalf("task %s not registered in queue", task.ID)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0].Status != models.ActionStatusScheduled {
		t.Fatalf("unexpected outcomes: %+v", rec.outcomes)
	}
	if rec.outcomes[0].ActionID != task.ActionID {
		t.Fatalf("outcome action id %s does not match task action id %s", rec.outcomes[0].ActionID, task.ActionID)
	}
	if q.locked["t1"] {
		t.Fatalf("sweep lock not released")
	}
}

func TestRunCycleChatInWindowUsesFreeform(t *testing.T) {
	inbound := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	settings := enabledSettings()
	settings.ChatAccountID = strPtr("acc-1")
	settings.ChatTemplateIDs = []string{"tpl-1"}
	st := &fakeStore{
		settings:    settings,
		lead:        models.Lead{ID: "l1", TenantID: "t1", BusinessName: "Bar Centrale", Phone: strPtr("+391234567"), Score: 80},
		lastInbound: &inbound,
	}
	rec := &fakeRecorder{}
	gen := fakeGenerator{content: content.Content{Message: "ciao, possiamo sentirci?", OffsetMinutes: 10}}

	o := newTestOrchestrator(st, newFakeQueue(), rec, gen, channel.NewRegistry(), fakeLimiter{allow: true})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Channel != models.ChannelChat || res.Status != models.ActionStatusScheduled {
		t.Fatalf("unexpected result: %+v", res)
	}
	task := st.tasks[0]
	if task.Payload.TemplateID != "" {
		t.Fatalf("in-window chat should be freeform, got template %s", task.Payload.TemplateID)
	}
	if task.Payload.Body != "ciao, possiamo sentirci?" {
		t.Fatalf("unexpected body %q", task.Payload.Body)
	}
}

func TestRunCycleChatOutOfWindowFallsBackToTemplate(t *testing.T) {
	settings := enabledSettings()
	settings.ChatAccountID = strPtr("acc-1")
	settings.ChatTemplateIDs = []string{"tpl-1"}
	st := &fakeStore{
		settings:      settings,
		lead:          models.Lead{ID: "l1", TenantID: "t1", BusinessName: "Bar Centrale", Phone: strPtr("+391234567"), Score: 80},
		lastInbound:   nil, // never opened a session
		template:      models.Template{ID: "tpl-1", Body: "Buongiorno {{1}}, sono {{2}}."},
		templateFound: true,
	}
	rec := &fakeRecorder{}
	gen := fakeGenerator{content: content.Content{Message: "freeform che non deve partire", OffsetMinutes: 10}}

	o := newTestOrchestrator(st, newFakeQueue(), rec, gen, channel.NewRegistry(), fakeLimiter{allow: true})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Status != models.ActionStatusScheduled {
		t.Fatalf("unexpected result: %+v", res)
	}
	task := st.tasks[0]
	if task.Payload.TemplateID != "tpl-1" {
		t.Fatalf("expected template task, got %+v", task.Payload)
	}
	if task.Payload.Body != "Buongiorno Bar Centrale, sono Mario Rossi." {
		t.Fatalf("unexpected rendered body %q", task.Payload.Body)
	}
	if task.Payload.TemplateVars["1"] != "Bar Centrale" {
		t.Fatalf("unexpected template vars %v", task.Payload.TemplateVars)
	}
}

func TestRunCycleChatOutOfWindowWithoutTemplateFails(t *testing.T) {
	settings := enabledSettings()
	settings.ChatAccountID = strPtr("acc-1")
	settings.ChatTemplateIDs = []string{"tpl-1"}
	st := &fakeStore{
		settings:      settings,
		lead:          models.Lead{ID: "l1", TenantID: "t1", BusinessName: "Bar Centrale", Phone: strPtr("+391234567"), Score: 80},
		templateFound: false,
	}
	rec := &fakeRecorder{}
	gen := fakeGenerator{content: content.Content{Message: "mai inviato", OffsetMinutes: 10}}

	o := newTestOrchestrator(st, newFakeQueue(), rec, gen, channel.NewRegistry(), fakeLimiter{allow: true})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Status != models.ActionStatusFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if len(st.tasks) != 0 {
		t.Fatalf("no task should be created, got %d", len(st.tasks))
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0].Status != models.ActionStatusFailed {
		t.Fatalf("expected one failed outcome, got %+v", rec.outcomes)
	}
	if !strings.Contains(rec.outcomes[0].ResultNote, "template") {
		t.Fatalf("failure note should mention templates, got %q", rec.outcomes[0].ResultNote)
	}
}

func TestRunCycleEmailSendsSynchronously(t *testing.T) {
	settings := enabledSettings()
	settings.EmailAccountID = strPtr("mail-1")
	st := &fakeStore{
		settings: settings,
		lead:     models.Lead{ID: "l1", TenantID: "t1", BusinessName: "Bar Centrale", Email: strPtr("info@barcentrale.it"), Score: 70},
	}
	rec := &fakeRecorder{}
	gen := fakeGenerator{content: content.Content{Subject: "Collaborazione", Body: "Buongiorno"}}
	sender := &fakeSender{ch: models.ChannelEmail}
	reg := channel.NewRegistry()
	reg.Register(sender)

	o := newTestOrchestrator(st, newFakeQueue(), rec, gen, reg, fakeLimiter{allow: true})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Channel != models.ChannelEmail || res.Status != models.ActionStatusSent {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sender.payloads) != 1 {
		t.Fatalf("expected one send, got %d", len(sender.payloads))
	}
	if sender.payloads[0].To != "info@barcentrale.it" || sender.payloads[0].Subject != "Collaborazione" {
		t.Fatalf("unexpected payload %+v", sender.payloads[0])
	}
	if len(st.tasks) != 0 {
		t.Fatalf("email must not create a scheduled task")
	}
	out := rec.outcomes[0]
	if out.Status != models.ActionStatusSent || out.ExecutedAt == nil {
		t.Fatalf("expected sent outcome with executed_at, got %+v", out)
	}
}

func TestRunCycleEmailFailureRecordsFailedOutcome(t *testing.T) {
	settings := enabledSettings()
	settings.EmailAccountID = strPtr("mail-1")
	st := &fakeStore{
		settings: settings,
		lead:     models.Lead{ID: "l1", TenantID: "t1", BusinessName: "Bar Centrale", Email: strPtr("info@barcentrale.it"), Score: 70},
	}
	rec := &fakeRecorder{}
	gen := fakeGenerator{content: content.Content{Subject: "Collaborazione", Body: "Buongiorno"}}
	sender := &fakeSender{ch: models.ChannelEmail, err: errors.New("smtp timeout")}
	reg := channel.NewRegistry()
	reg.Register(sender)

	o := newTestOrchestrator(st, newFakeQueue(), rec, gen, reg, fakeLimiter{allow: true})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Status != models.ActionStatusFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if rec.outcomes[0].Status != models.ActionStatusFailed {
		t.Fatalf("expected failed outcome, got %+v", rec.outcomes[0])
	}
}

func TestRunCycleEmailVelocityCapRejects(t *testing.T) {
	settings := enabledSettings()
	settings.EmailAccountID = strPtr("mail-1")
	st := &fakeStore{
		settings: settings,
		lead:     models.Lead{ID: "l1", TenantID: "t1", BusinessName: "Bar Centrale", Email: strPtr("info@barcentrale.it"), Score: 70},
	}
	rec := &fakeRecorder{}
	gen := fakeGenerator{content: content.Content{Subject: "Collaborazione", Body: "Buongiorno"}}
	sender := &fakeSender{ch: models.ChannelEmail}
	reg := channel.NewRegistry()
	reg.Register(sender)

	o := newTestOrchestrator(st, newFakeQueue(), rec, gen, reg, fakeLimiter{allow: false})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Status != models.ActionStatusFailed || res.Reason != "velocity cap" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sender.payloads) != 0 {
		t.Fatalf("sender must not be invoked when the cap rejects")
	}
}

func TestRunCycleUnreachableLeadIsClosedOut(t *testing.T) {
	st := &fakeStore{
		settings: enabledSettings(),
		lead:     models.Lead{ID: "l1", TenantID: "t1", BusinessName: "Bar Centrale", Score: 90},
	}
	rec := &fakeRecorder{}

	o := newTestOrchestrator(st, newFakeQueue(), rec, fakeGenerator{}, channel.NewRegistry(), fakeLimiter{allow: true})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Reason != "no contact info" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(st.unreachable) != 1 || st.unreachable[0] != "l1" {
		t.Fatalf("lead not marked unreachable: %v", st.unreachable)
	}
	if len(rec.outcomes) != 0 {
		t.Fatalf("unreachable lead must not produce an outreach outcome")
	}
}

func TestRunCycleNoEligibleLead(t *testing.T) {
	st := &fakeStore{settings: enabledSettings(), claimErr: store.ErrNoEligibleLead}
	o := newTestOrchestrator(st, newFakeQueue(), &fakeRecorder{}, fakeGenerator{}, channel.NewRegistry(), fakeLimiter{allow: true})
	res, err := o.RunCycle(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if res.Reason != "no eligible lead" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunCycleDisabledTenant(t *testing.T) {
	st := &fakeStore{settings: models.TenantSettings{TenantID: "t1", Enabled: false}}
	o := newTestOrchestrator(st, newFakeQueue(), &fakeRecorder{}, fakeGenerator{}, channel.NewRegistry(), fakeLimiter{allow: true})
	if _, err := o.RunCycle(context.Background(), "t1"); !errors.Is(err, ErrOutreachDisabled) {
		t.Fatalf("expected ErrOutreachDisabled, got %v", err)
	}
	if st.claimed {
		t.Fatalf("disabled tenant must not claim a lead")
	}
}

func TestRunCycleSweepLockBusy(t *testing.T) {
	q := newFakeQueue()
	q.busy = true
	o := newTestOrchestrator(&fakeStore{}, q, &fakeRecorder{}, fakeGenerator{}, channel.NewRegistry(), fakeLimiter{allow: true})
	if _, err := o.RunCycle(context.Background(), "t1"); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("expected ErrSweepInProgress, got %v", err)
	}
}
