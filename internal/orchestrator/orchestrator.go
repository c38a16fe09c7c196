// Package orchestrator runs the outreach cycle: eligibility scan, channel
// selection, session window check, content generation, scheduling, and
// outcome recording — exactly one lead per tenant per cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"outreach-orchestrator/internal/channel"
	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/content"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/recorder"
	"outreach-orchestrator/internal/selector"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
	"outreach-orchestrator/internal/window"
)

// ErrNoApprovedTemplate signals a chat attempt outside the session window
// with no approved template available. There is no downgrade to freeform.
var ErrNoApprovedTemplate = errors.New("no approved template for out-of-window chat")

// ErrSweepInProgress signals a cycle request while the tenant's sweep lock is
// held elsewhere.
var ErrSweepInProgress = errors.New("sweep already in progress for tenant")

// ErrOutreachDisabled signals a cycle request for a tenant that has not
// enabled autonomous outreach.
var ErrOutreachDisabled = errors.New("outreach disabled for tenant")

// Store is the persistence slice the cycle reads and writes.
type Store interface {
	TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
	ClaimEligibleLead(ctx context.Context, tenantID string, minScore int, claimUntil time.Time) (models.Lead, error)
	MarkLeadUnreachable(ctx context.Context, leadID string) error
	FirstApprovedTemplate(ctx context.Context, tenantID string, ids []string) (models.Template, bool, error)
	EnsureConversation(ctx context.Context, tenantID, leadID string) (string, error)
	LastInboundAt(ctx context.Context, conversationID string) (*time.Time, error)
	HasPriorAction(ctx context.Context, leadID string) (bool, error)
	CreateScheduledTask(ctx context.Context, t models.ScheduledTask) error
}

// OutcomeRecorder funnels every attempt result into the bookkeeping write.
type OutcomeRecorder interface {
	Record(ctx context.Context, o recorder.Outcome) error
}

// TaskQueue coordinates deferred execution and the per-tenant sweep mutex.
type TaskQueue interface {
	Schedule(ctx context.Context, taskID string, runAt time.Time) error
	AcquireSweepLock(ctx context.Context, tenantID string) (bool, error)
	ReleaseSweepLock(ctx context.Context, tenantID string) error
}

// VelocityLimiter caps outbound sends per tenant.
type VelocityLimiter interface {
	Allow(ctx context.Context, tenantID string) (bool, float64, error)
}

// CycleResult summarizes one tenant cycle.
type CycleResult struct {
	LeadID  string         `json:"lead_id,omitempty"`
	Channel models.Channel `json:"channel,omitempty"`
	Status  string         `json:"status,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Orchestrator drives the per-tenant outreach cycle.
type Orchestrator struct {
	cfg      config.Config
	store    Store
	queue    TaskQueue
	recorder OutcomeRecorder
	gen      content.Generator
	senders  *channel.Registry
	limiter  VelocityLimiter
	now      func() time.Time
	randInt  func(n int) int
}

// New wires the cycle dependencies.
func New(cfg config.Config, st Store, q TaskQueue, rec OutcomeRecorder, gen content.Generator, senders *channel.Registry, limiter VelocityLimiter) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		queue:    q,
		recorder: rec,
		gen:      gen,
		senders:  senders,
		limiter:  limiter,
		now:      time.Now,
		randInt:  rand.Intn,
	}
}

// RunCycle executes one outreach cycle for the tenant. After a lead is
// claimed, every failure becomes a recorded outcome rather than a returned
// error, so one lead's failure never aborts the tenant's sweep.
func (o *Orchestrator) RunCycle(ctx context.Context, tenantID string) (CycleResult, error) {
	ok, err := o.queue.AcquireSweepLock(ctx, tenantID)
	if err != nil {
		return CycleResult{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return CycleResult{}, ErrSweepInProgress
	}
	defer func() {
		if err := o.queue.ReleaseSweepLock(context.WithoutCancel(ctx), tenantID); err != nil {
			log.Printf("orchestrator: release sweep lock for %s: %v", tenantID, err)
		}
	}()

	telemetry.CyclesRun.Inc()

	settings, err := o.store.TenantSettings(ctx, tenantID)
	if err != nil {
		return CycleResult{}, fmt.Errorf("load tenant settings: %w", err)
	}
	if !settings.Enabled {
		return CycleResult{Reason: "outreach disabled"}, ErrOutreachDisabled
	}

	threshold := o.cfg.ScoreThreshold
	if settings.ScoreThreshold != nil {
		threshold = *settings.ScoreThreshold
	}

	now := o.now()
	// The claim stamp doubles as the failure cooldown: if the process dies
	// between claim and record, the lead resurfaces on the short window.
	lead, err := o.store.ClaimEligibleLead(ctx, tenantID, threshold, now.Add(o.cfg.FailureCooldown))
	if errors.Is(err, store.ErrNoEligibleLead) {
		telemetry.CyclesEmpty.Inc()
		return CycleResult{Reason: "no eligible lead"}, nil
	}
	if err != nil {
		return CycleResult{}, fmt.Errorf("eligibility scan: %w", err)
	}

	if !lead.HasPhone() && !lead.HasEmail() {
		if err := o.store.MarkLeadUnreachable(ctx, lead.ID); err != nil {
			log.Printf("orchestrator: mark lead %s unreachable: %v", lead.ID, err)
		}
		return CycleResult{LeadID: lead.ID, Reason: "no contact info"}, nil
	}

	priority := channelPriority(settings.ChannelPriority, o.cfg.ChannelPriority)
	readiness := selector.Readiness{
		ChatTemplateIDs:   settings.ChatTemplateIDs,
		ChatAccountBound:  settings.ChatAccountID != nil,
		EmailAccountBound: settings.EmailAccountID != nil,
	}

	conversationID, err := o.store.EnsureConversation(ctx, tenantID, lead.ID)
	if err != nil {
		return CycleResult{}, fmt.Errorf("ensure conversation: %w", err)
	}

	attempt := attemptContext{
		actionID:       uuid.New().String(),
		tenantID:       tenantID,
		lead:           lead,
		conversationID: conversationID,
		settings:       settings,
		now:            now,
	}

	ch, err := selector.Select(lead, priority, readiness)
	if err != nil {
		o.recordFailure(ctx, attempt, "", "Nessun canale disponibile per il lead")
		return CycleResult{LeadID: lead.ID, Status: models.ActionStatusFailed, Reason: err.Error()}, nil
	}
	attempt.channel = ch
	log.Printf("orchestrator: tenant=%s lead=%s score=%d channel=%s", tenantID, lead.BusinessName, lead.Score, ch)

	var result CycleResult
	switch ch {
	case models.ChannelVoice:
		result = o.runVoice(ctx, attempt)
	case models.ChannelChat:
		result = o.runChat(ctx, attempt)
	case models.ChannelEmail:
		result = o.runEmail(ctx, attempt)
	}
	return result, nil
}

type attemptContext struct {
	actionID       string
	tenantID       string
	lead           models.Lead
	conversationID string
	channel        models.Channel
	settings       models.TenantSettings
	now            time.Time
}

func (o *Orchestrator) runVoice(ctx context.Context, a attemptContext) CycleResult {
	c := o.gen.Generate(ctx, o.generateRequest(a, ""))
	script := c.CallScript
	if script == "" {
		script = content.Fallback(o.generateRequest(a, "")).CallScript
	}

	// Voice offsets are randomized within the configured bounds rather than
	// trusting the collaborator's suggestion.
	runAt := a.now.Add(time.Duration(o.voiceOffsetMinutes()) * time.Minute)
	task := models.ScheduledTask{
		ID:          uuid.New().String(),
		TenantID:    a.tenantID,
		LeadID:      a.lead.ID,
		ActionID:    a.actionID,
		Channel:     models.ChannelVoice,
		RunAt:       runAt,
		MaxAttempts: o.cfg.MaxAttempts,
		Payload:     models.TaskPayload{CallScript: script},
	}
	return o.scheduleTask(ctx, a, task, script,
		fmt.Sprintf("Chiamata schedulata per %s (task: %s)", runAt.UTC().Format(time.RFC3339), task.ID))
}

func (o *Orchestrator) runChat(ctx context.Context, a attemptContext) CycleResult {
	lastInbound, err := o.store.LastInboundAt(ctx, a.conversationID)
	if err != nil {
		o.recordFailure(ctx, a, "", fmt.Sprintf("Errore lettura conversazione: %v", err))
		return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusFailed, Reason: err.Error()}
	}

	c := o.gen.Generate(ctx, o.generateRequest(a, ""))
	runAt := a.now.Add(time.Duration(c.OffsetMinutes) * time.Minute)
	w := window.EvaluateAt(lastInbound, a.now, runAt, o.cfg.SessionWindow)

	payload := models.TaskPayload{}
	preview := ""
	if w.CanSendFreeform {
		payload.Body = c.Message
		preview = c.Message
	} else {
		tpl, found, err := o.store.FirstApprovedTemplate(ctx, a.tenantID, a.settings.ChatTemplateIDs)
		if err != nil {
			o.recordFailure(ctx, a, "", fmt.Sprintf("Errore risoluzione template: %v", err))
			return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusFailed, Reason: err.Error()}
		}
		if !found {
			// Hard protocol constraint: out of window with no approved
			// template fails fast, never downgrades to freeform.
			o.recordFailure(ctx, a, "", "Fuori finestra 24h e nessun template approvato disponibile")
			return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusFailed, Reason: ErrNoApprovedTemplate.Error()}
		}
		vars := openingTemplateVariables(a.lead, a.settings.ConsultantName)
		payload.TemplateID = tpl.ID
		payload.TemplateVars = vars
		payload.Body = tpl.Render(vars)
		preview = payload.Body
	}

	task := models.ScheduledTask{
		ID:          uuid.New().String(),
		TenantID:    a.tenantID,
		LeadID:      a.lead.ID,
		ActionID:    a.actionID,
		Channel:     models.ChannelChat,
		RunAt:       runAt,
		MaxAttempts: o.cfg.MaxAttempts,
		Payload:     payload,
	}
	return o.scheduleTask(ctx, a, task, preview,
		fmt.Sprintf("Messaggio schedulato per %s (task: %s)", runAt.UTC().Format(time.RFC3339), task.ID))
}

func (o *Orchestrator) runEmail(ctx context.Context, a attemptContext) CycleResult {
	scenario, err := o.matchScenario(ctx, a)
	if err != nil {
		log.Printf("orchestrator: scenario match for lead %s: %v, defaulting to first contact", a.lead.ID, err)
		scenario = content.ScenarioFirstContact
	}
	c := o.gen.Generate(ctx, o.generateRequest(a, scenario))
	preview := models.TruncatePreview(fmt.Sprintf("[%s] %s", c.Subject, c.Body))

	if allowed := o.allowSend(ctx, a.tenantID); !allowed {
		o.recordFailure(ctx, a, preview, "Limite di velocità raggiunto, riprovare al prossimo ciclo")
		return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusFailed, Reason: "velocity cap"}
	}

	sender, ok := o.senders.Lookup(models.ChannelEmail)
	if !ok {
		o.recordFailure(ctx, a, preview, "Nessun sender email configurato")
		return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusFailed, Reason: "no email sender"}
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()
	err = sender.Send(sendCtx, a.lead, models.TaskPayload{
		To:      derefOr(a.lead.Email, ""),
		Subject: c.Subject,
		Body:    c.Body,
	})

	// Email is synchronous: the terminal status is known in the same call and
	// no scheduled row ever exists.
	if err != nil {
		o.recordFailure(ctx, a, preview, fmt.Sprintf("Errore invio email: %v", err))
		return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusFailed, Reason: err.Error()}
	}

	executed := o.now()
	telemetry.ActionsSent.Inc()
	o.record(ctx, a, recorder.Outcome{
		Status:         models.ActionStatusSent,
		MessagePreview: preview,
		ExecutedAt:     &executed,
		ResultNote:     fmt.Sprintf("Email inviata a %s", derefOr(a.lead.Email, "")),
	})
	return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusSent}
}

// scheduleTask persists the deferred unit, registers it for execution, and
// records the scheduled outcome. A task that cannot be persisted is a failure
// outcome; a task persisted but not registered is recovered by the worker's
// due-task reconciliation, so only the persistence error fails the attempt.
func (o *Orchestrator) scheduleTask(ctx context.Context, a attemptContext, task models.ScheduledTask, preview, note string) CycleResult {
	if err := o.store.CreateScheduledTask(ctx, task); err != nil {
		o.recordFailure(ctx, a, preview, fmt.Sprintf("Errore creazione task: %v", err))
		return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusFailed, Reason: err.Error()}
	}
	if err := o.queue.Schedule(ctx, task.ID, task.RunAt); err != nil {
		log.Printf("orchestrator: schedule task %s in redis: %v (db sweep will recover it)", task.ID, err)
	}

	telemetry.ActionsScheduled.Inc()
	o.record(ctx, a, recorder.Outcome{
		Status:         models.ActionStatusScheduled,
		MessagePreview: preview,
		ScheduledAt:    &task.RunAt,
		ResultNote:     note,
	})
	return CycleResult{LeadID: a.lead.ID, Channel: a.channel, Status: models.ActionStatusScheduled}
}

func (o *Orchestrator) record(ctx context.Context, a attemptContext, out recorder.Outcome) {
	out.ActionID = a.actionID
	out.TenantID = a.tenantID
	out.Lead = a.lead
	out.ConversationID = a.conversationID
	out.Channel = a.channel
	if err := o.recorder.Record(ctx, out); err != nil {
		log.Printf("orchestrator: record outcome for lead %s: %v", a.lead.ID, err)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, a attemptContext, preview, note string) {
	telemetry.ActionsFailed.Inc()
	o.record(ctx, a, recorder.Outcome{
		Status:         models.ActionStatusFailed,
		MessagePreview: preview,
		ResultNote:     note,
	})
}

func (o *Orchestrator) generateRequest(a attemptContext, scenario content.Scenario) content.GenerateRequest {
	return content.GenerateRequest{
		ConsultantName: a.settings.ConsultantName,
		LeadName:       a.lead.BusinessName,
		Category:       derefOr(a.lead.Category, ""),
		Website:        derefOr(a.lead.Website, ""),
		Score:          a.lead.Score,
		Channel:        a.channel,
		Scenario:       scenario,
	}
}

func (o *Orchestrator) matchScenario(ctx context.Context, a attemptContext) (content.Scenario, error) {
	prior, err := o.store.HasPriorAction(ctx, a.lead.ID)
	if err != nil {
		return "", err
	}
	lastInbound, err := o.store.LastInboundAt(ctx, a.conversationID)
	if err != nil {
		return "", err
	}
	return content.MatchScenario(prior, lastInbound != nil), nil
}

func (o *Orchestrator) allowSend(ctx context.Context, tenantID string) bool {
	if o.limiter == nil {
		return true
	}
	allowed, _, err := o.limiter.Allow(ctx, tenantID)
	if err != nil {
		log.Printf("orchestrator: velocity check for %s: %v, allowing send", tenantID, err)
		return true
	}
	if !allowed {
		telemetry.VelocityRejects.Inc()
	}
	return allowed
}

func (o *Orchestrator) voiceOffsetMinutes() int {
	lo, hi := o.cfg.VoiceOffsetMin, o.cfg.VoiceOffsetMax
	if hi <= lo {
		return lo
	}
	return lo + o.randInt(hi-lo+1)
}

func channelPriority(configured []string, fallback []string) []models.Channel {
	names := configured
	if len(names) == 0 {
		names = fallback
	}
	out := make([]models.Channel, 0, len(names))
	for _, n := range names {
		ch, err := models.ParseChannel(n)
		if err != nil {
			log.Printf("orchestrator: ignoring invalid priority entry %q", n)
			continue
		}
		out = append(out, ch)
	}
	return out
}

// openingTemplateVariables fills the positional slots of an opening template.
func openingTemplateVariables(lead models.Lead, consultantName string) map[string]string {
	if consultantName == "" {
		consultantName = "il vostro consulente"
	}
	return map[string]string{
		"1": lead.BusinessName,
		"2": consultantName,
	}
}

func derefOr(s *string, def string) string {
	if s != nil {
		return *s
	}
	return def
}
