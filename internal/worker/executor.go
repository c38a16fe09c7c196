// Package worker executes due scheduled tasks. Each sweep reconciles the
// Redis schedule with Postgres, reclaims expired leases, then drains the
// ready list. Postgres stays authoritative for task state; a task observed as
// no longer scheduled is acked and dropped without side effects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"outreach-orchestrator/internal/channel"
	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/recorder"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
	"outreach-orchestrator/internal/window"
)

// TaskStore is the persistence slice the executor reads and writes.
type TaskStore interface {
	GetScheduledTask(ctx context.Context, id string) (models.ScheduledTask, error)
	ClaimScheduledTask(ctx context.Context, id string) (bool, error)
	CompleteScheduledTask(ctx context.Context, id, status string, attempts int, lastError *string) (bool, error)
	ReleaseStaleExecutingTasks(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	RetryScheduledTask(ctx context.Context, id string, runAt time.Time) (models.ScheduledTask, error)
	DueScheduledTaskIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	GetLead(ctx context.Context, id string) (models.Lead, error)
	TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
	EnsureConversation(ctx context.Context, tenantID, leadID string) (string, error)
	LastInboundAt(ctx context.Context, conversationID string) (*time.Time, error)
	FirstApprovedTemplate(ctx context.Context, tenantID string, ids []string) (models.Template, bool, error)
}

// TaskQueue is the coordination slice the executor drives.
type TaskQueue interface {
	Schedule(ctx context.Context, taskID string, runAt time.Time) error
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error)
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, taskID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// OutcomeRecorder funnels execution results into the bookkeeping write.
type OutcomeRecorder interface {
	Record(ctx context.Context, o recorder.Outcome) error
}

// VelocityLimiter caps outbound sends per tenant.
type VelocityLimiter interface {
	Allow(ctx context.Context, tenantID string) (bool, float64, error)
}

// Executor drains due scheduled tasks and records their outcomes.
type Executor struct {
	cfg      config.Config
	store    TaskStore
	queue    TaskQueue
	recorder OutcomeRecorder
	senders  *channel.Registry
	limiter  VelocityLimiter
	now      func() time.Time
}

// NewExecutor wires the executor dependencies.
func NewExecutor(cfg config.Config, st TaskStore, q TaskQueue, rec OutcomeRecorder, senders *channel.Registry, limiter VelocityLimiter) *Executor {
	return &Executor{
		cfg:      cfg,
		store:    st,
		queue:    q,
		recorder: rec,
		senders:  senders,
		limiter:  limiter,
		now:      time.Now,
	}
}

// Run polls until the context is canceled.
func (e *Executor) Run(ctx context.Context) {
	interval := e.cfg.WorkerPollInterval
	if interval == 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("worker: executor started, poll interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker: executor stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				log.Printf("worker: sweep: %v", err)
			}
		}
	}
}

// Sweep runs one executor pass: reclaim expired leases, reconcile due tasks
// from Postgres into the schedule, promote, then drain the ready list.
func (e *Executor) Sweep(ctx context.Context) error {
	now := e.now()

	reclaimed, err := e.queue.RequeueExpired(ctx, now, int64(e.dueBatch()))
	if err != nil {
		return fmt.Errorf("requeue expired leases: %w", err)
	}
	if len(reclaimed) > 0 {
		log.Printf("worker: reclaimed %d expired leases", len(reclaimed))
	}

	// A claim holder that died between claim and completion leaves its task
	// in executing. Flip it back after the lease horizon and re-run it.
	stale, err := e.store.ReleaseStaleExecutingTasks(ctx, now.Add(-e.leaseTTL()), e.dueBatch())
	if err != nil {
		return fmt.Errorf("release stale claims: %w", err)
	}
	for _, id := range stale {
		log.Printf("worker: task %s stuck in executing, rescheduling", id)
		if err := e.queue.Schedule(ctx, id, now); err != nil {
			return fmt.Errorf("reschedule stale task %s: %w", id, err)
		}
	}

	// Cold-start recovery: a task persisted in Postgres but never registered
	// in Redis still becomes due here. Schedule is idempotent.
	dueIDs, err := e.store.DueScheduledTaskIDs(ctx, now, e.dueBatch())
	if err != nil {
		return fmt.Errorf("reconcile due tasks: %w", err)
	}
	for _, id := range dueIDs {
		if err := e.queue.Schedule(ctx, id, now); err != nil {
			return fmt.Errorf("reschedule task %s: %w", id, err)
		}
	}

	if _, err := e.queue.PromoteDue(ctx, now, int64(e.dueBatch())); err != nil {
		return fmt.Errorf("promote due tasks: %w", err)
	}

	for {
		taskID, err := e.queue.DequeueWithLease(ctx)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if taskID == "" {
			break
		}
		telemetry.TasksInFlight.Inc()
		e.process(ctx, taskID)
		telemetry.TasksInFlight.Dec()
		if err := e.queue.Ack(ctx, taskID); err != nil {
			log.Printf("worker: ack task %s: %v", taskID, err)
		}
	}

	if depth, err := e.queue.ReadyDepth(ctx); err == nil {
		telemetry.TaskQueueDepth.Set(float64(depth))
	}
	return nil
}

func (e *Executor) process(ctx context.Context, taskID string) {
	task, err := e.store.GetScheduledTask(ctx, taskID)
	if err != nil {
		log.Printf("worker: load task %s: %v, dropping", taskID, err)
		return
	}
	if task.Status != models.TaskStatusScheduled {
		// Canceled or already completed elsewhere. The lease ack is enough.
		return
	}

	if allowed := e.allowSend(ctx, task.TenantID); !allowed {
		// Not a failure: push the task back out without burning an attempt.
		if err := e.queue.Schedule(ctx, task.ID, e.now().Add(e.retryBackoff())); err != nil {
			log.Printf("worker: defer task %s past velocity cap: %v", task.ID, err)
		}
		return
	}

	claimed, err := e.store.ClaimScheduledTask(ctx, task.ID)
	if err != nil {
		log.Printf("worker: claim task %s: %v", task.ID, err)
		return
	}
	if !claimed {
		// Lost the claim to another actor (a manual send-now). The ack alone
		// is correct: the winner delivers and records.
		return
	}

	if err := e.Execute(ctx, task); err != nil {
		log.Printf("worker: execute task %s: %v", task.ID, err)
	}
}

// Execute runs one claimed task to a terminal or retried state. The caller
// must hold both the queue lease and the executing claim: the claim is what
// guarantees a single delivery, so no send may precede it.
func (e *Executor) Execute(ctx context.Context, task models.ScheduledTask) error {
	lead, err := e.store.GetLead(ctx, task.LeadID)
	if err != nil {
		return e.fail(ctx, task, models.Lead{}, fmt.Sprintf("lead non trovato: %v", err))
	}

	payload := task.Payload
	if task.Channel == models.ChannelChat && payload.TemplateID == "" {
		// The window verdict at scheduling time can expire before execution.
		// Re-check, and swap in an approved template rather than sending a
		// freeform message the provider would reject.
		payload, err = e.reguardChat(ctx, task, lead, payload)
		if err != nil {
			return e.fail(ctx, task, lead, err.Error())
		}
	}

	sender, ok := e.senders.Lookup(task.Channel)
	if !ok {
		return e.fail(ctx, task, lead, fmt.Sprintf("nessun sender per il canale %s", task.Channel))
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout())
	defer cancel()
	if err := sender.Send(sendCtx, lead, payload); err != nil {
		return e.fail(ctx, task, lead, fmt.Sprintf("invio fallito: %v", err))
	}
	return e.succeed(ctx, task, lead, payload)
}

// ExecuteNow runs a task immediately, bypassing run_at. Used by the manual
// send-now endpoint; the chat window guard still applies. The conditional
// claim makes the race against the executor sweep safe: whichever actor
// claims first delivers, the other gets a conflict.
func (e *Executor) ExecuteNow(ctx context.Context, taskID string) (models.ScheduledTask, error) {
	task, err := e.store.GetScheduledTask(ctx, taskID)
	if err != nil {
		return models.ScheduledTask{}, err
	}
	if task.Status != models.TaskStatusScheduled {
		return models.ScheduledTask{}, store.ErrTaskNotRetryable
	}
	claimed, err := e.store.ClaimScheduledTask(ctx, taskID)
	if err != nil {
		return models.ScheduledTask{}, err
	}
	if !claimed {
		return models.ScheduledTask{}, store.ErrTaskNotRetryable
	}
	if err := e.Execute(ctx, task); err != nil {
		return models.ScheduledTask{}, err
	}
	return e.store.GetScheduledTask(ctx, taskID)
}

// reguardChat re-evaluates the session window for a freeform chat payload and
// substitutes an approved template when the window has closed.
func (e *Executor) reguardChat(ctx context.Context, task models.ScheduledTask, lead models.Lead, payload models.TaskPayload) (models.TaskPayload, error) {
	conversationID, err := e.store.EnsureConversation(ctx, task.TenantID, task.LeadID)
	if err != nil {
		return payload, fmt.Errorf("lettura conversazione fallita: %w", err)
	}
	lastInbound, err := e.store.LastInboundAt(ctx, conversationID)
	if err != nil {
		return payload, fmt.Errorf("lettura conversazione fallita: %w", err)
	}
	if window.Evaluate(lastInbound, e.now(), e.sessionWindow()).CanSendFreeform {
		return payload, nil
	}

	settings, err := e.store.TenantSettings(ctx, task.TenantID)
	if err != nil {
		return payload, fmt.Errorf("lettura impostazioni fallita: %w", err)
	}
	tpl, found, err := e.store.FirstApprovedTemplate(ctx, task.TenantID, settings.ChatTemplateIDs)
	if err != nil {
		return payload, fmt.Errorf("risoluzione template fallita: %w", err)
	}
	if !found {
		return payload, errors.New("finestra 24h scaduta e nessun template approvato disponibile")
	}

	vars := map[string]string{"1": lead.BusinessName, "2": settings.ConsultantName}
	log.Printf("worker: task %s window expired, swapping freeform for template %s", task.ID, tpl.ID)
	return models.TaskPayload{
		TemplateID:   tpl.ID,
		TemplateVars: vars,
		Body:         tpl.Render(vars),
	}, nil
}

func (e *Executor) succeed(ctx context.Context, task models.ScheduledTask, lead models.Lead, payload models.TaskPayload) error {
	attempts := task.Attempts + 1
	applied, err := e.store.CompleteScheduledTask(ctx, task.ID, models.TaskStatusSent, attempts, nil)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	if !applied {
		// Lost the conditional transition to a concurrent actor. The send
		// happened, but the other actor owns the bookkeeping.
		log.Printf("worker: task %s completed concurrently, skipping outcome", task.ID)
		return nil
	}

	executed := e.now()
	telemetry.ActionsSent.Inc()
	e.record(ctx, task, lead, recorder.Outcome{
		Status:         models.ActionStatusSent,
		MessagePreview: previewOf(payload),
		ExecutedAt:     &executed,
		ResultNote:     fmt.Sprintf("Eseguito via %s (task: %s)", task.Channel, task.ID),
	}, attempts)
	return nil
}

func (e *Executor) fail(ctx context.Context, task models.ScheduledTask, lead models.Lead, note string) error {
	attempts := task.Attempts + 1

	// Retry-eligible failures are marked failed at the current attempt count
	// and immediately flipped back to scheduled; the flip increments the
	// counter, so the terminal path is the only other place attempts move.
	if attempts < task.MaxAttempts {
		applied, err := e.store.CompleteScheduledTask(ctx, task.ID, models.TaskStatusFailed, task.Attempts, &note)
		if err != nil {
			return fmt.Errorf("fail task %s: %w", task.ID, err)
		}
		if !applied {
			log.Printf("worker: task %s completed concurrently, skipping outcome", task.ID)
			return nil
		}
		runAt := e.now().Add(time.Duration(attempts) * e.retryBackoff())
		if _, err := e.store.RetryScheduledTask(ctx, task.ID, runAt); err != nil {
			log.Printf("worker: auto-retry task %s: %v", task.ID, err)
		} else if err := e.queue.Schedule(ctx, task.ID, runAt); err != nil {
			log.Printf("worker: schedule retry for task %s: %v", task.ID, err)
		} else {
			log.Printf("worker: task %s attempt %d/%d failed, retrying at %s", task.ID, attempts, task.MaxAttempts, runAt.UTC().Format(time.RFC3339))
		}
		// The failed attempt still lands in the activity feed even though a
		// retry is pending. The completion id carries the attempt number, so
		// the eventual success records under its own id.
		telemetry.ActionsFailed.Inc()
		e.record(ctx, task, lead, recorder.Outcome{
			Status:         models.ActionStatusFailed,
			MessagePreview: previewOf(task.Payload),
			ResultNote:     note,
		}, attempts)
		return nil
	}

	applied, err := e.store.CompleteScheduledTask(ctx, task.ID, models.TaskStatusFailed, attempts, &note)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	if !applied {
		log.Printf("worker: task %s completed concurrently, skipping outcome", task.ID)
		return nil
	}

	telemetry.ActionsFailed.Inc()
	e.record(ctx, task, lead, recorder.Outcome{
		Status:         models.ActionStatusFailed,
		MessagePreview: previewOf(task.Payload),
		ResultNote:     note,
	}, attempts)
	return nil
}

// record appends the completion row. The completion action id is derived from
// the original action and the attempt number, so a lease replay of the same
// attempt is absorbed by the recorder's idempotency claim.
func (e *Executor) record(ctx context.Context, task models.ScheduledTask, lead models.Lead, out recorder.Outcome, attempts int) {
	conversationID, err := e.store.EnsureConversation(ctx, task.TenantID, task.LeadID)
	if err != nil {
		log.Printf("worker: conversation for task %s: %v", task.ID, err)
	}
	parent := task.ActionID
	out.ActionID = fmt.Sprintf("%s:exec:%d", task.ActionID, attempts)
	out.ParentActionID = &parent
	out.TenantID = task.TenantID
	out.Lead = lead
	out.ConversationID = conversationID
	out.Channel = task.Channel
	if err := e.recorder.Record(ctx, out); err != nil {
		log.Printf("worker: record outcome for task %s: %v", task.ID, err)
	}
}

func (e *Executor) allowSend(ctx context.Context, tenantID string) bool {
	if e.limiter == nil {
		return true
	}
	allowed, _, err := e.limiter.Allow(ctx, tenantID)
	if err != nil {
		log.Printf("worker: velocity check for %s: %v, allowing send", tenantID, err)
		return true
	}
	if !allowed {
		telemetry.VelocityRejects.Inc()
	}
	return allowed
}

func previewOf(p models.TaskPayload) string {
	switch {
	case p.CallScript != "":
		return models.TruncatePreview(p.CallScript)
	case p.Subject != "":
		return models.TruncatePreview(fmt.Sprintf("[%s] %s", p.Subject, p.Body))
	default:
		return models.TruncatePreview(p.Body)
	}
}

func (e *Executor) dueBatch() int {
	if e.cfg.DueBatchSize > 0 {
		return e.cfg.DueBatchSize
	}
	return 100
}

func (e *Executor) leaseTTL() time.Duration {
	if e.cfg.TaskLeaseTTL > 0 {
		return e.cfg.TaskLeaseTTL
	}
	return 2 * time.Minute
}

func (e *Executor) retryBackoff() time.Duration {
	if e.cfg.RetryBackoff > 0 {
		return e.cfg.RetryBackoff
	}
	return 5 * time.Minute
}

func (e *Executor) sendTimeout() time.Duration {
	if e.cfg.SendTimeout > 0 {
		return e.cfg.SendTimeout
	}
	return 30 * time.Second
}

func (e *Executor) sessionWindow() time.Duration {
	if e.cfg.SessionWindow > 0 {
		return e.cfg.SessionWindow
	}
	return 24 * time.Hour
}
