// Package api exposes the HTTP surface: manual cycle triggers, task retry
// and send-now, the aggregated activity feed, and template sync.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/orchestrator"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
	"outreach-orchestrator/internal/timeline"
)

// CycleRunner triggers one outreach cycle for a tenant.
type CycleRunner interface {
	RunCycle(ctx context.Context, tenantID string) (orchestrator.CycleResult, error)
}

// TaskRunner executes a scheduled task immediately.
type TaskRunner interface {
	ExecuteNow(ctx context.Context, taskID string) (models.ScheduledTask, error)
}

// TaskStore is the persistence slice the handlers read and write.
type TaskStore interface {
	GetScheduledTask(ctx context.Context, id string) (models.ScheduledTask, error)
	RetryScheduledTask(ctx context.Context, id string, runAt time.Time) (models.ScheduledTask, error)
	ListActivityEvents(ctx context.Context, tenantID string, from, to *time.Time) ([]models.ActivityEvent, error)
}

// TaskQueue registers retried tasks for execution.
type TaskQueue interface {
	Schedule(ctx context.Context, taskID string, runAt time.Time) error
}

// TemplateSyncer mirrors provider template approval state.
type TemplateSyncer interface {
	Sync(ctx context.Context, tenantID string) (int, error)
}

// Server wires HTTP handlers for the orchestrator API.
type Server struct {
	cfg    config.Config
	store  TaskStore
	queue  TaskQueue
	runner CycleRunner
	tasks  TaskRunner
	syncer TemplateSyncer
}

// New constructs the API server.
func New(cfg config.Config, st TaskStore, q TaskQueue, runner CycleRunner, tasks TaskRunner, syncer TemplateSyncer) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		queue:  q,
		runner: runner,
		tasks:  tasks,
		syncer: syncer,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/outreach/tenants/{tenantID}/run", s.handleRunCycle)
	r.Post("/outreach/messages/{id}/retry", s.handleRetry)
	r.Post("/outreach/messages/{id}/send-now", s.handleSendNow)
	r.Get("/outreach/activity", s.handleActivity)
	r.Post("/templates/sync", s.handleTemplateSync)
	return r
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	res, err := s.runner.RunCycle(r.Context(), tenantID)
	switch {
	case errors.Is(err, orchestrator.ErrSweepInProgress):
		http.Error(w, "a sweep is already running for this tenant", http.StatusConflict)
		return
	case errors.Is(err, orchestrator.ErrOutreachDisabled):
		http.Error(w, "outreach is disabled for this tenant", http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.RetryScheduledTask(r.Context(), id, time.Now())
	if errors.Is(err, store.ErrTaskNotRetryable) {
		http.Error(w, "task is not failed or has exhausted its attempts", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Schedule(r.Context(), task.ID, task.RunAt); err != nil {
		http.Error(w, "failed to register retry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.tasks.ExecuteNow(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotRetryable) {
		http.Error(w, "task is not in a sendable state", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenantId")
	if tenantID == "" {
		http.Error(w, "tenantId is required", http.StatusBadRequest)
		return
	}

	from, err := parseDate(q.Get("dateFrom"), false)
	if err != nil {
		http.Error(w, "invalid dateFrom", http.StatusBadRequest)
		return
	}
	to, err := parseDate(q.Get("dateTo"), true)
	if err != nil {
		http.Error(w, "invalid dateTo", http.StatusBadRequest)
		return
	}

	events, err := s.store.ListActivityEvents(r.Context(), tenantID, from, to)
	if err != nil {
		http.Error(w, "failed to load activity", http.StatusInternalServerError)
		return
	}

	page := timeline.Aggregate(events, timeline.Filter{
		Status:   q.Get("filter"),
		AgentID:  q.Get("agentId"),
		Search:   q.Get("search"),
		DateFrom: from,
		DateTo:   to,
		Page:     intParam(q.Get("page"), 1),
		PageSize: s.pageSize(q.Get("pageSize")),
	})
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTemplateSync(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		http.Error(w, "tenantId is required", http.StatusBadRequest)
		return
	}
	n, err := s.syncer.Sync(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": n})
}

func (s *Server) pageSize(raw string) int {
	size := intParam(raw, s.cfg.DefaultPageSize)
	if size < 1 {
		size = s.cfg.DefaultPageSize
	}
	if s.cfg.MaxPageSize > 0 && size > s.cfg.MaxPageSize {
		size = s.cfg.MaxPageSize
	}
	return size
}

// parseDate accepts RFC3339 or plain dates. A plain end date covers the whole
// day.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
