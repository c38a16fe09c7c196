package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CyclesRun         = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_cycles_total", Help: "Outreach cycles executed"})
	CyclesEmpty       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_cycles_empty_total", Help: "Cycles with no eligible lead"})
	ActionsScheduled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_actions_scheduled_total", Help: "Attempts that produced a scheduled task"})
	ActionsSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_actions_sent_total", Help: "Attempts delivered successfully"})
	ActionsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_actions_failed_total", Help: "Attempts that failed"})
	ContentFallbacks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_content_fallbacks_total", Help: "Content generations that fell back to the default"})
	VelocityRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_velocity_rejects_total", Help: "Sends deferred by the velocity cap"})
	TaskQueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_task_queue_depth", Help: "Ready scheduled-task queue depth"})
	TasksInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_tasks_inflight", Help: "Scheduled tasks currently leased"})
	RecorderReplays   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_recorder_replays_total", Help: "Outcome records skipped as already applied"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CyclesRun,
			CyclesEmpty,
			ActionsScheduled,
			ActionsSent,
			ActionsFailed,
			ContentFallbacks,
			VelocityRejects,
			TaskQueueDepth,
			TasksInFlight,
			RecorderReplays,
		)
	})
	return promhttp.Handler()
}
