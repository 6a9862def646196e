package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Domain metrics for the conversation pipeline. Labels are small closed sets
// (outcome kinds, run statuses, event types) so cardinality stays bounded.
var (
	// Orchestrations counts finished orchestrator invocations by outcome
	// (replied, queued, cancelled, failed, duplicate).
	Orchestrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linebot_orchestrations_total",
			Help: "Orchestrator invocations by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// OrchestrationDuration observes wall time per invocation in seconds.
	OrchestrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linebot_orchestration_duration_seconds",
			Help:    "Duration of orchestrator invocations in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 12, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	// AssistantRuns counts assistant runs by terminal status
	// (completed, cancelled, failed, timeout, error).
	AssistantRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linebot_assistant_runs_total",
			Help: "Assistant runs by terminal status.",
		},
		[]string{"status"},
	)

	// AssistantPolls observes how many status polls a run needed.
	AssistantPolls = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "linebot_assistant_poll_attempts",
			Help:    "Status polls per assistant run.",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		},
	)

	// WebhookEvents counts decoded webhook events by type and handling result
	// (dispatched, duplicate, ignored).
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linebot_webhook_events_total",
			Help: "Webhook events by type and handling result.",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(Orchestrations, OrchestrationDuration, AssistantRuns, AssistantPolls, WebhookEvents)
}
