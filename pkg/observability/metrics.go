// Package observability provides Prometheus metrics, health checks and the
// HTTP endpoints that expose them for the agentcore runtime.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_session_saves_total",
			Help: "Total number of session save attempts",
		},
		[]string{"status"},
	)

	sessionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_session_conflicts_total",
			Help: "Total number of optimistic-lock conflicts",
		},
	)

	sessionsCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_sessions_cleaned_total",
			Help: "Total number of expired sessions deleted by sweeps",
		},
	)

	// Event bus metrics
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"topic", "priority"},
	)

	eventFanoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcore_event_fanout_duration_seconds",
			Help:    "Publish-to-fan-out-complete latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"topic"},
	)

	handlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_event_handler_failures_total",
			Help: "Total number of event handler errors and panics",
		},
		[]string{"topic"},
	)

	latencyAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_event_latency_alerts_total",
			Help: "Total number of p95 fan-out latency alerts",
		},
	)

	// Health monitor metrics
	agentStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_agent_state_transitions_total",
			Help: "Total number of agent health state transitions",
		},
		[]string{"state"},
	)

	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_agent_recoveries_total",
			Help: "Total number of agent recovery attempts",
		},
		[]string{"strategy", "status"},
	)

	degradationMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcore_degradation_mode",
			Help: "1 while fleet-wide graceful degradation is active",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all agentcore metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionSavesTotal,
			sessionConflictsTotal,
			sessionsCleanedTotal,
			eventsPublishedTotal,
			eventFanoutDuration,
			handlerFailuresTotal,
			latencyAlertsTotal,
			agentStateTransitionsTotal,
			recoveriesTotal,
			degradationMode,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionSave records a session save attempt.
func RecordSessionSave(status string) {
	sessionSavesTotal.WithLabelValues(status).Inc()
}

// RecordSessionConflict records an optimistic-lock conflict.
func RecordSessionConflict() {
	sessionConflictsTotal.Inc()
}

// RecordSessionsCleaned records expired sessions deleted by a sweep.
func RecordSessionsCleaned(n int) {
	sessionsCleanedTotal.Add(float64(n))
}

// RecordEventPublish records a published event and its fan-out latency.
func RecordEventPublish(topic, priority string, duration time.Duration) {
	eventsPublishedTotal.WithLabelValues(topic, priority).Inc()
	eventFanoutDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordHandlerFailure records an event handler error or panic.
func RecordHandlerFailure(topic string) {
	handlerFailuresTotal.WithLabelValues(topic).Inc()
}

// RecordLatencyAlert records a p95 latency alert.
func RecordLatencyAlert() {
	latencyAlertsTotal.Inc()
}

// RecordAgentStateTransition records an agent entering a health state.
func RecordAgentStateTransition(state string) {
	agentStateTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordRecovery records an agent recovery attempt outcome.
func RecordRecovery(strategy, status string) {
	recoveriesTotal.WithLabelValues(strategy, status).Inc()
}

// SetDegradationMode reflects whether fleet degradation is active.
func SetDegradationMode(active bool) {
	if active {
		degradationMode.Set(1)
	} else {
		degradationMode.Set(0)
	}
}
