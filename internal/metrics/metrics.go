// Package metrics exposes Prometheus metrics for session lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the console.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Agent metrics
	AgentJoinLatency      prometheus.Histogram
	AgentStateTransitions *prometheus.CounterVec
	WatchdogTimeouts      *prometheus.CounterVec

	// Timeline metrics
	TimelineChanges *prometheus.CounterVec
	ChatSends       *prometheus.CounterVec

	// Gateway metrics
	RateLimitHits  prometheus.Counter
	ArchiveDeleted prometheus.Counter
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_console"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open session windows",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of ended sessions by outcome",
		},
		[]string{"outcome"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session window duration in seconds",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	agentJoinLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_join_latency_seconds",
			Help:      "Time from session start until the agent became available",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
		},
	)

	agentStateTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Agent state changes by target state",
		},
		[]string{"state"},
	)

	watchdogTimeouts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_timeouts_total",
			Help:      "Sessions aborted because the agent never became available",
		},
		[]string{"reason"},
	)

	timelineChanges := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeline_changes_total",
			Help:      "Timeline inserts and revisions by origin",
		},
		[]string{"origin", "change"},
	)

	chatSends := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_sends_total",
			Help:      "Outbound chat sends by result",
		},
		[]string{"result"},
	)

	rateLimitHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Chat sends rejected by the rate limiter",
		},
	)

	archiveDeleted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_sessions_deleted_total",
			Help:      "Archived sessions removed by the retention sweep",
		},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		agentJoinLatency,
		agentStateTransitions,
		watchdogTimeouts,
		timelineChanges,
		chatSends,
		rateLimitHits,
		archiveDeleted,
	)

	return &Metrics{
		registry:              registry,
		SessionsActive:        sessionsActive,
		SessionsTotal:         sessionsTotal,
		SessionDuration:       sessionDuration,
		AgentJoinLatency:      agentJoinLatency,
		AgentStateTransitions: agentStateTransitions,
		WatchdogTimeouts:      watchdogTimeouts,
		TimelineChanges:       timelineChanges,
		ChatSends:             chatSends,
		RateLimitHits:         rateLimitHits,
		ArchiveDeleted:        archiveDeleted,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionStart records a window opening.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a window closing.
func (m *Metrics) RecordSessionEnd(outcome string, duration, joinLatency time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if joinLatency > 0 {
		m.AgentJoinLatency.Observe(joinLatency.Seconds())
	}
}

// RecordAgentState records an agent state change.
func (m *Metrics) RecordAgentState(state string) {
	m.AgentStateTransitions.WithLabelValues(state).Inc()
}

// RecordWatchdogTimeout records a watchdog abort.
func (m *Metrics) RecordWatchdogTimeout(reason string) {
	m.WatchdogTimeouts.WithLabelValues(reason).Inc()
}

// RecordTimelineChange records a timeline insert or revision.
func (m *Metrics) RecordTimelineChange(origin, change string) {
	m.TimelineChanges.WithLabelValues(origin, change).Inc()
}

// RecordChatSend records an outbound chat send.
func (m *Metrics) RecordChatSend(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ChatSends.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rejected send.
func (m *Metrics) RecordRateLimitHit() {
	m.RateLimitHits.Inc()
}

// RecordArchiveSweep records sessions removed by retention.
func (m *Metrics) RecordArchiveSweep(deleted int64) {
	if deleted > 0 {
		m.ArchiveDeleted.Add(float64(deleted))
	}
}
