// Package metrics provides Prometheus metrics for taskpilot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	EventsTotal             *prometheus.CounterVec
	SessionsTotal           *prometheus.CounterVec
	SessionDuration         *prometheus.HistogramVec
	ProjectsActive          prometheus.Gauge
	SubscriptionState       prometheus.Gauge
	SubscriptionReconnects  *prometheus.CounterVec
	TriggerTasksTotal       *prometheus.CounterVec
	TriggerQueueDepth       prometheus.Gauge
	SideEffectFailuresTotal *prometheus.CounterVec
	ControlRequestsTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_events_total",
				Help: "Stream events applied, by step.",
			},
			[]string{"step"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_sessions_total",
				Help: "Streaming sessions by mode and result.",
			},
			[]string{"mode", "result"},
		),
		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpilot_session_duration_seconds",
				Help:    "Streaming session duration by mode.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"mode"},
		),
		ProjectsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskpilot_projects",
				Help: "Projects held in the registry.",
			},
		),
		SubscriptionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskpilot_subscription_state",
				Help: "Execution subscription state (0=disconnected, 1=connecting, 2=connected, 3=unhealthy).",
			},
		),
		SubscriptionReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_subscription_reconnects_total",
				Help: "Reconnect attempts by result.",
			},
			[]string{"result"},
		),
		TriggerTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_trigger_tasks_total",
				Help: "Trigger queue transitions by event.",
			},
			[]string{"event"},
		),
		TriggerQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskpilot_trigger_queue_depth",
				Help: "Triggered tasks waiting in the queue.",
			},
		),
		SideEffectFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_side_effect_failures_total",
				Help: "Best-effort side effects that failed, by kind.",
			},
			[]string{"kind"},
		),
		ControlRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_control_requests_total",
				Help: "Control API requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.EventsTotal,
		m.SessionsTotal,
		m.SessionDuration,
		m.ProjectsActive,
		m.SubscriptionState,
		m.SubscriptionReconnects,
		m.TriggerTasksTotal,
		m.TriggerQueueDepth,
		m.SideEffectFailuresTotal,
		m.ControlRequestsTotal,
	)

	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent counts one applied stream event.
func (m *Metrics) RecordEvent(step string) {
	m.EventsTotal.WithLabelValues(step).Inc()
}

// RecordSession counts a finished session and observes its duration.
func (m *Metrics) RecordSession(mode, result string, d time.Duration) {
	m.SessionsTotal.WithLabelValues(mode, result).Inc()
	m.SessionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// SetProjects sets the project gauge.
func (m *Metrics) SetProjects(n int) {
	m.ProjectsActive.Set(float64(n))
}

// SetSubscriptionState sets the channel state gauge.
func (m *Metrics) SetSubscriptionState(v int) {
	m.SubscriptionState.Set(float64(v))
}

// RecordReconnect counts a reconnect attempt outcome.
func (m *Metrics) RecordReconnect(result string) {
	m.SubscriptionReconnects.WithLabelValues(result).Inc()
}

// RecordTrigger counts a trigger queue transition.
func (m *Metrics) RecordTrigger(event string) {
	m.TriggerTasksTotal.WithLabelValues(event).Inc()
}

// SetTriggerQueueDepth sets the queued trigger count.
func (m *Metrics) SetTriggerQueueDepth(n int) {
	m.TriggerQueueDepth.Set(float64(n))
}

// RecordSideEffectFailure counts a swallowed best-effort failure.
func (m *Metrics) RecordSideEffectFailure(kind string) {
	m.SideEffectFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordControlRequest counts a control API request.
func (m *Metrics) RecordControlRequest(route, status string) {
	m.ControlRequestsTotal.WithLabelValues(route, status).Inc()
}
