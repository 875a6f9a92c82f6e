// Package telemetry exposes Prometheus metrics for scheduler passes,
// notifications and transitions. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	passRuns      *prometheus.CounterVec
	passErrors    *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	unresolved    prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		passRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "pass_runs_total",
			Help:      "Scheduler passes executed, by pass.",
		}, []string{"pass"}),
		passErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "pass_item_errors_total",
			Help:      "Per-task failures collected by scheduler passes.",
		}, []string{"pass"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of scheduler passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pass"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "notifications_total",
			Help:      "Notifications attempted, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "transitions_total",
			Help:      "Task transitions applied, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "identity_unresolved_total",
			Help:      "Notifications skipped because no chat identity could be bound.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.passRuns, m.passErrors, m.passDuration, m.notifications, m.transitions, m.unresolved,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObservePass(pass string, took time.Duration, itemErrors int) {
	if m == nil {
		return
	}
	m.passRuns.WithLabelValues(pass).Inc()
	m.passDuration.WithLabelValues(pass).Observe(took.Seconds())
	if itemErrors > 0 {
		m.passErrors.WithLabelValues(pass).Add(float64(itemErrors))
	}
}

func (m *Metrics) Notification(topic string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) Transition(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "applied"
	if err != nil {
		outcome = "rejected"
	}
	m.transitions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IdentityUnresolved() {
	if m == nil {
		return
	}
	m.unresolved.Inc()
}
