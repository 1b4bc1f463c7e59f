// Package metrics registers the controller's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sprintline"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
//
// Metrics:
//   - sprintline_handoffs_total{role}
//   - sprintline_verdicts_total{role,interpretation}
//   - sprintline_escalations_total{reason}
//   - sprintline_handler_retries_total{role}
//   - sprintline_handler_duration_seconds{role,outcome}
//   - sprintline_phase_transitions_total{phase}
type Metrics struct {
	Registry *prometheus.Registry

	Handoffs        *prometheus.CounterVec
	Verdicts        *prometheus.CounterVec
	Escalations     *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	Phases          *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Persisted hand-offs, labeled by the role that produced them.",
		}, []string{"role"}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Scoring gate verdicts by verifier role and interpretation.",
		}, []string{"role", "interpretation"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Issues escalated to a human.",
		}, []string{"reason"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_retries_total",
			Help:      "Transient handler failures that were retried.",
		}, []string{"role"}),
		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Role handler call duration including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"role", "outcome"}),
		Phases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Epic phase entries.",
		}, []string{"phase"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Handoff(role string) {
	if m == nil {
		return
	}
	m.Handoffs.WithLabelValues(role).Inc()
}

func (m *Metrics) Verdict(role, interpretation string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(role, interpretation).Inc()
}

func (m *Metrics) Escalation(reason string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) Retry(role string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveHandler(role, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(role, outcome).Observe(d.Seconds())
}

func (m *Metrics) Phase(phase string) {
	if m == nil {
		return
	}
	m.Phases.WithLabelValues(phase).Inc()
}
