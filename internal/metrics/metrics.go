// Package metrics exposes Prometheus counters for the adherence engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RemindersSent     prometheus.Counter
	RemindersFailed   prometheus.Counter
	DosesLogged       *prometheus.CounterVec
	Escalations       prometheus.Counter
	EscalationsFailed prometheus.Counter
	ReportsSent       prometheus.Counter
	JobRuns           *prometheus.CounterVec
	JobSkips          *prometheus.CounterVec
	JobFailures       *prometheus.CounterVec
	PendingConfirms   prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "reminders_sent_total",
			Help:      "Dose reminders delivered to patients",
		}),
		RemindersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "reminders_failed_total",
			Help:      "Dose reminders that could not be delivered",
		}),
		DosesLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "doses_logged_total",
			Help:      "Adherence log entries written, by status",
		}, []string{"status"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "escalations_sent_total",
			Help:      "Caregiver alerts delivered",
		}),
		EscalationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "escalations_failed_total",
			Help:      "Caregiver alerts that could not be delivered",
		}),
		ReportsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "reports_sent_total",
			Help:      "Weekly adherence reports delivered",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions, by job name",
		}, []string{"job"}),
		JobSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "job_skips_total",
			Help:      "Scheduled job ticks skipped because the previous run was still active",
		}, []string{"job"}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medassist",
			Name:      "job_failures_total",
			Help:      "Scheduled job executions that returned an error",
		}, []string{"job"}),
		PendingConfirms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medassist",
			Name:      "pending_confirmations",
			Help:      "Proposals currently awaiting user confirmation",
		}),
	}

	m.registry.MustRegister(
		m.RemindersSent,
		m.RemindersFailed,
		m.DosesLogged,
		m.Escalations,
		m.EscalationsFailed,
		m.ReportsSent,
		m.JobRuns,
		m.JobSkips,
		m.JobFailures,
		m.PendingConfirms,
	)

	return m
}

// Handler returns the scrape endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
