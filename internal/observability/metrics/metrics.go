package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Metrics aggregates the prometheus collectors used across the service.
type Metrics struct {
	paymentEvents          *prometheus.CounterVec
	duplicateNotifications *prometheus.CounterVec
	signatureFailures      *prometheus.CounterVec
	creditDebits           prometheus.Counter
	creditCredits          prometheus.Counter
	sweepRuns              *prometheus.CounterVec
	sweepDuration          *prometheus.HistogramVec
}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		paymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kredo_payment_events_total",
			Help: "Payment notifications processed, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		duplicateNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kredo_payment_duplicate_notifications_total",
			Help: "Notifications acknowledged for already-terminal payments.",
		}, []string{"provider"}),
		signatureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kredo_payment_signature_failures_total",
			Help: "Webhook payloads rejected for invalid or stale signatures.",
		}, []string{"provider"}),
		creditDebits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kredo_credit_debits_total",
			Help: "Usage debits applied to user balances.",
		}),
		creditCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kredo_credit_credits_total",
			Help: "Payment credits applied to user balances.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kredo_sweep_runs_total",
			Help: "Sweep job executions, by job name.",
		}, []string{"job"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kredo_sweep_duration_seconds",
			Help:    "Sweep job execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
	reg.MustRegister(
		m.paymentEvents,
		m.duplicateNotifications,
		m.signatureFailures,
		m.creditDebits,
		m.creditCredits,
		m.sweepRuns,
		m.sweepDuration,
	)
	return m
}

func (m *Metrics) RecordPaymentEvent(provider, outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordDuplicateNotification(provider string) {
	if m == nil {
		return
	}
	m.duplicateNotifications.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordSignatureFailure(provider string) {
	if m == nil {
		return
	}
	m.signatureFailures.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordDebit() {
	if m == nil {
		return
	}
	m.creditDebits.Inc()
}

func (m *Metrics) RecordCredit() {
	if m == nil {
		return
	}
	m.creditCredits.Inc()
}

func (m *Metrics) RecordSweepRun(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(job).Inc()
	m.sweepDuration.WithLabelValues(job).Observe(d.Seconds())
}

func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

var Module = fx.Module("observability.metrics",
	fx.Provide(NewRegistry),
	fx.Provide(New),
)
