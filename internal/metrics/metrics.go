// Package metrics — счётчики Prometheus сервиса эскалации.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "escalation"

type Metrics struct {
	Escalations            *prometheus.CounterVec
	ClassifierFallbacks    *prometheus.CounterVec
	Transitions            *prometheus.CounterVec
	Transfers              *prometheus.CounterVec
	RedistributionAssigned prometheus.Counter
	RedistributionBacklog  prometheus.Gauge
	ReconcileCorrections   prometheus.Counter
	EscalationDuration     prometheus.Histogram
	StorageRetries         prometheus.Counter
}

// New регистрирует метрики в reg. В тестах передаётся свой prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations by assigned priority and outcome (assigned, queued, replayed).",
		}, []string{"priority", "outcome"}),
		ClassifierFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_fallbacks_total",
			Help:      "Classifications that fell back to the lowest priority, by reason.",
		}, []string{"reason"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_transitions_total",
			Help:      "Committed ticket status transitions.",
		}, []string{"from", "to"}),
		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfer attempts by result (ok, stale_target, queued, rejected).",
		}, []string{"result"}),
		RedistributionAssigned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redistribution_assigned_total",
			Help:      "Backlog tickets assigned by the redistribution job.",
		}),
		RedistributionBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redistribution_backlog",
			Help:      "Escalated tickets left unassigned after the last redistribution pass.",
		}),
		ReconcileCorrections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_reconcile_corrections_total",
			Help:      "Agent load counters corrected by reconciliation.",
		}),
		EscalationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_duration_seconds",
			Help:      "End-to-end escalation latency including classification.",
			Buckets:   prometheus.DefBuckets,
		}),
		StorageRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Escalation commits retried after a transient storage error.",
		}),
	}
}

// Discard — метрики в одноразовом реестре (тесты, CLI-команды).
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
