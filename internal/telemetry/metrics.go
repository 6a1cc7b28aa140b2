// Package telemetry holds the Prometheus collectors and OpenTelemetry setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "txguard"

// Metrics are the collectors the pipeline and server update.
type Metrics struct {
	Audits           *prometheus.CounterVec
	AuditErrors      *prometheus.CounterVec
	Attempts         prometheus.Histogram
	Retries          *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ForkLeases       prometheus.Gauge
	AdmissionRejects *prometheus.CounterVec
	StoreErrors      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_total",
			Help:      "Completed audits by disposition.",
		}, []string{"disposition", "incomplete"}),
		AuditErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_errors_total",
			Help:      "Audits that ended without an attested record, by error code.",
		}, []string{"code"}),
		Attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts_per_audit",
			Help:      "Simulation attempts recorded per audit.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Reflection retries by strategy.",
		}, []string{"strategy"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}),
		ForkLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fork_leases_in_use",
			Help:      "Fork handles currently leased.",
		}),
		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected by the admission chain, by filter.",
		}, []string{"filter"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Records that could not be persisted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Audits, m.AuditErrors, m.Attempts, m.Retries,
			m.StageDuration, m.ForkLeases, m.AdmissionRejects, m.StoreErrors)
	}
	return m
}
