// Package metrics exposes Prometheus collectors for scans.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "github.com/prometheus/client_golang/prometheus/promhttp/zstd"

	"github.com/AAVision/rasp-scanner/report"
)

const namespace = "rasp"

// Metrics holds all the Prometheus metrics for the scanner. A nil *Metrics
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ScansTotal         prometheus.Counter
	AbnormalScansTotal prometheus.Counter
	FindingsTotal      *prometheus.CounterVec
	InconclusiveTotal  *prometheus.CounterVec
	IntegrityVerdicts  *prometheus.CounterVec
	ScanDuration       prometheus.Histogram
}

// New creates the collectors on a registry of their own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of scans run",
		}),
		AbnormalScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abnormal_scans_total",
			Help:      "Total number of scans with at least one detection",
		}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Total number of detections by check",
		}, []string{"check"}),
		InconclusiveTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inconclusive_total",
			Help:      "Total number of checks that could not complete",
		}, []string{"check"}),
		IntegrityVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_verdicts_total",
			Help:      "Module integrity outcomes by status",
		}, []string{"status"}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time taken by a full scan",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

// ObserveReport records a finished scan.
func (m *Metrics) ObserveReport(r *report.Report) {
	if m == nil || r == nil {
		return
	}

	m.ScansTotal.Inc()
	if r.Abnormal {
		m.AbnormalScansTotal.Inc()
	}
	m.ScanDuration.Observe(r.Duration.Seconds())

	for _, c := range r.Checks {
		switch c.Outcome {
		case report.Detected:
			m.FindingsTotal.WithLabelValues(c.Name).Inc()
		case report.Inconclusive:
			m.InconclusiveTotal.WithLabelValues(c.Name).Inc()
		}
	}
}

// ObserveIntegrity counts one module verdict ("clean", "tampered" or
// "inconclusive").
func (m *Metrics) ObserveIntegrity(status string) {
	if m == nil {
		return
	}
	m.IntegrityVerdicts.WithLabelValues(status).Inc()
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
