package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the session manager.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsByStatus  *prometheus.GaugeVec
	BootsTotal        *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StepDuration      *prometheus.HistogramVec
	EvictionsTotal    prometheus.Counter
	SweepDuration     prometheus.Histogram
	ActiveSandboxes   prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	SnapshotWrites    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "sessions",
				Help:      "Registered sessions by status.",
			},
			[]string{"status"},
		),

		BootsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "boots_total",
				Help:      "Sandbox boot attempts by backend and result.",
			},
			[]string{"backend", "result"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Settled run sequences by status and error kind.",
			},
			[]string{"status", "kind"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of run sequences from boot to settle.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"toolchain"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "step_duration_seconds",
				Help:      "Duration of boot, mount, install and build steps.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"step"},
		),

		EvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "evictions_total",
				Help:      "Sessions reclaimed by the eviction sweep.",
			},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of eviction sweeps.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
		),

		ActiveSandboxes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_sandboxes",
				Help:      "Sandboxes currently owned by a session.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "security_events_total",
				Help:      "Total security events detected in commands and output.",
			},
			[]string{"type"},
		),

		SnapshotWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "store",
				Name:      "snapshot_writes_total",
				Help:      "Snapshot writes by result.",
			},
			[]string{"result"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of a settled run's output log in bytes.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 9),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.SessionsByStatus,
		m.BootsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.StepDuration,
		m.EvictionsTotal,
		m.SweepDuration,
		m.ActiveSandboxes,
		m.SecurityEvents,
		m.SnapshotWrites,
		m.RequestsInFlight,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a settled run sequence.
func (m *Metrics) RecordExecution(toolchain, status, kind string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(status, kind).Inc()
	m.ExecutionDuration.WithLabelValues(toolchain).Observe(durationSec)
}

// RecordBoot records one boot attempt.
func (m *Metrics) RecordBoot(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BootsTotal.WithLabelValues(backend, result).Inc()
}

// RecordStep records the duration of one lifecycle step.
func (m *Metrics) RecordStep(step string, durationSec float64) {
	m.StepDuration.WithLabelValues(step).Observe(durationSec)
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// SetSessionCounts replaces the per-status session gauge.
func (m *Metrics) SetSessionCounts(counts map[string]int) {
	m.SessionsByStatus.Reset()
	for status, n := range counts {
		m.SessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
