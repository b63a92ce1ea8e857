// Package metrics exposes prometheus health signals for the accounting
// batch jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// SnapshotMetrics tracks snapshot/burn-rate worker runs.
type SnapshotMetrics struct {
	runTotal        *prometheus.CounterVec
	runDuration     prometheus.Histogram
	sourceErrors    *prometheus.CounterVec
	thresholdEvents *prometheus.CounterVec
	computeUsed     *prometheus.GaugeVec
	burnRate        *prometheus.GaugeVec
}

func NewSnapshotMetrics(reg prometheus.Registerer) *SnapshotMetrics {
	m := &SnapshotMetrics{
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocd_snapshot_runs_total",
			Help: "Snapshot worker runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "allocd_snapshot_run_duration_seconds",
			Help:    "Wall-clock duration of a full snapshot run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocd_snapshot_source_errors_total",
			Help: "Per-source failures skipped during a snapshot run.",
		}, []string{"source"}),
		thresholdEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocd_threshold_events_total",
			Help: "Threshold-crossing events emitted.",
		}, []string{"threshold"}),
		computeUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "allocd_source_compute_used_hours",
			Help: "CPU-hours consumed against a source this renewal period.",
		}, []string{"source"}),
		burnRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "allocd_source_burn_rate_cpus",
			Help: "CPU cores currently active against a source.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.runTotal,
		m.runDuration,
		m.sourceErrors,
		m.thresholdEvents,
		m.computeUsed,
		m.burnRate,
	)
	return m
}

func (m *SnapshotMetrics) ObserveRun(outcome string, duration time.Duration) {
	m.runTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *SnapshotMetrics) IncSourceError(source string) {
	m.sourceErrors.WithLabelValues(source).Inc()
}

func (m *SnapshotMetrics) IncThresholdEvent(threshold string) {
	m.thresholdEvents.WithLabelValues(threshold).Inc()
}

func (m *SnapshotMetrics) SetSourceUsage(source string, computeUsed, burnRate float64) {
	m.computeUsed.WithLabelValues(source).Set(computeUsed)
	m.burnRate.WithLabelValues(source).Set(burnRate)
}

func newRegistry() (*prometheus.Registry, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	return reg, reg
}

// Module provides the process metrics registry and worker metrics.
var Module = fx.Module("observability.metrics",
	fx.Provide(newRegistry),
	fx.Provide(NewSnapshotMetrics),
	fx.Invoke(RegisterExposition),
)
