package migration

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Labels of the run result.
const (
	LabelCompleted   = "completed"
	LabelFailed      = "failed"
	LabelSkipped     = "skipped"
	LabelInProgress  = "in_progress"
	LabelInterrupted = "interrupted"
	LabelError       = "error"
)

// Labels of a document outcome.
const (
	LabelChanged   = "changed"
	LabelUnchanged = "unchanged"
)

// EngineMetrics holds metrics related to migration executions.
type EngineMetrics struct {
	Runs      *prometheus.CounterVec
	Documents *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewEngineMetrics creates the engine metrics. They are not registered.
func NewEngineMetrics() *EngineMetrics {
	const (
		namespace = "docmigrate"
		subsystem = "engine"
	)

	return &EngineMetrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Count of migration executions by result",
		}, []string{"version", "result"}),

		Documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "documents_total",
			Help:      "Count of documents processed by migrations by outcome",
		}, []string{"version", "result"}),

		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Histogram of times spent executing a migration over a collection",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 5, 9),
		}, []string{"version", "result"}),
	}
}

// PrometheusCollectors returns the collectors to register.
func (m *EngineMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Runs,
		m.Documents,
		m.Duration,
	}
}
