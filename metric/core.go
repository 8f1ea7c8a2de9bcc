package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core pipeline metrics shared by the broker, the
// publishers and the result store.
type Metrics struct {
	// Broker metrics
	TasksQueued       prometheus.Gauge
	TasksExecuted     *prometheus.CounterVec
	TasksPurged       prometheus.Counter
	TasksRequeued     prometheus.Counter
	AdmissionPriority prometheus.Gauge
	BrokerDisabled    prometheus.Gauge
	ScriptDuration    prometheus.Histogram

	// Publisher metrics
	DataPushed     *prometheus.CounterVec
	BatchesFlushed *prometheus.CounterVec
	PullErrors     *prometheus.CounterVec

	// Result store metrics
	StoreWrites  *prometheus.CounterVec
	StoreErrors  *prometheus.CounterVec
	StoreEvicted prometheus.Counter
	InterimDirty prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all core pipeline metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartelemetry",
			Subsystem: "broker",
			Name:      "tasks_queued",
			Help:      "Current number of tasks in the scheduling queue",
		}),
		TasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "broker",
			Name:      "tasks_executed_total",
			Help:      "Total script execution tasks completed",
		}, []string{"outcome"}),
		TasksPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "broker",
			Name:      "tasks_purged_total",
			Help:      "Total tasks removed because their config was removed",
		}),
		TasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "broker",
			Name:      "tasks_requeued_total",
			Help:      "Total tasks re-enqueued after a transient runner failure",
		}),
		AdmissionPriority: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartelemetry",
			Subsystem: "broker",
			Name:      "admission_priority",
			Help:      "Current admission priority threshold",
		}),
		BrokerDisabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartelemetry",
			Subsystem: "broker",
			Name:      "disabled",
			Help:      "1 when the broker entered its terminal disabled state",
		}),
		ScriptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cartelemetry",
			Subsystem: "broker",
			Name:      "script_duration_seconds",
			Help:      "Wall time of script executions",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		DataPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "publisher",
			Name:      "data_pushed_total",
			Help:      "Total payload records fanned out to subscribers",
		}, []string{"publisher"}),
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "publisher",
			Name:      "batches_flushed_total",
			Help:      "Total batching windows closed and delivered",
		}, []string{"publisher"}),
		PullErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "publisher",
			Name:      "pull_errors_total",
			Help:      "Total failed pulls from underlying signal sources",
		}, []string{"publisher"}),

		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Total result records written to disk",
		}, []string{"kind"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total soft disk failures in the result store",
		}, []string{"operation"}),
		StoreEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cartelemetry",
			Subsystem: "store",
			Name:      "evicted_total",
			Help:      "Total stale result records evicted by retention",
		}),
		InterimDirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartelemetry",
			Subsystem: "store",
			Name:      "interim_dirty",
			Help:      "Interim records awaiting a flush to disk",
		}),
	}
}

// collectors returns every core metric for bulk registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TasksQueued,
		m.TasksExecuted,
		m.TasksPurged,
		m.TasksRequeued,
		m.AdmissionPriority,
		m.BrokerDisabled,
		m.ScriptDuration,
		m.DataPushed,
		m.BatchesFlushed,
		m.PullErrors,
		m.StoreWrites,
		m.StoreErrors,
		m.StoreEvicted,
		m.InterimDirty,
	}
}
