// Package metrics exposes the scheduler's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the dispatcher updates every cycle.
type Metrics struct {
	TicksTotal        prometheus.Counter
	TickDuration      prometheus.Histogram
	TickErrors        prometheus.Counter
	AgentsRunning     prometheus.Gauge
	ProcessesRunning  prometheus.Gauge
	ProcessesStarted  prometheus.Counter
	EntriesScheduled  prometheus.Counter
	TasksScheduled    *prometheus.CounterVec
	OrphansDetected   prometheus.Counter
	AbortsProcessed   prometheus.Counter
	RecurringLaunched prometheus.Counter
}

// New registers the scheduler collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "labsched_ticks_total",
			Help: "Scheduling cycles completed.",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "labsched_tick_duration_seconds",
			Help:    "Wall time of one scheduling cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		TickErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "labsched_tick_errors_total",
			Help: "Scheduling cycles that returned an error.",
		}),
		AgentsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labsched_agents",
			Help: "Agents currently registered with the dispatcher.",
		}),
		ProcessesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labsched_processes",
			Help: "Worker processes currently running.",
		}),
		ProcessesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "labsched_processes_started_total",
			Help: "Worker processes admitted for launch.",
		}),
		EntriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "labsched_entries_scheduled_total",
			Help: "Queue entries assigned a host.",
		}),
		TasksScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labsched_special_tasks_scheduled_total",
			Help: "Special tasks handed to an agent, by kind.",
		}, []string{"kind"}),
		OrphansDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "labsched_orphan_processes_total",
			Help: "Orphaned worker processes found at recovery.",
		}),
		AbortsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "labsched_aborts_total",
			Help: "Abort requests delivered to agents.",
		}),
		RecurringLaunched: factory.NewCounter(prometheus.CounterOpts{
			Name: "labsched_recurring_runs_total",
			Help: "Jobs launched from recurring run schedules.",
		}),
	}
}

// NewUnregistered returns collectors on a private registry, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
