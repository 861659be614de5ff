package rtcore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the prometheus surface shared by the Pool Manager, the
// Signal Controller and the HA subsystem.
type Metrics struct {
	WorkersSpawned    prometheus.Counter
	WorkersKilled     prometheus.Counter
	SignalDeliveries  *prometheus.CounterVec
	HAEvents          *prometheus.CounterVec
	SupervisorErrors  prometheus.Counter
}

// NewMetrics registers and returns the metric set on the given
// registerer. Pass prometheus.DefaultRegisterer in production, or a
// fresh prometheus.NewRegistry() in tests that need isolation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkersSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtcore_pool_workers_spawned_total",
			Help: "Total number of worker processes spawned by the pool manager.",
		}),
		WorkersKilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtcore_pool_workers_killed_total",
			Help: "Total number of worker processes killed by the pool manager.",
		}),
		SignalDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcore_signal_deliveries_total",
			Help: "Total number of signal deliveries fanned out to waiters, by signal name.",
		}, []string{"signal"}),
		HAEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtcore_ha_events_total",
			Help: "Total number of HA state-machine events, by watcher tag and event name.",
		}, []string{"watcher", "event"}),
		SupervisorErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtcore_supervisor_child_errors_total",
			Help: "Total number of child task failures observed by task supervisors.",
		}),
	}
}

// RecordHAEvent satisfies pkg/ha.EventRecorder so an *AdaptiveWatcher
// can report state-machine events without pkg/ha importing this package.
func (m *Metrics) RecordHAEvent(tag, event string) {
	m.HAEvents.WithLabelValues(tag, event).Inc()
}
