package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide Prometheus collectors. A single
// instance is constructed by the process host and threaded into the
// adapter and janitor, following the same "construct once, inject"
// rule as the provisioner registry.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	JanitorDeleted    prometheus.Counter
	JanitorTicks      prometheus.Counter
}

// NewMetrics registers the collectors against reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the global
// DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pg_statestore_operations_total",
			Help: "Count of state-store operations by kind and result.",
		}, []string{"op", "result"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pg_statestore_operation_duration_seconds",
			Help:    "Latency of state-store operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		JanitorDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pg_statestore_janitor_deleted_rows_total",
			Help: "Rows deleted by the TTL janitor.",
		}),
		JanitorTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "pg_statestore_janitor_ticks_total",
			Help: "Janitor tick invocations.",
		}),
	}
}

// ObserveOp records the outcome of a single adapter-level operation.
func (m *Metrics) ObserveOp(op, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(seconds)
}

// IncJanitorTick records one janitor tick invocation.
func (m *Metrics) IncJanitorTick() {
	if m == nil {
		return
	}
	m.JanitorTicks.Inc()
}

// AddJanitorDeleted records n rows deleted by the janitor.
func (m *Metrics) AddJanitorDeleted(n float64) {
	if m == nil {
		return
	}
	m.JanitorDeleted.Add(n)
}
