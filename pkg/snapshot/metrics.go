package snapshot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "snapvault"

// Metrics records snapshot activity. A nil *Metrics discards everything.
type Metrics struct {
	operations        *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	tableReadFailures *prometheus.CounterVec
	restoredRows      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Snapshot operations by kind and outcome.",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in snapshot operations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"operation"}),
		tableReadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "table_read_failures_total",
			Help:      "Tables stored empty because they could not be read.",
		}, []string{"table"}),
		restoredRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restored_rows_total",
			Help:      "Rows written by committed restores.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.tableReadFailures, m.restoredRows)
	}
	return m
}

func (m *Metrics) observe(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) tableReadFailed(table string) {
	if m == nil {
		return
	}
	m.tableReadFailures.WithLabelValues(table).Inc()
}

func (m *Metrics) rowsRestored(n int) {
	if m == nil {
		return
	}
	m.restoredRows.Add(float64(n))
}
