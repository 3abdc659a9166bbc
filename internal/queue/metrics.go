package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbweber/anvil/internal/errdefs"
)

// Metrics exports queue activity to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	pending    prometheus.Gauge
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the queue collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anvil",
			Subsystem: "queue",
			Name:      "pending_operations",
			Help:      "Number of queued or running hypervisor operations.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anvil",
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Completed hypervisor operations by operation and result kind.",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anvil",
			Subsystem: "queue",
			Name:      "operation_duration_seconds",
			Help:      "Time spent running hypervisor operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
	}
	reg.MustRegister(m.pending, m.operations, m.duration)
	return m
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(res.Name, errdefs.Kind(res.Err)).Inc()
	m.duration.WithLabelValues(res.Name).Observe(res.Duration.Seconds())
}
