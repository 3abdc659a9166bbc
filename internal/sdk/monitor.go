package sdk

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/status"
)

var phases = []v1alpha1.EnginePhase{
	v1alpha1.EnginePhaseUnknown,
	v1alpha1.EnginePhaseStopped,
	v1alpha1.EnginePhaseStarting,
	v1alpha1.EnginePhaseRunning,
	v1alpha1.EnginePhaseStopping,
	v1alpha1.EnginePhaseSaved,
}

// Monitor probes every registered engine on an interval and exports the
// results as Prometheus gauges.
type Monitor struct {
	sdk *Sdk
	log logr.Logger

	engines prometheus.Gauge
	phase   *prometheus.GaugeVec
	ready   *prometheus.GaugeVec
	lastRun prometheus.Gauge
}

// NewMonitor creates a Monitor and registers its collectors with reg.
func NewMonitor(s *Sdk, reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		sdk: s,
		log: s.log.WithName("monitor"),
		engines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anvil",
			Name:      "build_engines",
			Help:      "Number of registered build engines.",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anvil",
			Subsystem: "build_engine",
			Name:      "phase",
			Help:      "Phase of each build engine from the last probe; 1 for the current phase.",
		}, []string{"engine", "phase"}),
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anvil",
			Subsystem: "build_engine",
			Name:      "ready",
			Help:      "Whether the build engine VM was running at the last probe.",
		}, []string{"engine"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anvil",
			Subsystem: "build_engine",
			Name:      "last_probe_timestamp_seconds",
			Help:      "Unix time of the last completed probe round.",
		}),
	}
	reg.MustRegister(m.engines, m.phase, m.ready, m.lastRun)
	return m
}

// ProbeOnce probes every engine and updates the gauges. Series of engines
// that are no longer registered are dropped.
func (m *Monitor) ProbeOnce(ctx context.Context) []*v1alpha1.BuildEngine {
	described := m.sdk.DescribeAll(ctx)

	m.phase.Reset()
	m.ready.Reset()
	for _, be := range described {
		current := be.GetPhase()
		for _, p := range phases {
			value := 0.0
			if p == current {
				value = 1
			}
			m.phase.WithLabelValues(be.Name, string(p)).Set(value)
		}

		ready := 0.0
		if status.IsConditionTrue(be, v1alpha1.ConditionReady) {
			ready = 1
		}
		m.ready.WithLabelValues(be.Name).Set(ready)

		if current == v1alpha1.EnginePhaseUnknown {
			if cond := status.GetCondition(be, v1alpha1.ConditionReady); cond != nil {
				m.log.V(1).Info("probe inconclusive", "engine", be.Name, "reason", cond.Reason, "message", cond.Message)
			}
		}
	}
	m.engines.Set(float64(len(described)))
	m.lastRun.SetToCurrentTime()
	return described
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		described := m.ProbeOnce(ctx)
		m.log.V(1).Info("probe round complete", "engines", len(described))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
