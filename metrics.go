package drivermgr

import "github.com/prometheus/client_golang/prometheus"

// Bind outcome labels
const (
	bindStarted  = "started"
	bindPending  = "pending"
	bindOrphaned = "orphaned"
	bindLegacy   = "legacy"
)

type runnerMetrics struct {
	nodes         prometheus.Gauge
	orphans       prometheus.Gauge
	driverHosts   prometheus.Gauge
	pendingStarts prometheus.Gauge
	binds         *prometheus.CounterVec
	starts        *prometheus.CounterVec
}

func newRunnerMetrics(reg prometheus.Registerer) *runnerMetrics {
	m := &runnerMetrics{
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driver_manager",
			Name:      "nodes",
			Help:      "Nodes currently in the device tree.",
		}),
		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driver_manager",
			Name:      "orphan_nodes",
			Help:      "Nodes waiting for a driver.",
		}),
		driverHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driver_manager",
			Name:      "driver_hosts",
			Help:      "Connected driver hosts.",
		}),
		pendingStarts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driver_manager",
			Name:      "pending_driver_starts",
			Help:      "Driver components created but not yet started.",
		}),
		binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driver_manager",
			Name:      "bind_results_total",
			Help:      "Bind attempts by outcome.",
		}, []string{"result"}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driver_manager",
			Name:      "driver_starts_total",
			Help:      "Driver components requested by collection.",
		}, []string{"collection"}),
	}
	if reg != nil {
		reg.MustRegister(m.nodes, m.orphans, m.driverHosts, m.pendingStarts, m.binds, m.starts)
	}
	return m
}
