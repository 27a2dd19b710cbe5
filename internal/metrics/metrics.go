// Package metrics provides Prometheus metrics for the panel.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Config sync metrics.
	SyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Config sync attempts by outcome.",
	}, []string{"result"}) // "ok", "config_missing", "validation_failed", "reload_failed", "error"
	SyncActiveUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Subsystem: "sync",
		Name:      "active_users",
		Help:      "Users written by the last successful sync.",
	})

	// Traffic collector metrics.
	CollectorCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "collector",
		Name:      "cycles_total",
		Help:      "Collector cycles by outcome.",
	}, []string{"result"}) // "ok", "skipped", "write_failed"
	CollectorTrackedConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Subsystem: "collector",
		Name:      "tracked_connections",
		Help:      "Connections held in the sample tracker after the last cycle.",
	})
	CollectorUserBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "collector",
		Name:      "user_bytes_total",
		Help:      "Bytes attributed to directory users.",
	})
	CollectorAttributionMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "collector",
		Name:      "attribution_misses_total",
		Help:      "Usage keys that matched no directory user.",
	})
	EgressBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "egress",
		Name:      "bytes_total",
		Help:      "Bytes observed per egress outbound.",
	}, []string{"egress", "direction"}) // "upload" or "download"

	// Tunnel health metrics.
	TunnelAlive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "panel",
		Subsystem: "tunnel",
		Name:      "alive",
		Help:      "Whether the last probe through the outbound succeeded (1) or not (0).",
	}, []string{"tag"})
	TunnelDelayMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "panel",
		Subsystem: "tunnel",
		Name:      "delay_ms",
		Help:      "Last measured or known probe delay through the outbound.",
	}, []string{"tag"})

	// Stats source breaker.
	StatsBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "panel",
		Subsystem: "statsapi",
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"name"})
	StatsRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "statsapi",
		Name:      "requests_total",
		Help:      "Breaker-guarded stats requests by outcome.",
	}, []string{"name", "result"}) // "success", "failure", "rejected"
)

func init() {
	prometheus.MustRegister(
		SyncTotal,
		SyncActiveUsers,

		CollectorCyclesTotal,
		CollectorTrackedConnections,
		CollectorUserBytesTotal,
		CollectorAttributionMisses,
		EgressBytesTotal,

		TunnelAlive,
		TunnelDelayMs,

		StatsBreakerState,
		StatsRequestsTotal,
	)
}
