package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors shared across the daemon. Registered once on the
// default registry and exposed via /metrics.
var (
	BridgeAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "askbridge_bridge_agents",
		Help: "Currently registered bridge agents.",
	})

	BridgeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "askbridge_bridge_queue_depth",
		Help: "Bridge tasks waiting to be picked up by an agent poll.",
	})

	BridgeTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askbridge_bridge_tasks_total",
		Help: "Bridge tasks by terminal outcome.",
	}, []string{"outcome"})

	DiscoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askbridge_discovery_runs_total",
		Help: "Tool discovery runs by path and outcome.",
	}, []string{"path", "outcome"})

	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "askbridge_discovery_duration_seconds",
		Help:    "Wall-clock duration of discovery runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	QueryTurns = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "askbridge_query_turns",
		Help:    "LLM turns consumed per query.",
		Buckets: prometheus.LinearBuckets(1, 1, 12),
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askbridge_tool_calls_total",
		Help: "Tool calls executed during queries, by route and outcome.",
	}, []string{"route", "outcome"})
)
