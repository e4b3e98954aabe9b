// ABOUTME: Prometheus metrics for the cluster coordination runtime.
// ABOUTME: Exposed on the coordinator HTTP server when metrics are enabled.

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ConnectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsemesh",
			Name:      "connected_agents",
			Help:      "Number of agents with a live transport link.",
		},
	)

	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsemesh",
			Name:      "messages_routed_total",
			Help:      "Envelopes processed by the coordinator, by kind.",
		},
		[]string{"kind"},
	)

	PublishFanout = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsemesh",
			Name:      "publish_deliveries_total",
			Help:      "Per-subscriber deliveries produced by publish fan-out.",
		},
	)

	BackpressureDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsemesh",
			Name:      "backpressure_drops_total",
			Help:      "Envelopes dropped from a subscriber's outbound queue.",
		},
		[]string{"agent_id"},
	)

	PendingInvokes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsemesh",
			Name:      "pending_invokes",
			Help:      "ToolCalls awaiting a ToolResult or timeout.",
		},
	)

	LivenessTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsemesh",
			Name:      "liveness_transitions_total",
			Help:      "Membership state transitions, by resulting status.",
		},
		[]string{"status"},
	)

	ReplaysDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsemesh",
			Name:      "replays_dropped_total",
			Help:      "Duplicate envelopes discarded by the replay filter.",
		},
	)
)

func init() {
	Registry.MustRegister(
		ConnectedAgents,
		MessagesRouted,
		PublishFanout,
		BackpressureDrops,
		PendingInvokes,
		LivenessTransitions,
		ReplaysDropped,
	)
}

// Handler exposes the metrics endpoint. Mount it with
// mux.Handle(path, telemetry.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
