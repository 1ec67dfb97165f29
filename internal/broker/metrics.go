package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the broker. Registered on the default registerer so
// the observability listener's /metrics endpoint picks them up via promhttp.
var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_connections_total",
		Help: "Total number of control connections accepted",
	})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_connections_active",
		Help: "Current number of control connections",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_requests_total",
		Help: "Total requests processed by type and outcome",
	}, []string{"type", "outcome"})

	agentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_agents_active",
		Help: "Current number of registered agents",
	})

	agentsSpawnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_agents_spawned_total",
		Help: "Total agents spawned over the broker lifetime",
	})

	agentsExitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_agents_exited_total",
		Help: "Total agents that exited without an explicit release",
	})

	deliveriesEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_deliveries_enqueued_total",
		Help: "Total deliveries accepted into agent queues",
	})

	deliveriesTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_deliveries_terminal_total",
		Help: "Total deliveries reaching a terminal state, by state",
	}, []string{"state"})

	deliveryRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_delivery_retries_total",
		Help: "Total delivery re-enqueues after a failed injection attempt",
	})

	deliveryQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentmux_delivery_queue_depth",
		Help: "Current queued deliveries per agent",
	}, []string{"agent"})

	injectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentmux_injection_duration_seconds",
		Help:    "Time from injection start to verified echo",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	eventsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_events_published_total",
		Help: "Total events published on the broker bus",
	})

	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_events_dropped_total",
		Help: "Total events dropped on slow subscribers",
	})

	correlationsPendingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_correlations_pending",
		Help: "Current pending blocking-send correlations",
	})

	correlationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_correlations_total",
		Help: "Total completed correlations by outcome",
	}, []string{"outcome"})
)
