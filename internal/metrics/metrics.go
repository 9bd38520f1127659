// Package metrics provides Prometheus instrumentation for the Parley live
// chat service: connection and subscription gauges, event throughput
// counters, and broker delivery-failure tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SubscriptionsActive tracks the current number of open subscription
	// channels across all connections.
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_subscriptions_active",
		Help: "Current number of open subscription channels",
	})

	// EventsPublished counts broker publishes, labeled by event kind:
	// "presence", "typing-started", "typing-stopped", or "message".
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_published_total",
		Help: "Total number of events published to the broker",
	}, []string{"kind"})

	// DeliveryFailures counts events dropped because a subscriber could not
	// keep up. Drops are logged by the broker and never surfaced to publishers.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_delivery_failures_total",
		Help: "Total number of events dropped for slow subscribers",
	})

	// MessagesTotal counts chat messages accepted by the mutation endpoint.
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of chat messages accepted",
	})

	// RefreshTotal counts access-token refresh attempts, labeled by result:
	// "ok", "not_found", or "error".
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_token_refresh_total",
		Help: "Total number of access token refresh attempts",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SubscriptionsActive,
		EventsPublished,
		DeliveryFailures,
		MessagesTotal,
		RefreshTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
