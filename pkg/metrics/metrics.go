// Package metrics exposes relaycast's prometheus instrumentation. Metrics
// are package-level collectors registered with the default registry;
// instrumented packages increment them directly and the exposition endpoint
// is mounted through Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClientsConnected is the number of clients with a live signaling
	// connection.
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_clients_connected",
		Help: "Number of connected signaling clients.",
	})

	// StreamsActive is the number of stream groups with at least one member.
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_streams_active",
		Help: "Number of active stream groups.",
	})

	// RecordersActive is the number of recording bridges currently running.
	RecordersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_recorders_active",
		Help: "Number of active recording bridges.",
	})

	// RequestsTotal counts signaling requests by message type and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_signal_requests_total",
		Help: "Signaling requests processed, by message type and status.",
	}, []string{"type", "status"})

	// EventsTotal counts server-to-client events by type.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_signal_events_total",
		Help: "Server events sent, by event type.",
	}, []string{"type"})

	// RecorderStartsTotal counts successful recording bridge starts.
	RecorderStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaycast_recorder_starts_total",
		Help: "Recording bridges started successfully.",
	})

	// RecorderFailuresTotal counts recording bridge startup failures.
	RecorderFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaycast_recorder_failures_total",
		Help: "Recording bridge startup failures.",
	})
)

// Handler returns the prometheus exposition handler for the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
