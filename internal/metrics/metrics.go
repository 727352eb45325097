// Package metrics exposes daemon counters on a local Prometheus
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_messages_relayed_total",
		Help: "Normalized messages delivered upstream.",
	})
	DiffsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_diffs_captured_total",
		Help: "Working-tree diff snapshots captured.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_ws_reconnects_total",
		Help: "WebSocket reconnect attempts.",
	})
	RequestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_api_retries_total",
		Help: "HTTP API requests retried after transient failure.",
	})
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_ws_dropped_messages_total",
		Help: "Outbound socket messages dropped while disconnected.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayd_active_sessions",
		Help: "Sessions currently tracked or spawned.",
	})
)

// Serve blocks serving /metrics on listen. An empty listen address
// disables the endpoint.
func Serve(listen string) error {
	if listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}
