// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Proxy metrics.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrypted_gateway_requests_total",
		Help: "Total number of proxied requests by kind and status.",
	}, []string{"kind", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scrypted_gateway_request_duration_seconds",
		Help:    "Proxied request duration in seconds.  For WebSocket requests this is the session length.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	StreamedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrypted_gateway_streamed_bytes_total",
		Help: "Total number of response body bytes relayed in streaming mode.",
	})
)

// WebSocket metrics.
var (
	WebSocketSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrypted_gateway_websocket_sessions_active",
		Help: "Number of active WebSocket relay sessions.",
	})

	WebSocketFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrypted_gateway_websocket_frames_total",
		Help: "Total number of WebSocket frames relayed.",
	}, []string{"direction", "type"})
)

// Lifecycle metrics.
var (
	RegisteredBackends = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrypted_gateway_registered_backends",
		Help: "Number of backends currently reachable through the gateway.",
	})

	SetupAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrypted_gateway_setup_attempts_total",
		Help: "Total number of backend setup attempts by result.",
	}, []string{"result"})
)

// Service exposes the default registry at /metrics.
type Service struct{}

func (Service) RegisterService(r *mux.Router) {
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
