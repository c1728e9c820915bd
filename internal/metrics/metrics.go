// Package metrics defines prometheus metrics for the completion client and backend
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inline_completion_client_inflight_requests",
			Help: "Requests sent and still waiting for a reply",
		},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inline_completion_client_reconnects_total",
			Help: "Reconnect attempts after an abnormal close",
		},
		[]string{"result"},
	)

	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inline_completion_client_stream_chunks_total",
			Help: "Stream chunks received from the backend",
		},
	)

	ServerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inline_completion_server_requests_total",
			Help: "Completion requests handled by the backend",
		},
		[]string{"completer", "status"},
	)

	TimeToFirstChunk = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inline_completion_server_time_to_first_chunk_seconds",
			Help:    "Time from request receipt to the first streamed fragment",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"completer"},
	)

	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inline_completion_server_connections",
			Help: "Open WebSocket connections",
		},
	)
)
