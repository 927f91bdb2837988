// Package observability provides Prometheus metrics for the real-time layer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSockets tracks the number of currently open chat connections.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tastebook_active_websockets",
		Help: "Number of active WebSocket connections",
	})

	// WebSocketBackpressureDrops counts messages dropped because a client's
	// send buffer was full or its channel already closed.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tastebook_websocket_backpressure_drops_total",
		Help: "Messages dropped due to slow or closed WebSocket clients",
	}, []string{"hub", "reason"})

	// MessagesDelivered counts persisted messages fanned out per ingress path.
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tastebook_messages_delivered_total",
		Help: "Messages persisted and broadcast, by ingress path",
	}, []string{"path"})
)
