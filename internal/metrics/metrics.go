package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeit_events_received_total",
		Help: "Protocol events received from clients",
	}, []string{"type"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeit_events_rejected_total",
		Help: "Protocol events dropped or rejected",
	}, []string{"reason"})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codeit_connections",
		Help: "Websocket connections held by this instance",
	})

	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeit_relay_published_total",
		Help: "Envelopes published to the relay bus",
	})

	RelayReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeit_relay_received_total",
		Help: "Envelopes received from the relay bus",
	})

	RelayPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeit_relay_publish_errors_total",
		Help: "Relay publishes that failed",
	})

	SendDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeit_send_dropped_total",
		Help: "Messages dropped because a client send queue was full",
	})

	// 1 while running without a shared store or bus.
	DegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codeit_degraded_mode",
		Help: "1 when the instance runs standalone without cross-instance fan-out",
	})
)
