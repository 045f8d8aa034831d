package client

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buskit",
			Subsystem: "client",
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport.",
		},
		[]string{"command"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buskit",
			Subsystem: "client",
			Name:      "frames_received_total",
			Help:      "Frames read from the transport.",
		},
		[]string{"command"},
	)
	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buskit",
			Subsystem: "client",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames with no owning conversation or observation.",
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buskit",
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Successful reconnections.",
		},
	)
	conversationsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buskit",
			Subsystem: "client",
			Name:      "conversations_live",
			Help:      "Currently registered conversations.",
		},
	)
)

func registerMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesSent, framesReceived, framesDropped, reconnects, conversationsLive)
	})
}
