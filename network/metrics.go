package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type relayMetrics struct {
	connections     prometheus.Gauge
	boundKeys       prometheus.Gauge
	queueDepth      prometheus.Gauge
	framesReceived  *prometheus.CounterVec
	framesForwarded prometheus.Counter
	framesQueued    prometheus.Counter
	framesDropped   *prometheus.CounterVec
	queueEvictions  prometheus.Counter
	rateLimited     prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	factory := promauto.With(reg)
	return &relayMetrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "securicator_relay_connections",
			Help: "Open WebSocket connections.",
		}),
		boundKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "securicator_relay_bound_keys",
			Help: "Distinct public keys with at least one bound connection.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "securicator_relay_queue_depth",
			Help: "Frames waiting in the offline queue.",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "securicator_relay_frames_received_total",
			Help: "Inbound frames by kind.",
		}, []string{"kind"}),
		framesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "securicator_relay_frames_forwarded_total",
			Help: "Frame deliveries to bound connections.",
		}),
		framesQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "securicator_relay_frames_queued_total",
			Help: "Frames stored for offline recipients.",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "securicator_relay_frames_dropped_total",
			Help: "Frames discarded, by reason.",
		}, []string{"reason"}),
		queueEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "securicator_relay_queue_evictions_total",
			Help: "Queued frames evicted because the queue was full.",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "securicator_relay_upgrades_rate_limited_total",
			Help: "Upgrade requests rejected by the per-IP limiter.",
		}),
	}
}
