package signal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicemesh",
		Subsystem: "signal",
		Name:      "connections",
		Help:      "Open signaling websocket connections.",
	})
	routed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "signal",
		Name:      "envelopes_routed_total",
		Help:      "Envelopes accepted and routed by the hub.",
	}, []string{"type"})
	dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "signal",
		Name:      "envelopes_dropped_total",
		Help:      "Frames dropped by the hub.",
	}, []string{"reason"})
)
