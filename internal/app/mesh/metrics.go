package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "mesh",
		Name:      "envelopes_sent_total",
		Help:      "Signaling envelopes published, by type.",
	}, []string{"type"})

	envelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "mesh",
		Name:      "envelopes_received_total",
		Help:      "Signaling envelopes handled, by type.",
	}, []string{"type"})

	envelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "mesh",
		Name:      "envelopes_dropped_total",
		Help:      "Signaling envelopes ignored, by reason.",
	}, []string{"reason"})

	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "voicemesh",
		Subsystem: "mesh",
		Name:      "sessions_active",
		Help:      "Peer sessions currently owned, by room.",
	}, []string{"room"})

	sessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicemesh",
		Subsystem: "mesh",
		Name:      "session_failures_total",
		Help:      "Peer sessions that ended failed, by room.",
	}, []string{"room"})
)
