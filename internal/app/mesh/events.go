package mesh

import (
	"time"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

type EventKind string

const (
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventPeerRetry        EventKind = "peer_retry"
	EventPeerDegraded     EventKind = "peer_degraded"
	EventRemoteTrack      EventKind = "remote_track"
	EventError            EventKind = "error"
)

// Event is a room-level notification. Session internals never leak past it.
type Event struct {
	Kind EventKind            `json:"kind"`
	Room domain.RoomID        `json:"room"`
	Peer domain.ParticipantID `json:"peer,omitempty"`
	Err  error                `json:"-"`
	At   time.Time            `json:"at"`
}

func (e Event) String() string {
	s := string(e.Kind)
	if e.Peer != "" {
		s += " " + string(e.Peer)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
