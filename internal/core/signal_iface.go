package core

import (
	"context"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

// SignalBus is the room-scoped messaging transport used to negotiate peer sessions.
// Delivery is per-sender FIFO and at-least-once; nothing is ordered across senders.
type SignalBus interface {
	// Subscribe opens a live delivery stream for room on behalf of self.
	// ctx bounds the subscribe handshake only, not the subscription lifetime.
	Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (Subscription, error)
}

// Subscription is one participant's handle on a room's bus.
type Subscription interface {
	// C delivers envelopes from other participants. Closed after Close returns.
	C() <-chan Envelope
	// Publish stamps From with the subscriber identity and a fresh ID, then
	// broadcasts (empty To) or unicasts the envelope.
	Publish(ctx context.Context, env Envelope) error
	// Close stops delivery. No envelope is delivered once it returns.
	Close() error
}
