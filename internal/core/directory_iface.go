package core

//go:generate mockgen -destination=mocks/directory_mock.go -package=mocks github.com/dkeye/VoiceMesh/internal/core Directory,Identity

import (
	"context"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

type PresenceEventKind string

const (
	PresenceInserted PresenceEventKind = "insert"
	PresenceUpdated  PresenceEventKind = "update"
	PresenceDeleted  PresenceEventKind = "delete"
	RoomDeactivated  PresenceEventKind = "room_deactivated"
)

// PresenceEvent is a membership change reported by the directory.
// For RoomDeactivated only Entry.RoomID is set.
type PresenceEvent struct {
	Kind  PresenceEventKind  `json:"kind"`
	Entry domain.RosterEntry `json:"entry"`
}

// Directory persists rooms and roster rows.
type Directory interface {
	ListActiveRooms(ctx context.Context) ([]domain.Room, error)
	CreateRoom(ctx context.Context, name domain.RoomName, by domain.ParticipantID) (domain.Room, error)
	Roster(ctx context.Context, room domain.RoomID) ([]domain.RosterEntry, error)
	UpsertPresence(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, muted bool) error
	RemovePresence(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) error
	// Watch streams change events until ctx is done.
	Watch(ctx context.Context) (<-chan PresenceEvent, error)
}

type Identity interface {
	CurrentParticipantID(ctx context.Context) (domain.ParticipantID, error)
}
