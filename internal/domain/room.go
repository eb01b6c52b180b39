package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const MaxRoomNameLen = 36

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
)

type (
	RoomName string
	RoomID   string
)

type Room struct {
	ID        RoomID        `json:"id"`
	Name      RoomName      `json:"name"`
	Active    bool          `json:"active"`
	CreatedBy ParticipantID `json:"created_by,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewRoom validates the name and assigns a fresh id. Rooms start active.
func NewRoom(name RoomName, createdBy ParticipantID, now time.Time) (*Room, error) {
	if len(name) == 0 {
		return nil, ErrRoomNameEmpty
	}
	if len(name) > MaxRoomNameLen {
		return nil, ErrRoomNameTooLong
	}
	return &Room{
		ID:        RoomID(uuid.NewString()),
		Name:      name,
		Active:    true,
		CreatedBy: createdBy,
		CreatedAt: now,
	}, nil
}
