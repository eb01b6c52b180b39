package domain

import "time"

// RosterEntry is one participant's presence in a room.
// No transport or lifecycle logic here.
type RosterEntry struct {
	RoomID        RoomID        `json:"room_id"`
	ParticipantID ParticipantID `json:"participant_id"`
	DisplayName   string        `json:"display_name,omitempty"`
	Muted         bool          `json:"muted"`
	JoinedAt      time.Time     `json:"joined_at"`
	LastSeen      time.Time     `json:"last_seen"`
}
