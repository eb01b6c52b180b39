package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewRoomValidatesName(t *testing.T) {
	now := time.Unix(1700000000, 0)

	if _, err := NewRoom("", "alice", now); !errors.Is(err, ErrRoomNameEmpty) {
		t.Fatalf("empty name: got %v", err)
	}
	if _, err := NewRoom(RoomName(strings.Repeat("x", MaxRoomNameLen+1)), "alice", now); !errors.Is(err, ErrRoomNameTooLong) {
		t.Fatalf("long name: got %v", err)
	}

	r, err := NewRoom("lounge", "alice", now)
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	if r.ID == "" || !r.Active || r.CreatedBy != "alice" || !r.CreatedAt.Equal(now) {
		t.Fatalf("unexpected room %+v", r)
	}
}

func TestParticipantValidation(t *testing.T) {
	if err := ParticipantID("").Validate(); !errors.Is(err, ErrParticipantIDEmpty) {
		t.Fatalf("empty id: got %v", err)
	}
	if err := ParticipantID(strings.Repeat("a", MaxParticipantIDLen+1)).Validate(); !errors.Is(err, ErrParticipantIDTooLong) {
		t.Fatalf("long id: got %v", err)
	}
	if _, err := NewParticipant("bob", strings.Repeat("b", MaxDisplayNameLen+1)); !errors.Is(err, ErrDisplayNameTooLong) {
		t.Fatalf("long name: got %v", err)
	}
	p, err := NewParticipant(NewParticipantID(), "bob")
	if err != nil {
		t.Fatalf("NewParticipant: %v", err)
	}
	if p.DisplayName != "bob" {
		t.Fatalf("display name = %q", p.DisplayName)
	}
}
