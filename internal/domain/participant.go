// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrDisplayNameTooLong   = errors.New("display name too long")
)

// ParticipantID is the stable identifier handed out by the identity provider.
type ParticipantID string

func (id ParticipantID) Validate() error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return nil
}

// NewParticipantID returns a random identifier for guests.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name,omitempty"`
}

func NewParticipant(id ParticipantID, displayName string) (*Participant, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	p := &Participant{ID: id}
	if err := p.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
