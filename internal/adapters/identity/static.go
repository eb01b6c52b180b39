// Package identity provides the participant id for a CLI client.
package identity

import (
	"context"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Static always answers with the same participant id.
type Static struct {
	ID domain.ParticipantID
}

// NewStatic uses id, or a fresh guest id when id is empty.
func NewStatic(id string) Static {
	if id == "" {
		return Static{ID: domain.NewParticipantID()}
	}
	return Static{ID: domain.ParticipantID(id)}
}

var _ core.Identity = Static{}

func (s Static) CurrentParticipantID(ctx context.Context) (domain.ParticipantID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ID.Validate(); err != nil {
		return "", err
	}
	return s.ID, nil
}
