package mesh

import "github.com/dkeye/VoiceMesh/internal/domain"

type FailureAction int

const (
	NoAction FailureAction = iota
	Retry
	Surface
)

// Policy decides what the coordinator does after a peer session failed.
// attempts counts retries already spent on remote since its last success.
type Policy interface {
	OnSessionFailure(remote domain.ParticipantID, attempts int, inRoster bool) FailureAction
}

// RetryPolicy renegotiates up to MaxRetries times while the peer is still present.
type RetryPolicy struct {
	MaxRetries int
}

func (p RetryPolicy) OnSessionFailure(_ domain.ParticipantID, attempts int, inRoster bool) FailureAction {
	if inRoster && attempts < p.MaxRetries {
		return Retry
	}
	return Surface
}
