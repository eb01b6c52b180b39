package mesh

import (
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

func (c *Coordinator) handleEnvelope(env core.Envelope) {
	if c.state != stateActive {
		return
	}
	if env.From == c.cfg.Self {
		return
	}
	if env.To != "" && env.To != c.cfg.Self {
		return
	}
	if env.ID != "" && !c.seen.Add(env.ID) {
		envelopesDropped.WithLabelValues("duplicate").Inc()
		c.logger.Debug().Str("id", env.ID).Str("type", string(env.Kind)).Msg("duplicate envelope")
		return
	}
	envelopesReceived.WithLabelValues(string(env.Kind)).Inc()

	switch env.Kind {
	case core.KindAnnounce:
		c.onRemoteAnnounce(env)
	case core.KindOffer:
		c.onOffer(env)
	case core.KindAnswer:
		c.onAnswer(env)
	case core.KindCandidate:
		c.onCandidate(env)
	case core.KindLeave:
		c.onRemoteLeave(env.From)
	default:
		c.logger.Warn().Str("type", string(env.Kind)).Msg("unknown envelope")
	}
}

// onRemoteAnnounce makes the observer of an announce the initiator toward the
// announcer. The announcer never reacts to its own announce, so a pair only
// collides when both announces cross in flight (handled in onOffer).
func (c *Coordinator) onRemoteAnnounce(env core.Envelope) {
	remote := env.From
	if _, ok := c.sessions[remote]; ok {
		if !env.Restarts(c.cfg.Self) {
			c.logger.Debug().Str("remote", string(remote)).Msg("announce: already sessioned")
			return
		}
		c.dropSession(remote, "restart requested")
	}
	c.initiate(remote)
}

func (c *Coordinator) initiate(remote domain.ParticipantID) {
	s, err := c.newSession(remote, RoleInitiator, "")
	if err != nil {
		c.logger.Error().Err(err).Str("remote", string(remote)).Msg("initiate")
		c.onSessionFailure(remote, err)
		return
	}
	s.CreateOffer()
}

func (c *Coordinator) onOffer(env core.Envelope) {
	remote := env.From
	if s, ok := c.sessions[remote]; ok {
		switch {
		case s.RemoteSession() == env.Session:
			c.logger.Debug().Str("remote", string(remote)).Msg("offer: duplicate")
			return
		case s.Role() == RoleInitiator && s.RemoteSession() == "":
			// Both sides offered. The higher id keeps its offer, the lower one yields.
			if c.cfg.Self > remote {
				c.logger.Info().Str("remote", string(remote)).Msg("offer collision: keeping own offer")
				return
			}
			c.dropSession(remote, "offer collision: yielding")
		default:
			c.dropSession(remote, "superseded by new offer")
		}
	}

	s, err := c.newSession(remote, RoleResponder, env.Session)
	if err != nil {
		c.logger.Error().Err(err).Str("remote", string(remote)).Msg("respond")
		c.onSessionFailure(remote, err)
		return
	}
	s.AcceptOffer(*env.Description)
}

func (c *Coordinator) onAnswer(env core.Envelope) {
	s, ok := c.sessions[env.From]
	if !ok || s.ID() != env.Target {
		envelopesDropped.WithLabelValues("stale").Inc()
		c.logger.Debug().Str("remote", string(env.From)).Str("target", env.Target).Msg("answer: no such session")
		return
	}
	s.AcceptAnswer(env.Session, *env.Description)
}

func (c *Coordinator) onCandidate(env core.Envelope) {
	s, ok := c.sessions[env.From]
	if !ok {
		envelopesDropped.WithLabelValues("stale").Inc()
		return
	}
	// An initiator only trusts candidates addressed to its own session; a
	// responder already knows which remote session it answered.
	if s.Role() == RoleInitiator && env.Target != s.ID() ||
		s.Role() == RoleResponder && env.Session != s.RemoteSession() {
		envelopesDropped.WithLabelValues("stale").Inc()
		c.logger.Debug().Str("remote", string(env.From)).Msg("candidate for stale session")
		return
	}
	s.AddRemoteCandidate(*env.Candidate)
}

func (c *Coordinator) onRemoteLeave(remote domain.ParticipantID) {
	delete(c.attempts, remote)
	if _, ok := c.sessions[remote]; !ok {
		return
	}
	c.dropSession(remote, "remote left")
	c.emit(Event{Kind: EventPeerDisconnected, Peer: remote})
}
