package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidState    = errors.New("invalid session state")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrTransportFailed = errors.New("transport failed")
)

type State int32

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// sessionHooks are the callbacks out of a PeerSession. They run on the
// session worker and must not block on the coordinator loop.
type sessionHooks struct {
	publish func(ctx context.Context, env core.Envelope) error
	changed func(s *PeerSession, st State, err error)
	track   func(s *PeerSession, t core.RemoteTrack)
}

type sessionConfig struct {
	Local          domain.ParticipantID
	Remote         domain.ParticipantID
	Role           Role
	RemoteSession  string
	Transport      core.Transport
	Stream         core.StreamHandle
	TrackEnabled   bool
	ConnectTimeout time.Duration
	Hooks          sessionHooks
	Logger         zerolog.Logger
}

// PeerSession is the local half of one point-to-point audio connection.
// Every transition runs on the session's own worker goroutine; the public
// methods only enqueue.
type PeerSession struct {
	id     string
	local  domain.ParticipantID
	remote domain.ParticipantID
	role   Role
	tr     core.Transport
	hooks  sessionHooks
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ops    *core.Mailbox[func()]
	done   chan struct{}
	timer  *time.Timer

	mu            sync.Mutex
	state         State
	released      bool
	remoteSession string

	// worker-owned
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	seen         map[string]struct{}
	localDescs   int
	remoteDescs  int
	trackEnabled bool
}

func newPeerSession(cfg sessionConfig) *PeerSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &PeerSession{
		id:            id,
		local:         cfg.Local,
		remote:        cfg.Remote,
		role:          cfg.Role,
		tr:            cfg.Transport,
		hooks:         cfg.Hooks,
		ctx:           ctx,
		cancel:        cancel,
		ops:           core.NewMailbox[func()](),
		done:          make(chan struct{}),
		remoteSession: cfg.RemoteSession,
		seen:          make(map[string]struct{}),
		trackEnabled:  cfg.TrackEnabled,
		logger: cfg.Logger.With().
			Str("remote", string(cfg.Remote)).
			Str("session", id).
			Str("role", cfg.Role.String()).
			Logger(),
	}

	s.tr.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.enqueue(func() { s.forwardCandidate(c) })
	})
	s.tr.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.enqueue(func() { s.transportState(st) })
	})
	s.tr.OnRemoteTrack(func(t core.RemoteTrack) {
		s.enqueue(func() {
			s.logger.Info().Str("track_id", t.ID()).Str("stream_id", t.StreamID()).Msg("remote track")
			s.hooks.track(s, t)
		})
	})

	if cfg.ConnectTimeout > 0 {
		s.timer = time.AfterFunc(cfg.ConnectTimeout, func() {
			s.enqueue(func() {
				if st := s.State(); st != StateConnected {
					s.logger.Warn().Str("state", st.String()).Msg("connect timeout")
					s.fail(ErrConnectTimeout)
				}
			})
		})
	}
	go s.loop()

	stream := cfg.Stream
	s.enqueue(func() {
		if err := s.tr.AttachLocalStream(stream); err != nil {
			s.fail(fmt.Errorf("attach local stream: %w", err))
			return
		}
		if !s.trackEnabled {
			if err := s.tr.SetLocalTrackEnabled(false); err != nil {
				s.logger.Warn().Err(err).Msg("disable local track")
			}
		}
	})

	return s
}

func (s *PeerSession) ID() string                   { return s.id }
func (s *PeerSession) Remote() domain.ParticipantID { return s.remote }
func (s *PeerSession) Role() Role                   { return s.role }

func (s *PeerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteSession is the peer's session id, known once an offer or answer arrived.
func (s *PeerSession) RemoteSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSession
}

func (s *PeerSession) loop() {
	defer close(s.done)
	for {
		op, ok := s.ops.Pop()
		if !ok {
			return
		}
		op()
	}
}

// enqueue drops the op once the session is closed.
func (s *PeerSession) enqueue(op func()) {
	s.ops.Push(func() {
		if s.ctx.Err() != nil {
			return
		}
		op()
	})
}

func (s *PeerSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Debug().Str("state", st.String()).Msg("session state")
	s.hooks.changed(s, st, nil)
}

func (s *PeerSession) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.logger.Warn().Err(err).Msg("session failed")
	s.hooks.changed(s, StateFailed, err)
}

func (s *PeerSession) send(env core.Envelope) {
	if err := s.hooks.publish(s.ctx, env); err != nil && s.ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("type", string(env.Kind)).Msg("publish failed")
	}
}

// CreateOffer is valid only from new.
func (s *PeerSession) CreateOffer() {
	s.enqueue(func() {
		if st := s.State(); st != StateNew {
			s.logger.Warn().Err(ErrInvalidState).Str("state", st.String()).Msg("create offer")
			return
		}
		desc, err := s.tr.CreateOffer(s.ctx)
		if err != nil {
			s.fail(fmt.Errorf("create offer: %w", err))
			return
		}
		s.localDescs++
		s.setState(StateOffering)
		s.send(core.NewOffer(s.remote, s.id, desc))
	})
}

// AcceptOffer is valid only from new.
func (s *PeerSession) AcceptOffer(offer webrtc.SessionDescription) {
	s.enqueue(func() {
		if st := s.State(); st != StateNew {
			s.logger.Warn().Err(ErrInvalidState).Str("state", st.String()).Msg("accept offer")
			return
		}
		if err := s.applyRemote(offer); err != nil {
			s.fail(fmt.Errorf("apply offer: %w", err))
			return
		}
		answer, err := s.tr.CreateAnswer(s.ctx)
		if err != nil {
			s.fail(fmt.Errorf("create answer: %w", err))
			return
		}
		s.localDescs++
		s.setState(StateAnswering)
		s.send(core.NewAnswer(s.remote, s.id, s.RemoteSession(), answer))
	})
}

// AcceptAnswer is valid only from offering. The session stays offering until
// the transport reports an established path.
func (s *PeerSession) AcceptAnswer(remoteSession string, answer webrtc.SessionDescription) {
	s.enqueue(func() {
		if st := s.State(); st != StateOffering || s.remoteSet {
			s.logger.Debug().Err(ErrInvalidState).Str("state", st.String()).Msg("accept answer ignored")
			return
		}
		s.mu.Lock()
		s.remoteSession = remoteSession
		s.mu.Unlock()
		if err := s.applyRemote(answer); err != nil {
			s.fail(fmt.Errorf("apply answer: %w", err))
		}
	})
}

func (s *PeerSession) applyRemote(desc webrtc.SessionDescription) error {
	if err := s.tr.SetRemoteDescription(s.ctx, desc); err != nil {
		return err
	}
	s.remoteSet = true
	s.remoteDescs++

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.tr.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("add queued candidate")
		}
	}
	if len(pending) > 0 {
		s.logger.Debug().Int("count", len(pending)).Msg("flushed queued candidates")
	}
	return nil
}

// AddRemoteCandidate queues the candidate until the remote description is applied.
// Duplicates are ignored.
func (s *PeerSession) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	s.enqueue(func() {
		switch st := s.State(); st {
		case StateClosed, StateFailed:
			return
		}
		if _, dup := s.seen[c.Candidate]; dup {
			return
		}
		s.seen[c.Candidate] = struct{}{}
		if !s.remoteSet {
			s.pending = append(s.pending, c)
			return
		}
		if err := s.tr.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("add candidate")
		}
	})
}

func (s *PeerSession) SetLocalTrackEnabled(enabled bool) {
	s.enqueue(func() {
		switch s.State() {
		case StateClosed, StateFailed:
			return
		}
		if enabled == s.trackEnabled {
			return
		}
		if err := s.tr.SetLocalTrackEnabled(enabled); err != nil {
			s.logger.Warn().Err(err).Bool("enabled", enabled).Msg("set local track")
			return
		}
		s.trackEnabled = enabled
	})
}

func (s *PeerSession) forwardCandidate(c webrtc.ICECandidateInit) {
	switch s.State() {
	case StateOffering, StateAnswering, StateConnected:
		s.send(core.NewCandidate(s.remote, s.id, s.RemoteSession(), c))
	}
}

func (s *PeerSession) transportState(st webrtc.PeerConnectionState) {
	s.logger.Debug().Str("peer_connection_state", st.String()).Msg("transport state")
	switch st {
	case webrtc.PeerConnectionStateConnected:
		cur := s.State()
		if cur != StateOffering && cur != StateAnswering {
			return
		}
		if s.localDescs != 1 || s.remoteDescs != 1 {
			s.logger.Warn().Int("local", s.localDescs).Int("remote", s.remoteDescs).Msg("connected before description exchange")
			return
		}
		if s.timer != nil {
			s.timer.Stop()
		}
		s.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.fail(fmt.Errorf("%w: %s", ErrTransportFailed, st))
	}
}

// Close releases the transport and stops the worker. Safe from any state and
// idempotent; a failed session stays failed.
func (s *PeerSession) Close() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	if s.state != StateFailed {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
	s.ops.Close()
	<-s.done

	if err := s.tr.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close transport")
	} else {
		s.logger.Info().Msg("closed")
	}
}

// Context is cancelled when the session closes; rendering is bound to it.
func (s *PeerSession) Context() context.Context { return s.ctx }
