// Package mesh keeps one participant's full mesh of peer sessions for a room
// converging toward connected.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultDedupeSize     = 1024
	publishTimeout        = 5 * time.Second
)

var (
	ErrCoordinatorClosed = errors.New("coordinator closed")
	ErrNotActive         = errors.New("coordinator not active")
)

// Roster answers whether a participant is still present in a room.
type Roster interface {
	Contains(room domain.RoomID, pid domain.ParticipantID) bool
}

type Config struct {
	Room           domain.RoomID
	Self           domain.ParticipantID
	ICEServers     []webrtc.ICEServer
	ConnectTimeout time.Duration
	DedupeSize     int
	Policy         Policy
	Muted          bool
}

// Deps are the collaborators a coordinator drives. Roster, Renderer, Stream
// and Events may be nil.
type Deps struct {
	Bus        core.SignalBus
	Transports core.TransportFactory
	Stream     core.StreamHandle
	Roster     Roster
	Renderer   core.Renderer
	Events     func(Event)
}

type coordState int

const (
	stateIdle coordState = iota
	stateActive
	stateLeft
)

// PeerInfo is a read-only view of one owned session.
type PeerInfo struct {
	Remote  domain.ParticipantID `json:"remote"`
	Session string               `json:"session"`
	Role    string               `json:"role"`
	State   string               `json:"state"`
}

// Coordinator owns the peer sessions of one local participant in one room.
// All of its state is touched only from the loop goroutine; every public
// method and every bus/transport event is funnelled through the inbox.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	inbox *core.Mailbox[func()]
	done  chan struct{}
	wg    conc.WaitGroup

	// loop-owned
	state    coordState
	sub      core.Subscription
	sessions map[domain.ParticipantID]*PeerSession
	attempts map[domain.ParticipantID]int
	seen     *idCache
	muted    bool
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.Policy == nil {
		cfg.Policy = RetryPolicy{MaxRetries: 1}
	}
	c := &Coordinator{
		cfg:  cfg,
		deps: deps,
		logger: log.With().
			Str("module", "mesh").
			Str("room", string(cfg.Room)).
			Str("self", string(cfg.Self)).
			Logger(),
		inbox:    core.NewMailbox[func()](),
		done:     make(chan struct{}),
		sessions: make(map[domain.ParticipantID]*PeerSession),
		attempts: make(map[domain.ParticipantID]int),
		seen:     newIDCache(cfg.DedupeSize),
		muted:    cfg.Muted,
	}
	go c.loop()
	return c
}

func (c *Coordinator) Room() domain.RoomID { return c.cfg.Room }

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		fn, ok := c.inbox.Pop()
		if !ok {
			return
		}
		fn()
	}
}

// call runs fn on the loop and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !c.inbox.Push(func() { errc <- fn() }) {
		return ErrCoordinatorClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join subscribes to the room's bus and announces presence. Idempotent while active.
func (c *Coordinator) Join(ctx context.Context) error {
	return c.call(ctx, func() error { return c.join(ctx) })
}

// Leave tears down every session, publishes a leave broadcast and unsubscribes.
// The coordinator cannot be reused afterwards.
func (c *Coordinator) Leave(ctx context.Context) error {
	err := c.call(ctx, func() error { return c.leave(ctx) })
	if errors.Is(err, ErrCoordinatorClosed) {
		return nil
	}
	c.inbox.Close()
	<-c.done
	c.wg.Wait()
	return err
}

// SetMuted toggles the local track on every owned session.
func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	return c.call(ctx, func() error {
		c.muted = muted
		for _, s := range c.sessions {
			s.SetLocalTrackEnabled(!muted)
		}
		c.logger.Info().Bool("muted", muted).Int("sessions", len(c.sessions)).Msg("mute toggled")
		return nil
	})
}

// Snapshot lists owned sessions ordered by remote id.
func (c *Coordinator) Snapshot(ctx context.Context) ([]PeerInfo, error) {
	res := make(chan []PeerInfo, 1)
	if !c.inbox.Push(func() {
		out := make([]PeerInfo, 0, len(c.sessions))
		for remote, s := range c.sessions {
			out = append(out, PeerInfo{
				Remote:  remote,
				Session: s.ID(),
				Role:    s.Role().String(),
				State:   s.State().String(),
			})
		}
		res <- out
	}) {
		return nil, ErrCoordinatorClosed
	}
	select {
	case out := <-res:
		sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) join(ctx context.Context) error {
	switch c.state {
	case stateActive:
		return nil
	case stateLeft:
		return ErrCoordinatorClosed
	}

	sub, err := c.deps.Bus.Subscribe(ctx, c.cfg.Room, c.cfg.Self)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := sub.Publish(ctx, core.NewAnnounce()); err != nil {
		_ = sub.Close()
		return fmt.Errorf("announce: %w", err)
	}
	c.sub = sub
	c.state = stateActive
	envelopesSent.WithLabelValues(string(core.KindAnnounce)).Inc()

	c.wg.Go(func() { c.pump(sub) })
	c.logger.Info().Msg("joined")
	return nil
}

func (c *Coordinator) pump(sub core.Subscription) {
	for env := range sub.C() {
		env := env
		c.inbox.Push(func() { c.handleEnvelope(env) })
	}
	c.inbox.Push(func() {
		if c.state == stateActive {
			c.logger.Warn().Msg("signaling stream lost")
			c.emit(Event{Kind: EventError, Err: core.ErrSubscriptionClosed})
		}
	})
}

func (c *Coordinator) leave(ctx context.Context) error {
	if c.state != stateActive {
		c.state = stateLeft
		return nil
	}
	c.state = stateLeft

	for remote := range c.sessions {
		c.dropSession(remote, "local leave")
	}

	var errs []error
	if err := c.sub.Publish(ctx, core.NewLeave()); err != nil {
		errs = append(errs, fmt.Errorf("publish leave: %w", err))
	} else {
		envelopesSent.WithLabelValues(string(core.KindLeave)).Inc()
	}
	if err := c.sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	c.logger.Info().Msg("left")
	return errors.Join(errs...)
}

func (c *Coordinator) emit(ev Event) {
	if c.deps.Events == nil {
		return
	}
	ev.Room = c.cfg.Room
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.deps.Events(ev)
}

// publishAsync sends from a helper goroutine so the loop never waits on the network.
func (c *Coordinator) publishAsync(env core.Envelope) {
	sub := c.sub
	c.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := sub.Publish(ctx, env); err != nil {
			c.logger.Warn().Err(err).Str("type", string(env.Kind)).Msg("publish failed")
			return
		}
		envelopesSent.WithLabelValues(string(env.Kind)).Inc()
	})
}

func (c *Coordinator) newSession(remote domain.ParticipantID, role Role, remoteSession string) (*PeerSession, error) {
	tr, err := c.deps.Transports.NewTransport(core.TransportConfig{
		ICEServers: c.cfg.ICEServers,
		Local:      c.cfg.Self,
		Remote:     remote,
	})
	if err != nil {
		return nil, fmt.Errorf("new transport: %w", err)
	}
	sub := c.sub
	s := newPeerSession(sessionConfig{
		Local:          c.cfg.Self,
		Remote:         remote,
		Role:           role,
		RemoteSession:  remoteSession,
		Transport:      tr,
		Stream:         c.deps.Stream,
		TrackEnabled:   !c.muted,
		ConnectTimeout: c.cfg.ConnectTimeout,
		Logger:         c.logger,
		Hooks: sessionHooks{
			publish: func(ctx context.Context, env core.Envelope) error {
				if err := sub.Publish(ctx, env); err != nil {
					return err
				}
				envelopesSent.WithLabelValues(string(env.Kind)).Inc()
				return nil
			},
			changed: func(s *PeerSession, st State, err error) {
				c.inbox.Push(func() { c.sessionChanged(s, st, err) })
			},
			track: func(s *PeerSession, t core.RemoteTrack) {
				c.inbox.Push(func() { c.remoteTrack(s, t) })
			},
		},
	})
	c.sessions[remote] = s
	sessionsActive.WithLabelValues(string(c.cfg.Room)).Inc()
	c.logger.Info().Str("remote", string(remote)).Str("session", s.ID()).Str("role", role.String()).Msg("session created")
	return s, nil
}

// dropSession closes and forgets the session for remote, if any.
func (c *Coordinator) dropSession(remote domain.ParticipantID, reason string) {
	s, ok := c.sessions[remote]
	if !ok {
		return
	}
	delete(c.sessions, remote)
	sessionsActive.WithLabelValues(string(c.cfg.Room)).Dec()
	c.logger.Info().Str("remote", string(remote)).Str("session", s.ID()).Str("reason", reason).Msg("session dropped")
	s.Close()
}

func (c *Coordinator) current(s *PeerSession) bool {
	cur, ok := c.sessions[s.Remote()]
	return ok && cur == s
}

func (c *Coordinator) sessionChanged(s *PeerSession, st State, err error) {
	if !c.current(s) {
		return
	}
	remote := s.Remote()
	switch st {
	case StateConnected:
		c.attempts[remote] = 0
		c.emit(Event{Kind: EventPeerConnected, Peer: remote})
	case StateFailed:
		c.dropSession(remote, "failed")
		sessionFailures.WithLabelValues(string(c.cfg.Room)).Inc()
		c.onSessionFailure(remote, err)
	}
}

func (c *Coordinator) onSessionFailure(remote domain.ParticipantID, cause error) {
	if c.state != stateActive {
		return
	}
	inRoster := c.deps.Roster == nil || c.deps.Roster.Contains(c.cfg.Room, remote)
	switch c.cfg.Policy.OnSessionFailure(remote, c.attempts[remote], inRoster) {
	case Retry:
		c.attempts[remote]++
		c.logger.Info().Str("remote", string(remote)).Int("attempt", c.attempts[remote]).Msg("retrying session")
		c.emit(Event{Kind: EventPeerRetry, Peer: remote, Err: cause})
		c.publishAsync(core.NewAnnounce(remote))
	case Surface:
		c.emit(Event{Kind: EventPeerDegraded, Peer: remote, Err: cause})
	case NoAction:
	}
}

func (c *Coordinator) remoteTrack(s *PeerSession, t core.RemoteTrack) {
	if !c.current(s) {
		return
	}
	c.emit(Event{Kind: EventRemoteTrack, Peer: s.Remote()})
	if c.deps.Renderer == nil {
		return
	}
	ctx, remote, renderer := s.Context(), s.Remote(), c.deps.Renderer
	c.wg.Go(func() { renderer.Render(ctx, remote, t) })
}
