// Package app wires the mesh coordinator, presence tracking and the local
// audio device into a single-room voice client.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceMesh/internal/app/mesh"
	"github.com/dkeye/VoiceMesh/internal/app/presence"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeat = 10 * time.Second
	eventBuffer      = 256
)

var ErrNotJoined = errors.New("not joined to a room")

type Config struct {
	ICEServers     []webrtc.ICEServer
	ConnectTimeout time.Duration
	MaxRetries     int
	Heartbeat      time.Duration
	Constraints    core.Constraints
}

type Deps struct {
	Directory  core.Directory
	Identity   core.Identity
	Audio      core.AudioDevice
	Bus        core.SignalBus
	Transports core.TransportFactory
	Renderer   core.Renderer
	Tracker    *presence.Tracker
}

type activeRoom struct {
	room     domain.RoomID
	coord    *mesh.Coordinator
	joinedAt time.Time
	stopHB   context.CancelFunc
	hbDone   chan struct{}
}

// Registry is the entry point of the client: it keeps the local participant in
// at most one room and is the only caller of the audio device.
type Registry struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	self       domain.ParticipantID
	stream     core.StreamHandle
	streamRefs int
	active     *activeRoom

	muted atomic.Bool
	// presenceMu orders presence writes so the directory ends on the latest
	// mute state. Taken after mu, never before it.
	presenceMu sync.Mutex
	events     chan mesh.Event
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if deps.Tracker == nil {
		deps.Tracker = presence.NewTracker(deps.Directory)
	}
	return &Registry{
		cfg:    cfg,
		deps:   deps,
		events: make(chan mesh.Event, eventBuffer),
	}
}

// Events delivers room-level notifications of the current room.
func (r *Registry) Events() <-chan mesh.Event { return r.events }

func (r *Registry) Tracker() *presence.Tracker { return r.deps.Tracker }

func (r *Registry) Muted() bool { return r.muted.Load() }

// Self resolves and caches the local participant id.
func (r *Registry) Self(ctx context.Context) (domain.ParticipantID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfLocked(ctx)
}

func (r *Registry) selfLocked(ctx context.Context) (domain.ParticipantID, error) {
	if r.self != "" {
		return r.self, nil
	}
	pid, err := r.deps.Identity.CurrentParticipantID(ctx)
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	if err := pid.Validate(); err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	r.self = pid
	return pid, nil
}

// Current reports the joined room, if any.
func (r *Registry) Current() (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.room, true
}

func (r *Registry) Rooms(ctx context.Context) ([]domain.Room, error) {
	rooms, err := r.deps.Directory.ListActiveRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func (r *Registry) CreateRoom(ctx context.Context, name domain.RoomName) (domain.Room, error) {
	self, err := r.Self(ctx)
	if err != nil {
		return domain.Room{}, err
	}
	room, err := r.deps.Directory.CreateRoom(ctx, name, self)
	if err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	log.Info().Str("module", "app.registry").Str("room", string(room.ID)).Str("name", string(room.Name)).Msg("room created")
	return room, nil
}

// Roster is the tracked roster of room, earliest joiner first.
func (r *Registry) Roster(room domain.RoomID) []domain.RosterEntry {
	return r.deps.Tracker.Roster(room)
}

// Peers lists the peer sessions of the current room.
func (r *Registry) Peers(ctx context.Context) ([]mesh.PeerInfo, error) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		return nil, ErrNotJoined
	}
	return active.coord.Snapshot(ctx)
}

// Join moves the local participant into room. Switching rooms leaves the
// previous one first; capture is acquired before anything else so a device
// failure leaves no partial state behind.
func (r *Registry) Join(ctx context.Context, room domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.room == room {
		return nil
	}
	self, err := r.selfLocked(ctx)
	if err != nil {
		return err
	}
	if err := r.checkRoom(ctx, room); err != nil {
		return err
	}

	stream, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			r.release()
		}
	}()

	if r.active != nil {
		if err := r.leaveLocked(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Msg("leave previous room")
		}
	}

	muted := r.muted.Load()
	if err := r.deps.Directory.UpsertPresence(ctx, room, self, muted); err != nil {
		return fmt.Errorf("join %s: presence: %w", room, err)
	}
	if err := r.deps.Tracker.Seed(ctx, room); err != nil {
		r.removePresence(room, self)
		return fmt.Errorf("join %s: %w", room, err)
	}

	coord := mesh.New(mesh.Config{
		Room:           room,
		Self:           self,
		ICEServers:     r.cfg.ICEServers,
		ConnectTimeout: r.cfg.ConnectTimeout,
		Policy:         mesh.RetryPolicy{MaxRetries: r.cfg.MaxRetries},
		Muted:          muted,
	}, mesh.Deps{
		Bus:        r.deps.Bus,
		Transports: r.deps.Transports,
		Stream:     stream,
		Roster:     r.deps.Tracker,
		Renderer:   r.deps.Renderer,
		Events:     r.forward,
	})
	if err := coord.Join(ctx); err != nil {
		_ = coord.Leave(context.Background())
		r.removePresence(room, self)
		r.deps.Tracker.Forget(room)
		return fmt.Errorf("join %s: signaling: %w", room, err)
	}

	now := time.Now()
	r.deps.Tracker.Apply(core.PresenceEvent{Kind: core.PresenceInserted, Entry: domain.RosterEntry{
		RoomID:        room,
		ParticipantID: self,
		Muted:         muted,
		JoinedAt:      now,
		LastSeen:      now,
	}})

	hbCtx, stop := context.WithCancel(context.Background())
	a := &activeRoom{room: room, coord: coord, joinedAt: now, stopHB: stop, hbDone: make(chan struct{})}
	go r.heartbeat(hbCtx, a, self)
	r.active = a
	ok = true

	log.Info().Str("module", "app.registry").Str("room", string(room)).Str("self", string(self)).Bool("muted", muted).Msg("joined")
	return nil
}

func (r *Registry) checkRoom(ctx context.Context, room domain.RoomID) error {
	rooms, err := r.deps.Directory.ListActiveRooms(ctx)
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	for _, rm := range rooms {
		if rm.ID == room {
			return nil
		}
	}
	return fmt.Errorf("join %s: %w", room, core.ErrRoomNotFound)
}

// Leave exits the current room. It is a no-op when not joined.
func (r *Registry) Leave(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.leaveLocked(ctx)
}

func (r *Registry) leaveLocked(ctx context.Context) error {
	a := r.active
	r.active = nil
	a.stopHB()
	<-a.hbDone

	var errs []error
	if err := a.coord.Leave(ctx); err != nil {
		errs = append(errs, fmt.Errorf("signaling: %w", err))
	}
	if err := r.deps.Directory.RemovePresence(ctx, a.room, r.self); err != nil {
		errs = append(errs, fmt.Errorf("presence: %w", err))
	}
	r.deps.Tracker.Forget(a.room)
	r.release()

	log.Info().Str("module", "app.registry").Str("room", string(a.room)).Msg("left")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("leave %s: %w", a.room, err)
	}
	return nil
}

// SetMuted flows the flag down to every peer track and up to the directory.
func (r *Registry) SetMuted(ctx context.Context, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setMutedLocked(ctx, muted)
}

func (r *Registry) setMutedLocked(ctx context.Context, muted bool) error {
	r.muted.Store(muted)

	if r.stream != nil {
		if err := r.deps.Audio.SetTrackEnabled(r.stream, !muted); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Msg("set track enabled")
		}
	}
	a := r.active
	if a == nil {
		return nil
	}
	if err := a.coord.SetMuted(ctx, muted); err != nil {
		return fmt.Errorf("mute: %w", err)
	}
	r.presenceMu.Lock()
	err := r.deps.Directory.UpsertPresence(ctx, a.room, r.self, muted)
	r.presenceMu.Unlock()
	if err != nil {
		return fmt.Errorf("mute: presence: %w", err)
	}
	r.deps.Tracker.Apply(core.PresenceEvent{Kind: core.PresenceUpdated, Entry: domain.RosterEntry{
		RoomID:        a.room,
		ParticipantID: r.self,
		Muted:         muted,
		JoinedAt:      a.joinedAt,
		LastSeen:      time.Now(),
	}})
	log.Info().Str("module", "app.registry").Bool("muted", muted).Msg("mute set")
	return nil
}

// ToggleMute flips the mute flag and returns the new value.
func (r *Registry) ToggleMute(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	muted := !r.muted.Load()
	return muted, r.setMutedLocked(ctx, muted)
}

// upsertSelf refreshes the local presence row with the current mute state.
func (r *Registry) upsertSelf(ctx context.Context, room domain.RoomID, self domain.ParticipantID) error {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	return r.deps.Directory.UpsertPresence(ctx, room, self, r.muted.Load())
}

// Run reacts to directory changes that concern the current room until ctx is
// done: a deactivated room is left, and a presence row reaped while still
// joined is restored.
func (r *Registry) Run(ctx context.Context) error {
	events, cancel := r.deps.Tracker.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			r.onPresence(ctx, ev)
		}
	}
}

func (r *Registry) onPresence(ctx context.Context, ev core.PresenceEvent) {
	room, joined := r.Current()
	if !joined || ev.Entry.RoomID != room {
		return
	}
	switch ev.Kind {
	case core.RoomDeactivated:
		log.Warn().Str("module", "app.registry").Str("room", string(room)).Msg("room deactivated, leaving")
		if err := r.Leave(ctx); err != nil {
			log.Error().Err(err).Str("module", "app.registry").Msg("leave deactivated room")
		}
		r.forward(mesh.Event{Kind: mesh.EventError, Room: room, Err: core.ErrRoomInactive, At: time.Now()})
	case core.PresenceDeleted:
		self, err := r.Self(ctx)
		if err != nil || ev.Entry.ParticipantID != self {
			return
		}
		log.Warn().Str("module", "app.registry").Str("room", string(room)).Msg("presence reaped while joined, restoring")
		if err := r.upsertSelf(ctx, room, self); err != nil {
			log.Error().Err(err).Str("module", "app.registry").Msg("restore presence")
		}
	}
}

// Close leaves the current room on a best-effort basis and drops the capture.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.active != nil {
		err = r.leaveLocked(ctx)
	}
	for r.streamRefs > 0 {
		r.release()
	}
	return err
}

func (r *Registry) forward(ev mesh.Event) {
	select {
	case r.events <- ev:
	default:
		log.Warn().Str("module", "app.registry").Str("event", ev.String()).Msg("event dropped, consumer lagging")
	}
}

func (r *Registry) heartbeat(ctx context.Context, a *activeRoom, self domain.ParticipantID) {
	defer close(a.hbDone)
	t := time.NewTicker(r.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hctx, cancel := context.WithTimeout(ctx, r.cfg.Heartbeat)
			err := r.upsertSelf(hctx, a.room, self)
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "app.registry").Str("room", string(a.room)).Msg("heartbeat")
			}
		}
	}
}

// removePresence undoes a presence row written by a join that did not complete.
func (r *Registry) removePresence(room domain.RoomID, self domain.ParticipantID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.deps.Directory.RemovePresence(ctx, room, self); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Msg("undo presence")
	}
}

// acquire takes a reference on the capture stream, opening it on first use.
func (r *Registry) acquire(ctx context.Context) (core.StreamHandle, error) {
	if r.streamRefs == 0 {
		h, err := r.deps.Audio.Acquire(ctx, r.cfg.Constraints)
		if err != nil {
			return nil, fmt.Errorf("acquire audio: %w", err)
		}
		if err := r.deps.Audio.SetTrackEnabled(h, !r.muted.Load()); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Msg("set track enabled")
		}
		r.stream = h
		log.Info().Str("module", "app.registry").Str("stream", h.ID()).Msg("capture opened")
	}
	r.streamRefs++
	return r.stream, nil
}

// release drops a reference and closes the stream with the last one.
func (r *Registry) release() {
	if r.streamRefs == 0 {
		return
	}
	r.streamRefs--
	if r.streamRefs > 0 {
		return
	}
	h := r.stream
	r.stream = nil
	if err := r.deps.Audio.Release(h); err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("release audio")
		return
	}
	log.Info().Str("module", "app.registry").Str("stream", h.ID()).Msg("capture released")
}
