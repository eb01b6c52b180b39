// Package directory holds the room and roster store served by cmd/server and
// the HTTP client that talks to it.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPresenceTTL = 30 * time.Second
	watchBuffer        = 64
)

// Memory is an in-process directory. A participant is present in at most one
// room; entries not refreshed within the TTL are reaped by Reconcile.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	rooms    map[domain.RoomID]*domain.Room
	roster   map[domain.RoomID]map[domain.ParticipantID]domain.RosterEntry
	names    map[domain.ParticipantID]string
	watchers map[chan core.PresenceEvent]struct{}
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Memory{
		ttl:      ttl,
		now:      time.Now,
		rooms:    make(map[domain.RoomID]*domain.Room),
		roster:   make(map[domain.RoomID]map[domain.ParticipantID]domain.RosterEntry),
		names:    make(map[domain.ParticipantID]string),
		watchers: make(map[chan core.PresenceEvent]struct{}),
	}
}

var _ core.Directory = (*Memory)(nil)

// ListActiveRooms returns active rooms, newest first.
func (m *Memory) ListActiveRooms(ctx context.Context) ([]domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if r.Active {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateRoom(ctx context.Context, name domain.RoomName, by domain.ParticipantID) (domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return domain.Room{}, err
	}
	r, err := domain.NewRoom(name, by, m.now())
	if err != nil {
		return domain.Room{}, err
	}
	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()
	log.Info().Str("module", "directory").Str("room", string(r.ID)).Str("name", string(name)).Msg("room created")
	return *r, nil
}

// DeactivateRoom hides the room from listings and evicts its roster.
func (m *Memory) DeactivateRoom(ctx context.Context, id domain.RoomID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, id)
	}
	if !r.Active {
		return nil
	}
	r.Active = false
	for _, e := range m.roster[id] {
		m.broadcast(core.PresenceEvent{Kind: core.PresenceDeleted, Entry: e})
	}
	delete(m.roster, id)
	m.broadcast(core.PresenceEvent{Kind: core.RoomDeactivated, Entry: domain.RosterEntry{RoomID: id}})
	log.Info().Str("module", "directory").Str("room", string(id)).Msg("room deactivated")
	return nil
}

// Roster returns the room's entries ordered by join time.
func (m *Memory) Roster(ctx context.Context, room domain.RoomID) ([]domain.RosterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room]; !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrRoomNotFound, room)
	}
	out := make([]domain.RosterEntry, 0, len(m.roster[room]))
	for _, e := range m.roster[room] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out, nil
}

// UpsertPresence inserts or refreshes pid in room and removes it from any
// other room.
func (m *Memory) UpsertPresence(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, muted bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pid.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[room]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, room)
	}
	if !r.Active {
		return fmt.Errorf("%w: %s", core.ErrRoomInactive, room)
	}

	for other, entries := range m.roster {
		if other == room {
			continue
		}
		if e, ok := entries[pid]; ok {
			delete(entries, pid)
			m.broadcast(core.PresenceEvent{Kind: core.PresenceDeleted, Entry: e})
		}
	}

	now := m.now()
	entries, ok := m.roster[room]
	if !ok {
		entries = make(map[domain.ParticipantID]domain.RosterEntry)
		m.roster[room] = entries
	}
	e, exists := entries[pid]
	if !exists {
		e = domain.RosterEntry{RoomID: room, ParticipantID: pid, JoinedAt: now}
	}
	e.Muted = muted
	e.LastSeen = now
	e.DisplayName = m.names[pid]
	entries[pid] = e

	kind := core.PresenceUpdated
	if !exists {
		kind = core.PresenceInserted
	}
	m.broadcast(core.PresenceEvent{Kind: kind, Entry: e})
	return nil
}

// RemovePresence is a no-op when pid is not in room.
func (m *Memory) RemovePresence(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room]; !ok {
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, room)
	}
	e, ok := m.roster[room][pid]
	if !ok {
		return nil
	}
	delete(m.roster[room], pid)
	m.broadcast(core.PresenceEvent{Kind: core.PresenceDeleted, Entry: e})
	return nil
}

// SetDisplayName records the name shown next to pid in rosters.
func (m *Memory) SetDisplayName(pid domain.ParticipantID, name string) error {
	p, err := domain.NewParticipant(pid, name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[pid] = p.DisplayName
	for _, entries := range m.roster {
		if e, ok := entries[pid]; ok && e.DisplayName != p.DisplayName {
			e.DisplayName = p.DisplayName
			entries[pid] = e
			m.broadcast(core.PresenceEvent{Kind: core.PresenceUpdated, Entry: e})
		}
	}
	return nil
}

// Watch streams every change until ctx is done. A watcher that falls behind
// has its channel closed and must watch again and resync.
func (m *Memory) Watch(ctx context.Context) (<-chan core.PresenceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan core.PresenceEvent, watchBuffer)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// broadcast must be called with mu held.
func (m *Memory) broadcast(ev core.PresenceEvent) {
	for ch := range m.watchers {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "directory").Msg("watcher too slow, closing")
			delete(m.watchers, ch)
			close(ch)
		}
	}
}

// Reconcile reaps entries whose LastSeen is older than the TTL.
func (m *Memory) Reconcile() int {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for _, entries := range m.roster {
		for pid, e := range entries {
			if e.LastSeen.Before(cutoff) {
				delete(entries, pid)
				m.broadcast(core.PresenceEvent{Kind: core.PresenceDeleted, Entry: e})
				reaped++
			}
		}
	}
	if reaped > 0 {
		log.Info().Str("module", "directory").Int("reaped", reaped).Msg("stale presence removed")
	}
	return reaped
}

// Run reconciles every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile()
		}
	}
}
