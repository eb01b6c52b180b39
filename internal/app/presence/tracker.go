// Package presence keeps an in-memory mirror of directory rosters.
package presence

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
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Tracker mirrors directory roster events for the rooms it was seeded with.
// It is eventually consistent with the directory; events for rooms nobody
// seeded are still recorded so Contains answers for any watched room.
type Tracker struct {
	dir core.Directory

	mu     sync.RWMutex
	rooms  map[domain.RoomID]map[domain.ParticipantID]domain.RosterEntry
	seeded map[domain.RoomID]struct{}
	subs   map[int]chan core.PresenceEvent
	nextID int
}

func NewTracker(dir core.Directory) *Tracker {
	return &Tracker{
		dir:    dir,
		rooms:  make(map[domain.RoomID]map[domain.ParticipantID]domain.RosterEntry),
		seeded: make(map[domain.RoomID]struct{}),
		subs:   make(map[int]chan core.PresenceEvent),
	}
}

// Seed replaces the cached roster of room with the directory's view.
func (t *Tracker) Seed(ctx context.Context, room domain.RoomID) error {
	entries, err := t.dir.Roster(ctx, room)
	if err != nil {
		return fmt.Errorf("seed roster %s: %w", room, err)
	}
	m := make(map[domain.ParticipantID]domain.RosterEntry, len(entries))
	for _, e := range entries {
		m[e.ParticipantID] = e
	}
	t.mu.Lock()
	t.rooms[room] = m
	t.seeded[room] = struct{}{}
	t.mu.Unlock()
	log.Debug().Str("module", "presence").Str("room", string(room)).Int("entries", len(entries)).Msg("seeded")
	return nil
}

// Forget drops the cached roster of room.
func (t *Tracker) Forget(room domain.RoomID) {
	t.mu.Lock()
	delete(t.rooms, room)
	delete(t.seeded, room)
	t.mu.Unlock()
}

// Apply folds one event into the cache and fans it out to subscribers.
// Updates older than the cached row are ignored.
func (t *Tracker) Apply(ev core.PresenceEvent) {
	room := ev.Entry.RoomID
	t.mu.Lock()
	switch ev.Kind {
	case core.PresenceInserted, core.PresenceUpdated:
		m, ok := t.rooms[room]
		if !ok {
			m = make(map[domain.ParticipantID]domain.RosterEntry)
			t.rooms[room] = m
		}
		if cur, ok := m[ev.Entry.ParticipantID]; ok && cur.LastSeen.After(ev.Entry.LastSeen) {
			t.mu.Unlock()
			return
		}
		m[ev.Entry.ParticipantID] = ev.Entry
	case core.PresenceDeleted:
		if m, ok := t.rooms[room]; ok {
			delete(m, ev.Entry.ParticipantID)
		}
	case core.RoomDeactivated:
		delete(t.rooms, room)
		delete(t.seeded, room)
	default:
		t.mu.Unlock()
		log.Warn().Str("module", "presence").Str("kind", string(ev.Kind)).Msg("unknown presence event")
		return
	}
	subs := make([]chan core.PresenceEvent, 0, len(t.subs))
	for _, ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "presence").Str("room", string(room)).Msg("subscriber lagging, event dropped")
		}
	}
}

// Roster returns the cached entries of room, earliest joiner first.
func (t *Tracker) Roster(room domain.RoomID) []domain.RosterEntry {
	t.mu.RLock()
	m := t.rooms[room]
	out := make([]domain.RosterEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

func (t *Tracker) Contains(room domain.RoomID, pid domain.ParticipantID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[room][pid]
	return ok
}

// Subscribe returns a channel of applied events. Slow readers lose events.
func (t *Tracker) Subscribe(buf int) (<-chan core.PresenceEvent, func()) {
	ch := make(chan core.PresenceEvent, buf)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Run follows the directory change stream until ctx is done. When the stream
// breaks it reconnects with backoff and re-seeds every seeded room, since
// events may have been missed meanwhile.
func (t *Tracker) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		events, err := t.dir.Watch(ctx)
		if err == nil {
			if resynced := t.resync(ctx); resynced > 0 {
				log.Info().Str("module", "presence").Int("rooms", resynced).Msg("resynced after (re)connect")
			}
			backoff = minBackoff
			if t.consume(ctx, events) {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Str("module", "presence").Dur("backoff", backoff).Msg("directory watch lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consume applies events until the stream closes. It reports true when ctx ended it.
func (t *Tracker) consume(ctx context.Context, events <-chan core.PresenceEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-events:
			if !ok {
				return false
			}
			t.Apply(ev)
		}
	}
}

func (t *Tracker) resync(ctx context.Context) int {
	t.mu.RLock()
	rooms := make([]domain.RoomID, 0, len(t.seeded))
	for r := range t.seeded {
		rooms = append(rooms, r)
	}
	t.mu.RUnlock()

	n := 0
	for _, r := range rooms {
		if err := t.Seed(ctx, r); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("room", string(r)).Msg("resync")
			continue
		}
		n++
	}
	return n
}
