// Package membus is an in-process signaling bus. It backs single-process
// demos and the mesh tests, and can hold or duplicate traffic on demand.
package membus

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type delivery struct {
	to  *subscription
	env core.Envelope
}

// Broker fans envelopes out to every subscriber of a room.
type Broker struct {
	mu        sync.Mutex
	rooms     map[domain.RoomID]map[*subscription]struct{}
	holding   bool
	held      []delivery
	duplicate bool
	drop      func(core.Envelope) bool
}

func NewBroker() *Broker {
	return &Broker{rooms: make(map[domain.RoomID]map[*subscription]struct{})}
}

var _ core.SignalBus = (*Broker)(nil)

func (b *Broker) Subscribe(_ context.Context, room domain.RoomID, self domain.ParticipantID) (core.Subscription, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	s := &subscription{
		broker: b,
		room:   room,
		self:   self,
		queue:  core.NewMailbox[core.Envelope](),
		out:    make(chan core.Envelope),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	subs, ok := b.rooms[room]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.rooms[room] = subs
	}
	subs[s] = struct{}{}
	b.mu.Unlock()

	go s.forward()
	log.Debug().Str("module", "membus").Str("room", string(room)).Str("self", string(self)).Msg("subscribed")
	return s, nil
}

// Hold queues deliveries instead of handing them to subscribers.
func (b *Broker) Hold() {
	b.mu.Lock()
	b.holding = true
	b.mu.Unlock()
}

// Release delivers everything held, in publish order, and stops holding.
func (b *Broker) Release() {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.holding = false
	for _, d := range held {
		d.to.queue.Push(d.env)
	}
	b.mu.Unlock()
}

// SetDuplicate makes every delivery happen twice with the same id.
func (b *Broker) SetDuplicate(on bool) {
	b.mu.Lock()
	b.duplicate = on
	b.mu.Unlock()
}

// SetDrop installs a filter; envelopes it matches are silently lost.
func (b *Broker) SetDrop(fn func(core.Envelope) bool) {
	b.mu.Lock()
	b.drop = fn
	b.mu.Unlock()
}

// Subscribers counts live subscriptions in room.
func (b *Broker) Subscribers(room domain.RoomID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[room])
}

func (b *Broker) publish(from *subscription, env core.Envelope) error {
	env.From = from.self
	env.ID = uuid.NewString()
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drop != nil && b.drop(env) {
		return nil
	}
	copies := 1
	if b.duplicate {
		copies = 2
	}
	for s := range b.rooms[from.room] {
		if s.self == from.self {
			continue
		}
		if env.To != "" && env.To != s.self {
			continue
		}
		for i := 0; i < copies; i++ {
			if b.holding {
				b.held = append(b.held, delivery{to: s, env: env})
				continue
			}
			s.queue.Push(env)
		}
	}
	return nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.rooms[s.room]
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.rooms, s.room)
	}
	kept := b.held[:0]
	for _, d := range b.held {
		if d.to != s {
			kept = append(kept, d)
		}
	}
	b.held = kept
}

type subscription struct {
	broker *Broker
	room   domain.RoomID
	self   domain.ParticipantID

	queue *core.Mailbox[core.Envelope]
	out   chan core.Envelope
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) C() <-chan core.Envelope { return s.out }

func (s *subscription) Publish(ctx context.Context, env core.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.stop:
		return core.ErrSubscriptionClosed
	default:
	}
	if err := s.broker.publish(s, env); err != nil {
		return fmt.Errorf("membus publish: %w", err)
	}
	return nil
}

// Close is idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.stop)
		s.queue.Close()
		<-s.done
	})
	return nil
}

func (s *subscription) forward() {
	defer close(s.done)
	defer close(s.out)
	for {
		env, ok := s.queue.Pop()
		if !ok {
			return
		}
		select {
		case s.out <- env:
		case <-s.stop:
			return
		}
	}
}
