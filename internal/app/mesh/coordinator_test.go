package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/adapters/membus"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

const testRoom = domain.RoomID("room-1")

type peer struct {
	id     domain.ParticipantID
	c      *Coordinator
	events chan Event
}

type peerOpt func(*Config, *Deps)

func withTimeout(d time.Duration) peerOpt {
	return func(c *Config, _ *Deps) { c.ConnectTimeout = d }
}

func withRoster(r Roster) peerOpt {
	return func(_ *Config, d *Deps) { d.Roster = r }
}

func withMuted() peerOpt {
	return func(c *Config, _ *Deps) { c.Muted = true }
}

func newPeer(t *testing.T, bus core.SignalBus, net *fakeNet, id domain.ParticipantID, opts ...peerOpt) *peer {
	t.Helper()
	p := &peer{id: id, events: make(chan Event, 1024)}
	cfg := Config{Room: testRoom, Self: id}
	deps := Deps{
		Bus:        bus,
		Transports: net.factory(),
		Stream:     fakeStream{id: "mic-" + string(id)},
		Events: func(ev Event) {
			select {
			case p.events <- ev:
			default:
			}
		},
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	p.c = New(cfg, deps)
	t.Cleanup(func() { _ = p.c.Leave(context.Background()) })
	return p
}

func startPeer(t *testing.T, bus core.SignalBus, net *fakeNet, id domain.ParticipantID, opts ...peerOpt) *peer {
	t.Helper()
	p := newPeer(t, bus, net, id, opts...)
	if err := p.c.Join(context.Background()); err != nil {
		t.Fatalf("%s join: %v", id, err)
	}
	return p
}

// barrierBus holds every Subscribe until n subscriptions exist, so the
// announces that follow all cross in flight.
type barrierBus struct {
	core.SignalBus
	n       int
	mu      sync.Mutex
	joined  int
	release chan struct{}
}

func newBarrierBus(bus core.SignalBus, n int) *barrierBus {
	return &barrierBus{SignalBus: bus, n: n, release: make(chan struct{})}
}

func (b *barrierBus) Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (core.Subscription, error) {
	sub, err := b.SignalBus.Subscribe(ctx, room, self)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.joined++
	if b.joined == b.n {
		close(b.release)
	}
	b.mu.Unlock()
	select {
	case <-b.release:
		return sub, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func snapshot(t *testing.T, p *peer) map[domain.ParticipantID]PeerInfo {
	t.Helper()
	infos, err := p.c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("%s snapshot: %v", p.id, err)
	}
	out := make(map[domain.ParticipantID]PeerInfo, len(infos))
	for _, i := range infos {
		out[i.Remote] = i
	}
	return out
}

func waitMesh(t *testing.T, peers ...*peer) {
	t.Helper()
	eventually(t, "full mesh connected", func() bool {
		for _, p := range peers {
			snap := snapshot(t, p)
			if len(snap) != len(peers)-1 {
				return false
			}
			for _, info := range snap {
				if info.State != StateConnected.String() {
					return false
				}
			}
		}
		return true
	})
}

func waitEvent(t *testing.T, p *peer, kind EventKind, from domain.ParticipantID) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if ev.Kind == kind && ev.Peer == from {
				return ev
			}
		case <-timeout:
			t.Fatalf("%s: no %s event for %s", p.id, kind, from)
		}
	}
}

func openTransports(net *fakeNet, local domain.ParticipantID) int {
	n := 0
	for _, tr := range net.transports(local) {
		if !tr.isClosed() {
			n++
		}
	}
	return n
}

func assertComplementaryRoles(t *testing.T, a, b *peer) {
	t.Helper()
	ra, rb := snapshot(t, a)[b.id].Role, snapshot(t, b)[a.id].Role
	if ra == rb {
		t.Fatalf("%s and %s both %s", a.id, b.id, ra)
	}
}

func TestSequentialJoinConverges(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	a := startPeer(t, bus, net, "a")
	b := startPeer(t, bus, net, "b")
	c := startPeer(t, bus, net, "c")

	waitMesh(t, a, b, c)

	assertComplementaryRoles(t, a, b)
	assertComplementaryRoles(t, a, c)
	assertComplementaryRoles(t, b, c)
	if got := snapshot(t, a)[c.id].Role; got != RoleInitiator.String() {
		t.Fatalf("earlier joiner should initiate, got %s", got)
	}
	for _, p := range []*peer{a, b, c} {
		if got := openTransports(net, p.id); got != 2 {
			t.Fatalf("%s has %d open transports, want 2", p.id, got)
		}
	}
}

func TestSimultaneousAnnounceResolvesGlare(t *testing.T) {
	bus, net := newBarrierBus(membus.NewBroker(), 2), newFakeNet()
	a := newPeer(t, bus, net, "a")
	b := newPeer(t, bus, net, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 2)
	for _, p := range []*peer{a, b} {
		go func(p *peer) { errs <- p.c.Join(ctx) }(p)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	waitMesh(t, a, b)
	assertComplementaryRoles(t, a, b)
	if got := snapshot(t, b)[a.id].Role; got != RoleInitiator.String() {
		t.Fatalf("higher id should keep its offer, b is %s", got)
	}
	eventually(t, "stale glare session closed", func() bool {
		return openTransports(net, "a") == 1 && openTransports(net, "b") == 1
	})
	if got := len(net.transports("a")); got != 2 {
		t.Fatalf("a opened %d transports, want 2 (one yielded to the collision)", got)
	}
	if got := len(net.transports("b")); got != 1 {
		t.Fatalf("b opened %d transports, want 1", got)
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	bus.SetDuplicate(true)
	a := startPeer(t, bus, net, "a")
	b := startPeer(t, bus, net, "b")

	waitMesh(t, a, b)
	if got := len(net.transports("a")); got != 1 {
		t.Fatalf("a opened %d transports, want 1", got)
	}
	if got := len(net.transports("b")); got != 1 {
		t.Fatalf("b opened %d transports, want 1", got)
	}
}

func TestMuteTogglesTracksWithoutChurn(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	a := startPeer(t, bus, net, "a")
	b := startPeer(t, bus, net, "b")
	c := startPeer(t, bus, net, "c")
	waitMesh(t, a, b, c)

	allEnabled := func(want bool) func() bool {
		return func() bool {
			for _, tr := range net.transports("a") {
				if tr.trackEnabled() != want {
					return false
				}
			}
			return true
		}
	}

	if err := a.c.SetMuted(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "tracks disabled", allEnabled(false))
	if err := a.c.SetMuted(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	eventually(t, "tracks enabled", allEnabled(true))

	if got := len(net.transports("a")); got != 2 {
		t.Fatalf("mute caused renegotiation: %d transports", got)
	}
	waitMesh(t, a, b, c)
}

func TestMutedJoinerStartsDisabled(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	a := startPeer(t, bus, net, "a", withMuted())
	b := startPeer(t, bus, net, "b")
	waitMesh(t, a, b)

	trs := net.transports("a")
	if len(trs) != 1 || trs[0].trackEnabled() {
		t.Fatal("muted participant is sending")
	}
	if !net.transports("b")[0].trackEnabled() {
		t.Fatal("unmuted participant is not sending")
	}
}

func TestRemoteLeaveTearsDown(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	a := startPeer(t, bus, net, "a")
	b := startPeer(t, bus, net, "b")
	c := startPeer(t, bus, net, "c")
	waitMesh(t, a, b, c)

	if err := c.c.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, a, EventPeerDisconnected, "c")
	waitEvent(t, b, EventPeerDisconnected, "c")
	waitMesh(t, a, b)

	if got := openTransports(net, "c"); got != 0 {
		t.Fatalf("c still has %d open transports", got)
	}
	if got := bus.Subscribers(testRoom); got != 2 {
		t.Fatalf("subscribers = %d, want 2", got)
	}
}

func TestConnectTimeoutRetriesOnceThenDegrades(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	net.block("a", "b")
	a := startPeer(t, bus, net, "a", withTimeout(150*time.Millisecond))
	b := startPeer(t, bus, net, "b", withTimeout(150*time.Millisecond))

	waitEvent(t, a, EventPeerDegraded, "b")
	waitEvent(t, b, EventPeerDegraded, "a")
	eventually(t, "failed sessions released", func() bool {
		return len(snapshot(t, a)) == 0 && len(snapshot(t, b)) == 0 &&
			openTransports(net, "a") == 0 && openTransports(net, "b") == 0
	})
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	net.block("a", "b")
	a := startPeer(t, bus, net, "a", withTimeout(150*time.Millisecond))
	b := startPeer(t, bus, net, "b", withTimeout(time.Minute))

	waitEvent(t, a, EventPeerRetry, "b")
	net.unblock("a", "b")

	waitMesh(t, a, b)
	waitEvent(t, a, EventPeerConnected, "b")
}

type staticRoster struct {
	mu      sync.Mutex
	present map[domain.ParticipantID]bool
}

func (r *staticRoster) Contains(_ domain.RoomID, pid domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.present[pid]
}

func (r *staticRoster) remove(pid domain.ParticipantID) {
	r.mu.Lock()
	delete(r.present, pid)
	r.mu.Unlock()
}

func TestAbruptExitOutsideRosterDegrades(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	roster := &staticRoster{present: map[domain.ParticipantID]bool{"a": true, "b": true}}
	a := startPeer(t, bus, net, "a", withRoster(roster))
	b := startPeer(t, bus, net, "b", withRoster(roster))
	waitMesh(t, a, b)

	roster.remove("b")
	net.kill("b")

	ev := waitEvent(t, a, EventPeerDegraded, "b")
	if !errors.Is(ev.Err, ErrTransportFailed) {
		t.Fatalf("degraded cause = %v", ev.Err)
	}
	eventually(t, "session dropped", func() bool { return len(snapshot(t, a)) == 0 })
	for {
		select {
		case ev := <-a.events:
			if ev.Kind == EventPeerRetry {
				t.Fatal("retried a peer that left the roster")
			}
		default:
			return
		}
	}
}

func TestJoinIsIdempotentAndLeaveIsFinal(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	a := startPeer(t, bus, net, "a")

	if err := a.c.Join(context.Background()); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if got := bus.Subscribers(testRoom); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}
	if err := a.c.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.c.Leave(context.Background()); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if err := a.c.Join(context.Background()); !errors.Is(err, ErrCoordinatorClosed) {
		t.Fatalf("join after leave: %v", err)
	}
}

func TestSnapshotTimeoutLeavesNoPendingWrite(t *testing.T) {
	bus, net := membus.NewBroker(), newFakeNet()
	a := startPeer(t, bus, net, "a")
	startPeer(t, bus, net, "b")
	eventually(t, "a sees b", func() bool { return len(snapshot(t, a)) == 1 })

	busy := make(chan struct{})
	a.c.inbox.Push(func() { <-busy })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	infos, err := a.c.Snapshot(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || infos != nil {
		t.Fatalf("got %v, %v; want deadline exceeded", infos, err)
	}
	close(busy)

	if got := snapshot(t, a); len(got) != 1 {
		t.Fatalf("snapshot after timeout = %v", got)
	}
}
