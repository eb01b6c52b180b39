package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/adapters/membus"
	"github.com/dkeye/VoiceMesh/internal/app/mesh"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/core/mocks"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"go.uber.org/mock/gomock"
)

type stubStream struct{}

func (stubStream) ID() string               { return "mic" }
func (stubStream) Track() webrtc.TrackLocal { return nil }

type noTransports struct{}

func (noTransports) NewTransport(core.TransportConfig) (core.Transport, error) {
	return nil, errors.New("no transports in this test")
}

type fixture struct {
	dir   *mocks.MockDirectory
	audio *mocks.MockAudioDevice
	bus   *membus.Broker
	reg   *Registry
}

var (
	lounge  = domain.Room{ID: "lounge", Name: "Lounge", Active: true}
	kitchen = domain.Room{ID: "kitchen", Name: "Kitchen", Active: true}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		dir:   mocks.NewMockDirectory(ctrl),
		audio: mocks.NewMockAudioDevice(ctrl),
		bus:   membus.NewBroker(),
	}
	ident := mocks.NewMockIdentity(ctrl)
	ident.EXPECT().CurrentParticipantID(gomock.Any()).Return(domain.ParticipantID("me"), nil).AnyTimes()
	f.dir.EXPECT().ListActiveRooms(gomock.Any()).Return([]domain.Room{lounge, kitchen}, nil).AnyTimes()
	f.dir.EXPECT().Roster(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	f.reg = NewRegistry(Config{Heartbeat: time.Hour}, Deps{
		Directory:  f.dir,
		Identity:   ident,
		Audio:      f.audio,
		Bus:        f.bus,
		Transports: noTransports{},
	})
	return f
}

func (f *fixture) expectJoin(room domain.RoomID) {
	f.dir.EXPECT().UpsertPresence(gomock.Any(), room, domain.ParticipantID("me"), false).Return(nil)
}

func (f *fixture) expectLeave(room domain.RoomID) {
	f.dir.EXPECT().RemovePresence(gomock.Any(), room, domain.ParticipantID("me")).Return(nil)
}

func (f *fixture) expectCapture() {
	f.audio.EXPECT().Acquire(gomock.Any(), gomock.Any()).Return(stubStream{}, nil)
	f.audio.EXPECT().SetTrackEnabled(stubStream{}, true).Return(nil)
}

func TestJoinFailsFastWithoutCapture(t *testing.T) {
	f := newFixture(t)
	f.audio.EXPECT().Acquire(gomock.Any(), gomock.Any()).Return(nil, errors.New("no microphone"))

	if err := f.reg.Join(context.Background(), lounge.ID); err == nil {
		t.Fatal("join succeeded without capture")
	}
	if _, ok := f.reg.Current(); ok {
		t.Fatal("registry reports a room after failed join")
	}
	if n := f.bus.Subscribers(lounge.ID); n != 0 {
		t.Fatalf("bus subscribers = %d", n)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	f := newFixture(t)
	err := f.reg.Join(context.Background(), "attic")
	if !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDirectoryFailureUnwinds(t *testing.T) {
	f := newFixture(t)
	f.expectCapture()
	f.dir.EXPECT().UpsertPresence(gomock.Any(), lounge.ID, gomock.Any(), false).Return(core.ErrDirectoryDown)
	f.audio.EXPECT().Release(stubStream{}).Return(nil)

	err := f.reg.Join(context.Background(), lounge.ID)
	if !errors.Is(err, core.ErrDirectoryDown) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := f.reg.Current(); ok {
		t.Fatal("partial join left behind")
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.expectCapture()
	f.expectJoin(lounge.ID)

	for i := 0; i < 2; i++ {
		if err := f.reg.Join(context.Background(), lounge.ID); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.bus.Subscribers(lounge.ID); n != 1 {
		t.Fatalf("bus subscribers = %d", n)
	}

	f.expectLeave(lounge.ID)
	f.audio.EXPECT().Release(stubStream{}).Return(nil)
	if err := f.reg.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSwitchingRoomsKeepsCaptureOpen(t *testing.T) {
	f := newFixture(t)
	f.expectCapture()
	f.expectJoin(lounge.ID)
	f.expectLeave(lounge.ID)
	f.expectJoin(kitchen.ID)

	ctx := context.Background()
	if err := f.reg.Join(ctx, lounge.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Join(ctx, kitchen.ID); err != nil {
		t.Fatal(err)
	}
	if room, _ := f.reg.Current(); room != kitchen.ID {
		t.Fatalf("current = %s", room)
	}
	if f.bus.Subscribers(lounge.ID) != 0 || f.bus.Subscribers(kitchen.ID) != 1 {
		t.Fatal("participant is signaling in more than one room")
	}
	if f.reg.Tracker().Contains(lounge.ID, "me") {
		t.Fatal("still listed in the previous room")
	}

	f.expectLeave(kitchen.ID)
	f.audio.EXPECT().Release(stubStream{}).Return(nil).Times(1)
	if err := f.reg.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Leave(ctx); err != nil {
		t.Fatalf("second leave: %v", err)
	}
}

func TestMuteFlowsDownAndUp(t *testing.T) {
	f := newFixture(t)
	f.expectCapture()
	f.expectJoin(lounge.ID)
	ctx := context.Background()
	if err := f.reg.Join(ctx, lounge.ID); err != nil {
		t.Fatal(err)
	}

	f.audio.EXPECT().SetTrackEnabled(stubStream{}, false).Return(nil).Times(2)
	f.audio.EXPECT().SetTrackEnabled(stubStream{}, true).Return(nil).Times(2)
	f.dir.EXPECT().UpsertPresence(gomock.Any(), lounge.ID, domain.ParticipantID("me"), true).Return(nil).Times(2)
	f.dir.EXPECT().UpsertPresence(gomock.Any(), lounge.ID, domain.ParticipantID("me"), false).Return(nil).Times(2)

	for i := 0; i < 4; i++ {
		muted, err := f.reg.ToggleMute(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want := i%2 == 0; muted != want {
			t.Fatalf("toggle %d: muted = %v", i, muted)
		}
		roster := f.reg.Roster(lounge.ID)
		if len(roster) != 1 || roster[0].Muted != muted {
			t.Fatalf("toggle %d: roster = %+v", i, roster)
		}
	}
	if f.reg.Muted() {
		t.Fatal("even number of toggles left the participant muted")
	}

	f.expectLeave(lounge.ID)
	f.audio.EXPECT().Release(stubStream{}).Return(nil)
	if err := f.reg.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentTogglesNeverCollapse(t *testing.T) {
	f := newFixture(t)
	f.expectCapture()
	f.expectJoin(lounge.ID)
	ctx := context.Background()
	if err := f.reg.Join(ctx, lounge.ID); err != nil {
		t.Fatal(err)
	}
	f.audio.EXPECT().SetTrackEnabled(stubStream{}, gomock.Any()).Return(nil).AnyTimes()
	f.dir.EXPECT().UpsertPresence(gomock.Any(), lounge.ID, domain.ParticipantID("me"), gomock.Any()).Return(nil).AnyTimes()

	const n = 20
	var wg sync.WaitGroup
	var mutedCount atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			muted, err := f.reg.ToggleMute(ctx)
			if err != nil {
				t.Error(err)
			}
			if muted {
				mutedCount.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := mutedCount.Load(); got != n/2 {
		t.Fatalf("%d of %d toggles reported muted, want %d", got, n, n/2)
	}
	if f.reg.Muted() {
		t.Fatal("even number of toggles left the participant muted")
	}

	f.expectLeave(lounge.ID)
	f.audio.EXPECT().Release(stubStream{}).Return(nil)
	if err := f.reg.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestHeartbeatNeverOverwritesNewerMute(t *testing.T) {
	f := newFixture(t)
	f.reg.cfg.Heartbeat = 5 * time.Millisecond
	f.expectCapture()

	var armed, settled, stale atomic.Bool
	entered, gate := make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.dir.EXPECT().UpsertPresence(gomock.Any(), lounge.ID, domain.ParticipantID("me"), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ domain.RoomID, _ domain.ParticipantID, muted bool) error {
			if armed.Load() && !muted {
				once.Do(func() {
					close(entered)
					<-gate
				})
			}
			if settled.Load() && !muted {
				stale.Store(true)
			}
			return nil
		}).AnyTimes()

	ctx := context.Background()
	if err := f.reg.Join(ctx, lounge.ID); err != nil {
		t.Fatal(err)
	}
	armed.Store(true)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat")
	}

	f.audio.EXPECT().SetTrackEnabled(stubStream{}, false).Return(nil)
	done := make(chan error, 1)
	go func() {
		err := f.reg.SetMuted(ctx, true)
		settled.Store(true)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	f.expectLeave(lounge.ID)
	f.audio.EXPECT().Release(stubStream{}).Return(nil)
	if err := f.reg.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if stale.Load() {
		t.Fatal("heartbeat wrote an unmuted row after SetMuted returned")
	}
}

func TestDeactivatedRoomIsLeft(t *testing.T) {
	f := newFixture(t)
	f.expectCapture()
	f.expectJoin(lounge.ID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.reg.Join(ctx, lounge.ID); err != nil {
		t.Fatal(err)
	}

	f.expectLeave(lounge.ID)
	f.audio.EXPECT().Release(stubStream{}).Return(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.reg.Run(ctx)
	}()
	// Run subscribes asynchronously; keep nudging until it reacts.
	deadline := time.After(5 * time.Second)
	for {
		f.reg.Tracker().Apply(core.PresenceEvent{Kind: core.RoomDeactivated, Entry: domain.RosterEntry{RoomID: lounge.ID}})
		if _, ok := f.reg.Current(); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("room not left")
		case <-time.After(20 * time.Millisecond):
		}
	}

	for ev := range f.reg.Events() {
		if ev.Kind == mesh.EventError {
			if !errors.Is(ev.Err, core.ErrRoomInactive) {
				t.Fatalf("err = %v", ev.Err)
			}
			break
		}
	}
	cancel()
	<-done
}
