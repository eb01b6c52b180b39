package wsbus

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/adapters/signal"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

func startHub(t *testing.T) (*signal.Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := signal.NewHub(signal.Options{})
	r := gin.New()
	r.GET("/api/ws/signal", func(c *gin.Context) {
		if token, err := c.Cookie("ct"); err == nil {
			c.Set("client_token", token)
		}
		hub.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func subscribe(t *testing.T, bus *Bus, room domain.RoomID, self domain.ParticipantID) core.Subscription {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := bus.Subscribe(ctx, room, self)
	if err != nil {
		t.Fatalf("subscribe %s: %v", self, err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func waitConns(t *testing.T, hub *signal.Hub, room domain.RoomID, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Conns(room) != n {
		if time.Now().After(deadline) {
			t.Fatalf("room %s has %d conns, want %d", room, hub.Conns(room), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, sub core.Subscription) core.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return core.Envelope{}
}

func quiet(t *testing.T, sub core.Subscription) {
	t.Helper()
	select {
	case env := <-sub.C():
		t.Fatalf("unexpected %s from %s", env.Kind, env.From)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBusRoundTripThroughHub(t *testing.T) {
	hub, srv := startHub(t)
	bus := New(srv.URL)
	alice := subscribe(t, bus, "r1", "alice")
	bob := subscribe(t, bus, "r1", "bob")
	carol := subscribe(t, bus, "r1", "carol")
	waitConns(t, hub, "r1", 3)

	ctx := context.Background()
	if err := alice.Publish(ctx, core.NewAnnounce()); err != nil {
		t.Fatalf("publish announce: %v", err)
	}
	for _, sub := range []core.Subscription{bob, carol} {
		env := receive(t, sub)
		if env.Kind != core.KindAnnounce || env.From != "alice" || env.ID == "" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	}
	quiet(t, alice)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := bob.Publish(ctx, core.NewOffer("alice", "s-bob", offer)); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	env := receive(t, alice)
	if env.Kind != core.KindOffer || env.From != "bob" || env.Session != "s-bob" || env.Description.SDP != "v=0" {
		t.Fatalf("unexpected offer %+v", env)
	}
	quiet(t, carol)
}

func TestBusRejectsMalformedLocally(t *testing.T) {
	_, srv := startHub(t)
	sub := subscribe(t, New(srv.URL), "r1", "alice")

	err := sub.Publish(context.Background(), core.Envelope{Kind: core.KindOffer, To: "bob"})
	if err == nil {
		t.Fatal("malformed envelope published")
	}
}

func TestBusCloseEndsDelivery(t *testing.T) {
	hub, srv := startHub(t)
	sub := subscribe(t, New(srv.URL), "r1", "alice")
	waitConns(t, hub, "r1", 1)

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel still open after Close")
	}
	if err := sub.Publish(context.Background(), core.NewAnnounce()); err != core.ErrSubscriptionClosed {
		t.Fatalf("publish after close: %v", err)
	}
	waitConns(t, hub, "r1", 0)
}

func TestEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/api/ws/signal?room=r+1",
		"https://voice.example.org/": "wss://voice.example.org/api/ws/signal?room=r+1",
	}
	for base, want := range cases {
		got, err := New(base).endpoint("r 1")
		if err != nil {
			t.Fatalf("%s: %v", base, err)
		}
		if got != want {
			t.Errorf("%s: got %s, want %s", base, got, want)
		}
	}
	if _, err := New("ftp://x").endpoint("r"); err == nil {
		t.Error("ftp scheme accepted")
	}
}
