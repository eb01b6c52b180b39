package amqpbus

import (
	"errors"
	"testing"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

func TestCodecCarriesEveryKind(t *testing.T) {
	envs := []core.Envelope{
		core.NewAnnounce("bob"),
		core.NewLeave(),
		core.NewOffer("bob", "s1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}),
		core.NewAnswer("bob", "s2", "s1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}),
		core.NewCandidate("bob", "s1", "s2", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}),
	}
	for _, env := range envs {
		env.From = "alice"
		env.ID = "id-" + string(env.Kind)
		body, err := encode(env)
		if err != nil {
			t.Fatalf("encode %s: %v", env.Kind, err)
		}
		got, err := decode(body)
		if err != nil {
			t.Fatalf("decode %s: %v", env.Kind, err)
		}
		if got.Kind != env.Kind || got.From != "alice" || got.ID != env.ID || got.To != env.To ||
			got.Session != env.Session || got.Target != env.Target {
			t.Errorf("%s: header mismatch %+v", env.Kind, got)
		}
	}
}

func TestCodecRejectsMalformed(t *testing.T) {
	if _, err := encode(core.Envelope{Kind: core.KindOffer, From: "alice"}); !errors.Is(err, core.ErrMalformedEnvelope) {
		t.Fatalf("encode malformed: %v", err)
	}
	if _, err := decode([]byte{0xc1}); !errors.Is(err, core.ErrMalformedEnvelope) {
		t.Fatalf("decode garbage: %v", err)
	}
	body, err := msgpack.Marshal(&core.Wire{Type: core.KindCandidate, From: "alice", To: "bob", Session: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decode(body); !errors.Is(err, core.ErrMalformedEnvelope) {
		t.Fatalf("candidate without payload: %v", err)
	}
}

func TestAddressed(t *testing.T) {
	cases := []struct {
		env  core.Envelope
		want bool
	}{
		{core.Envelope{From: "alice", Kind: core.KindAnnounce}, true},
		{core.Envelope{From: "bob", Kind: core.KindAnnounce}, false},
		{core.Envelope{From: "alice", To: "bob", Kind: core.KindOffer}, true},
		{core.Envelope{From: "alice", To: "carol", Kind: core.KindOffer}, false},
	}
	for _, tc := range cases {
		if got := addressed("bob", tc.env); got != tc.want {
			t.Errorf("addressed(bob, from=%s to=%s) = %v, want %v", tc.env.From, tc.env.To, got, tc.want)
		}
	}
}
