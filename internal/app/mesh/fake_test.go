package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type pairKey struct {
	local, remote domain.ParticipantID
}

func unordered(a, b domain.ParticipantID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// fakeNet connects fakeTransports whose descriptions and candidates were
// exchanged correctly. Nothing reaches "connected" through a stale session.
type fakeNet struct {
	mu      sync.Mutex
	seq     int
	latest  map[pairKey]*fakeTransport
	all     []*fakeTransport
	blocked map[pairKey]bool
	failNew map[domain.ParticipantID]bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		latest:  make(map[pairKey]*fakeTransport),
		blocked: make(map[pairKey]bool),
		failNew: make(map[domain.ParticipantID]bool),
	}
}

// factory returns the TransportFactory for one participant.
func (n *fakeNet) factory() core.TransportFactory { return fakeFactory{n} }

type fakeFactory struct{ n *fakeNet }

func (f fakeFactory) NewTransport(cfg core.TransportConfig) (core.Transport, error) {
	n := f.n
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNew[cfg.Local] {
		return nil, errors.New("fake: transport unavailable")
	}
	n.seq++
	t := &fakeTransport{
		net:     n,
		id:      n.seq,
		local:   cfg.Local,
		remote:  cfg.Remote,
		enabled: true,
		added:   make(map[string]bool),
		done:    make(chan struct{}),
	}
	n.latest[pairKey{cfg.Local, cfg.Remote}] = t
	n.all = append(n.all, t)
	return t, nil
}

func (n *fakeNet) block(a, b domain.ParticipantID) {
	n.mu.Lock()
	n.blocked[unordered(a, b)] = true
	n.mu.Unlock()
}

func (n *fakeNet) unblock(a, b domain.ParticipantID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, unordered(a, b))
	for _, t := range n.latest {
		n.check(t)
	}
}

// kill drops every transport of pid and fails its counterparts, as if the
// process vanished.
func (n *fakeNet) kill(pid domain.ParticipantID) {
	n.mu.Lock()
	var peers []*fakeTransport
	for _, t := range n.all {
		if t.remote == pid && !t.closed {
			peers = append(peers, t)
		}
	}
	n.mu.Unlock()
	for _, t := range peers {
		t.fireState(webrtc.PeerConnectionStateFailed)
	}
}

// transports returns every transport local ever opened toward remote, oldest first.
func (n *fakeNet) transports(local domain.ParticipantID) []*fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeTransport
	for _, t := range n.all {
		if t.local == local {
			out = append(out, t)
		}
	}
	return out
}

// check connects t with the counterpart it negotiated with. Caller holds n.mu.
func (n *fakeNet) check(t *fakeTransport) {
	p := n.latest[pairKey{t.remote, t.local}]
	if p == nil || p.closed || t.closed || t.connected || p.connected {
		return
	}
	if n.blocked[unordered(t.local, t.remote)] {
		return
	}
	if t.localSDP == "" || t.localSDP != p.remoteSDP || p.localSDP != t.remoteSDP {
		return
	}
	if !t.added[p.candidate()] || !p.added[t.candidate()] {
		return
	}
	t.connected, p.connected = true, true
	for _, x := range []*fakeTransport{t, p} {
		x := x
		go func() {
			x.fireState(webrtc.PeerConnectionStateConnected)
			x.mu.Lock()
			cb := x.onTrack
			x.mu.Unlock()
			if cb != nil {
				cb(&fakeTrack{id: fmt.Sprintf("audio-%d", x.id), done: x.done})
			}
		}()
	}
}

type fakeTransport struct {
	net    *fakeNet
	id     int
	local  domain.ParticipantID
	remote domain.ParticipantID

	// guarded by net.mu
	localSDP  string
	remoteSDP string
	added     map[string]bool
	connected bool
	closed    bool

	mu       sync.Mutex
	attached bool
	enabled  bool
	onCand   func(webrtc.ICECandidateInit)
	onTrack  func(core.RemoteTrack)
	onState  func(webrtc.PeerConnectionState)
	done     chan struct{}
}

func (t *fakeTransport) candidate() string {
	return fmt.Sprintf("candidate:%d %s", t.id, t.local)
}

func (t *fakeTransport) AttachLocalStream(h core.StreamHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attached = h != nil
	return nil
}

func (t *fakeTransport) setLocal(kind string) (webrtc.SessionDescription, error) {
	n := t.net
	n.mu.Lock()
	if t.closed {
		n.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("fake: closed")
	}
	if kind == "answer" && t.remoteSDP == "" {
		n.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("fake: answer without offer")
	}
	t.localSDP = fmt.Sprintf("%s:%s->%s:%d", kind, t.local, t.remote, t.id)
	sdp := t.localSDP
	n.check(t)
	n.mu.Unlock()

	typ := webrtc.SDPTypeOffer
	if kind == "answer" {
		typ = webrtc.SDPTypeAnswer
	}
	t.mu.Lock()
	cb := t.onCand
	t.mu.Unlock()
	if cb != nil {
		go cb(webrtc.ICECandidateInit{Candidate: t.candidate()})
	}
	return webrtc.SessionDescription{Type: typ, SDP: sdp}, nil
}

func (t *fakeTransport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return t.setLocal("offer")
}

func (t *fakeTransport) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return t.setLocal("answer")
}

func (t *fakeTransport) SetRemoteDescription(_ context.Context, d webrtc.SessionDescription) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return errors.New("fake: closed")
	}
	if t.remoteSDP != "" {
		return errors.New("fake: remote description already set")
	}
	t.remoteSDP = d.SDP
	n.check(t)
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.remoteSDP == "" {
		return errors.New("fake: no remote description")
	}
	t.added[c.Candidate] = true
	n.check(t)
	return nil
}

func (t *fakeTransport) SetLocalTrackEnabled(enabled bool) error {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) isAttached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}

func (t *fakeTransport) trackEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCand = f
	t.mu.Unlock()
}

func (t *fakeTransport) OnRemoteTrack(f func(core.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = f
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = f
	t.mu.Unlock()
}

func (t *fakeTransport) fireState(st webrtc.PeerConnectionState) {
	t.mu.Lock()
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (t *fakeTransport) isClosed() bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Close() error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

type fakeTrack struct {
	id   string
	done chan struct{}
}

func (f *fakeTrack) ID() string       { return f.id }
func (f *fakeTrack) StreamID() string { return "stream-" + f.id }

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-f.done
	return nil, nil, io.EOF
}

type fakeStream struct{ id string }

func (s fakeStream) ID() string               { return s.id }
func (s fakeStream) Track() webrtc.TrackLocal { return nil }
