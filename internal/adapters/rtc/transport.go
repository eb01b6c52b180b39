// Package rtc implements core.Transport on top of pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Error ties a pion failure to the transport operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "rtc " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// DefaultICEServers are the public STUN servers used when none are configured.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// Factory builds peer connections that share one media engine.
type Factory struct {
	api *webrtc.API
}

var _ core.TransportFactory = (*Factory)(nil)

func NewFactory() (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, wrap("register codecs", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, wrap("register interceptors", err)
	}
	return &Factory{api: webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	)}, nil
}

func (f *Factory) NewTransport(cfg core.TransportConfig) (core.Transport, error) {
	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, wrap("new peer connection", err)
	}
	c := &Connection{
		pc: pc,
		logger: log.With().
			Str("module", "webrtc").
			Str("local", string(cfg.Local)).
			Str("remote", string(cfg.Remote)).
			Logger(),
	}
	c.bind()
	return c, nil
}

// Connection is one pion PeerConnection carrying a single audio track each way.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
	sender  *webrtc.RTPSender
	track   webrtc.TrackLocal
}

func (c *Connection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
}

func (c *Connection) AttachLocalStream(h core.StreamHandle) error {
	if h == nil || h.Track() == nil {
		_, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return wrap("add recvonly transceiver", err)
	}
	sender, err := c.pc.AddTrack(h.Track())
	if err != nil {
		return wrap("add track", err)
	}
	c.mu.Lock()
	c.sender, c.track = sender, h.Track()
	c.mu.Unlock()

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				if !errors.Is(err, io.EOF) {
					c.logger.Debug().Err(err).Msg("rtcp reader stopped")
				}
				return
			}
		}
	}()
	return nil
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, wrap("create offer", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, wrap("set local offer", err)
	}
	return offer, nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, wrap("create answer", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, wrap("set local answer", err)
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap("set remote "+desc.Type.String(), c.pc.SetRemoteDescription(desc))
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return wrap("add ice candidate", c.pc.AddICECandidate(ci))
}

// SetLocalTrackEnabled detaches the local track from the sender while
// disabled; the transceiver and negotiation are left untouched.
func (c *Connection) SetLocalTrackEnabled(enabled bool) error {
	c.mu.Lock()
	sender, track := c.sender, c.track
	c.mu.Unlock()
	if sender == nil {
		return nil
	}
	if !enabled {
		track = nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return wrap(fmt.Sprintf("replace track (enabled=%t)", enabled), err)
	}
	return nil
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return wrap("close", err)
	}
	c.logger.Info().Msg("closed")
	return nil
}
