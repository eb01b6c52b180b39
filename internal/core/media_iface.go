package core

//go:generate mockgen -destination=mocks/media_mock.go -package=mocks github.com/dkeye/VoiceMesh/internal/core AudioDevice

import (
	"context"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Constraints are the capture settings requested from the audio device.
type Constraints struct {
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
}

func DefaultConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// StreamHandle is an opaque local capture stream.
type StreamHandle interface {
	ID() string
	// Track is the locally authored track attached to transports. May be nil.
	Track() webrtc.TrackLocal
}

type AudioDevice interface {
	Acquire(ctx context.Context, c Constraints) (StreamHandle, error)
	Release(h StreamHandle) error
	SetTrackEnabled(h StreamHandle, enabled bool) error
}

// RemoteTrack is the subset of *webrtc.TrackRemote the mesh needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Renderer plays a remote participant's track until ctx is done or the track ends.
type Renderer interface {
	Render(ctx context.Context, from domain.ParticipantID, track RemoteTrack)
}

type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	Local      domain.ParticipantID
	Remote     domain.ParticipantID
}

type TransportFactory interface {
	NewTransport(cfg TransportConfig) (Transport, error)
}

// Transport is one point-to-point media connection.
type Transport interface {
	// AttachLocalStream adds the local track. A nil handle or nil track
	// negotiates receive-only audio.
	AttachLocalStream(h StreamHandle) error
	// CreateOffer produces and applies the local offer.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer produces and applies the local answer. The remote offer must be set.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(c webrtc.ICECandidateInit) error
	// SetLocalTrackEnabled stops or resumes sending the local track.
	SetLocalTrackEnabled(enabled bool) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnRemoteTrack sets a callback that will be invoked when a new remote track arrives.
	OnRemoteTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// Close should stop all underlying media resources.
	Close() error
}
