package audio

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var rtpReceived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "voicemesh",
	Subsystem: "audio",
	Name:      "rtp_packets_received_total",
	Help:      "RTP packets read from remote audio tracks.",
})

type PeerStats struct {
	TrackID    string    `json:"track_id"`
	Packets    uint64    `json:"packets"`
	Bytes      uint64    `json:"bytes"`
	LastPacket time.Time `json:"last_packet"`
}

// Playback drains remote tracks and keeps per-participant receive stats.
type Playback struct {
	mu    sync.Mutex
	peers map[domain.ParticipantID]*PeerStats
}

var _ core.Renderer = (*Playback)(nil)

func NewPlayback() *Playback {
	return &Playback{peers: make(map[domain.ParticipantID]*PeerStats)}
}

// Render reads the track until ctx is done or the track ends.
func (p *Playback) Render(ctx context.Context, from domain.ParticipantID, track core.RemoteTrack) {
	logger := log.With().
		Str("module", "playback").
		Str("from", string(from)).
		Str("track_id", track.ID()).
		Logger()

	p.mu.Lock()
	st := &PeerStats{TrackID: track.ID()}
	p.peers[from] = st
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.peers[from] == st {
			delete(p.peers, from)
		}
		p.mu.Unlock()
	}()

	logger.Info().Msg("playback started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("playback ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("playback track ended")
			return
		}
		rtpReceived.Inc()
		p.mu.Lock()
		st.Packets++
		st.Bytes += uint64(len(pkt.Payload))
		st.LastPacket = time.Now()
		p.mu.Unlock()
	}
}

// Stats returns a copy of the stats of every track being played.
func (p *Playback) Stats() map[domain.ParticipantID]PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.ParticipantID]PeerStats, len(p.peers))
	for pid, st := range p.peers {
		out[pid] = *st
	}
	return out
}
