// Package audio provides the local capture device and remote playback used by
// the voice client. There is no sound card binding: capture plays an Ogg/Opus
// file or comfort silence into a pion sample track.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
	frameDuration  = 20 * time.Millisecond
)

// silenceFrame is a single Opus frame that decodes to 20ms of silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

var ErrUnknownStream = errors.New("unknown stream")

// Device opens capture streams. Source is the path of an Ogg/Opus file that
// is looped; empty means silence.
type Device struct {
	Source string

	mu      sync.Mutex
	streams map[string]*Stream
}

var _ core.AudioDevice = (*Device)(nil)

func NewDevice(source string) *Device {
	return &Device{Source: source, streams: make(map[string]*Stream)}
}

// Stream is one open capture: a sample track plus the goroutine feeding it.
type Stream struct {
	id      string
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	frames  atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *Stream) ID() string               { return s.id }
func (s *Stream) Track() webrtc.TrackLocal { return s.track }

// Frames counts samples written to the track since the stream opened.
func (s *Stream) Frames() uint64 { return s.frames.Load() }

func (d *Device) Acquire(ctx context.Context, c core.Constraints) (core.StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := d.openSource()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: opusSampleRate,
			Channels:  opusChannels,
		},
		"audio",
		"voicemesh-"+id,
	)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create local audio track: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{id: id, track: track, cancel: cancel, done: make(chan struct{})}
	s.enabled.Store(true)

	d.mu.Lock()
	d.streams[id] = s
	d.mu.Unlock()

	log.Info().
		Str("module", "audio").
		Str("stream", id).
		Str("source", d.sourceName()).
		Bool("echo_cancellation", c.EchoCancellation).
		Bool("noise_suppression", c.NoiseSuppression).
		Bool("auto_gain_control", c.AutoGainControl).
		Msg("capture opened")

	go s.pump(pumpCtx, src)
	return s, nil
}

func (d *Device) Release(h core.StreamHandle) error {
	if h == nil {
		return ErrUnknownStream
	}
	d.mu.Lock()
	s, ok := d.streams[h.ID()]
	delete(d.streams, h.ID())
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("release %s: %w", h.ID(), ErrUnknownStream)
	}
	s.cancel()
	<-s.done
	log.Info().Str("module", "audio").Str("stream", s.id).Uint64("frames", s.Frames()).Msg("capture released")
	return nil
}

// SetTrackEnabled pauses or resumes feeding the track. Nothing is sent while
// disabled.
func (d *Device) SetTrackEnabled(h core.StreamHandle, enabled bool) error {
	if h == nil {
		return ErrUnknownStream
	}
	d.mu.Lock()
	s, ok := d.streams[h.ID()]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("set track %s: %w", h.ID(), ErrUnknownStream)
	}
	s.enabled.Store(enabled)
	return nil
}

// Open counts streams not yet released.
func (d *Device) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *Device) sourceName() string {
	if d.Source == "" {
		return "silence"
	}
	return d.Source
}

func (d *Device) openSource() (frameSource, error) {
	if d.Source == "" {
		return silence{}, nil
	}
	src, err := openOggSource(d.Source)
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}
	return src, nil
}

// pump paces frames onto the track in real time.
func (s *Stream) pump(ctx context.Context, src frameSource) {
	defer close(s.done)
	defer func() { _ = src.Close() }()

	next := time.Now()
	for {
		frame, dur, err := src.Next()
		if err != nil {
			log.Error().Err(err).Str("module", "audio").Str("stream", s.id).Msg("audio source failed, falling back to silence")
			_ = src.Close()
			src = silence{}
			continue
		}

		next = next.Add(dur)
		if wait := time.Until(next); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
			}
			// Fell behind; restart the schedule instead of bursting.
			if -wait > 5*frameDuration {
				next = time.Now()
			}
		}

		if !s.enabled.Load() {
			continue
		}
		if err := s.track.WriteSample(media.Sample{Data: frame, Duration: dur}); err != nil {
			log.Debug().Err(err).Str("module", "audio").Msg("write sample")
			continue
		}
		s.frames.Add(1)
	}
}
