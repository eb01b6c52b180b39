package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

type frameSource interface {
	Next() ([]byte, time.Duration, error)
	Close() error
}

type silence struct{}

func (silence) Next() ([]byte, time.Duration, error) { return silenceFrame, frameDuration, nil }
func (silence) Close() error                         { return nil }

// oggSource loops over the Opus pages of an Ogg file.
type oggSource struct {
	path    string
	f       *os.File
	r       *oggreader.OggReader
	granule uint64
}

func openOggSource(path string) (*oggSource, error) {
	s := &oggSource{path: path}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) rewind() error {
	if s.f != nil {
		_ = s.f.Close()
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.f, s.r, s.granule = f, r, 0
	return nil
}

func (s *oggSource) Next() ([]byte, time.Duration, error) {
	rewound := false
	for {
		page, header, err := s.r.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if rewound {
				return nil, 0, fmt.Errorf("%s: no audio pages", s.path)
			}
			if err := s.rewind(); err != nil {
				return nil, 0, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if len(page) == 0 || bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		samples := header.GranulePosition - s.granule
		s.granule = header.GranulePosition
		dur := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
		if dur < frameDuration/2 || dur > 6*frameDuration {
			dur = frameDuration
		}
		return page, dur, nil
	}
}

func (s *oggSource) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
