// Package wsbus is the client side of the websocket signaling bus served by
// internal/adapters/signal.
package wsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	minBackoff = 500 * time.Millisecond
	maxBackoff = 10 * time.Second

	signalPath  = "/api/ws/signal"
	tokenCookie = "ct"
)

var errDisconnected = errors.New("not connected")

// Bus dials the signaling hub at BaseURL (http or ws scheme).
type Bus struct {
	baseURL string
	dialer  *websocket.Dialer
}

func New(baseURL string) *Bus {
	return &Bus{baseURL: baseURL, dialer: websocket.DefaultDialer}
}

var _ core.SignalBus = (*Bus)(nil)

func (b *Bus) endpoint(room domain.RoomID) (string, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + signalPath
	u.RawQuery = url.Values{"room": {string(room)}}.Encode()
	return u.String(), nil
}

// Subscribe dials the hub. The connection is re-dialed with backoff whenever it
// drops; envelopes published by others while disconnected are lost.
func (b *Bus) Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (core.Subscription, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := b.endpoint(room)
	if err != nil {
		return nil, err
	}
	s := &subscription{
		bus:      b,
		endpoint: endpoint,
		self:     self,
		queue:    core.NewMailbox[core.Envelope](),
		out:      make(chan core.Envelope),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger: log.With().
			Str("module", "wsbus").
			Str("room", string(room)).
			Str("self", string(self)).
			Logger(),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	s.wg.Add(2)
	go s.run(conn)
	go s.forward()
	return s, nil
}

type subscription struct {
	bus      *Bus
	endpoint string
	self     domain.ParticipantID
	logger   zerolog.Logger

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	queue *core.Mailbox[core.Envelope]
	out   chan core.Envelope
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func (s *subscription) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: tokenCookie, Value: string(s.self)}).String())
	conn, resp, err := s.bus.dialer.DialContext(ctx, s.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return conn, nil
}

func (s *subscription) current() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *subscription) swap(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

// run serves one connection at a time and re-dials after it drops.
func (s *subscription) run(conn *websocket.Conn) {
	defer s.wg.Done()
	backoff := minBackoff
	for {
		s.serve(conn)
		s.swap(nil)

		for {
			select {
			case <-s.stop:
				return
			case <-time.After(backoff):
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			next, err := s.dial(ctx)
			cancel()
			if err == nil {
				conn = next
				s.swap(conn)
				s.logger.Info().Msg("reconnected")
				backoff = minBackoff
				break
			}
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("reconnect failed")
			backoff = min(backoff*2, maxBackoff)
		}

		select {
		case <-s.stop:
			_ = conn.Close()
			return
		default:
		}
	}
}

// serve pumps one connection until it fails or the subscription stops.
func (s *subscription) serve(conn *websocket.Conn) {
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				s.writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		close(pingDone)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		env, err := core.DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}
		s.queue.Push(env)
	}
}

func (s *subscription) forward() {
	defer s.wg.Done()
	defer close(s.out)
	for {
		env, ok := s.queue.Pop()
		if !ok {
			return
		}
		select {
		case s.out <- env:
		case <-s.stop:
			return
		}
	}
}

func (s *subscription) C() <-chan core.Envelope { return s.out }

// Publish writes the envelope on the current connection. The hub assigns
// From and ID; the local values are only used for validation.
func (s *subscription) Publish(ctx context.Context, env core.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.stop:
		return core.ErrSubscriptionClosed
	default:
	}
	env.From = s.self
	if err := env.Validate(); err != nil {
		return err
	}
	w, err := env.Wire()
	if err != nil {
		return err
	}
	w.ID = ""
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	conn := s.current()
	if conn == nil {
		return fmt.Errorf("wsbus publish: %w", errDisconnected)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wsbus publish: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsbus publish: %w", err)
	}
	return nil
}

// Close is idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		if conn := s.current(); conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			s.writeMu.Unlock()
			_ = conn.Close()
		}
		s.queue.Close()
		s.wg.Wait()
	})
	return nil
}
