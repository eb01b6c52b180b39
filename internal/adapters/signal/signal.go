// Package signal is the server side of the websocket signaling bus: it
// attributes every envelope to the connection's participant and fans it out
// within the room.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	Limiter    *RateLimiter
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

// Hub routes envelopes between the websocket connections of each room.
type Hub struct {
	opts Options

	mu    sync.RWMutex
	rooms map[domain.RoomID]map[*WsSignalConn]struct{}
}

func NewHub(opts Options) *Hub {
	opts.defaults()
	return &Hub{
		opts:  opts,
		rooms: make(map[domain.RoomID]map[*WsSignalConn]struct{}),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte
	room domain.RoomID
	pid  domain.ParticipantID

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the participant carried in the
// "client_token" context key for the room given by the "room" query parameter.
func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	pid := domain.ParticipantID(c.GetString("client_token"))
	room := domain.RoomID(c.Query("room"))
	if err := pid.Validate(); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}
	log.Info().Str("module", "signal").Str("pid", string(pid)).Str("room", string(room)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan []byte, h.opts.SendBuffer),
		room: room,
		pid:  pid,
	}
	h.register(conn)

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, conn)
	go func() {
		defer cancel()
		h.readPump(ctx, conn)
	}()
}

func (h *Hub) register(c *WsSignalConn) {
	h.mu.Lock()
	conns, ok := h.rooms[c.room]
	if !ok {
		conns = make(map[*WsSignalConn]struct{})
		h.rooms[c.room] = conns
	}
	conns[c] = struct{}{}
	n := len(conns)
	h.mu.Unlock()
	connections.Inc()
	log.Info().Str("module", "signal").Str("room", string(c.room)).Int("conns", n).Msg("registered")
}

func (h *Hub) unregister(c *WsSignalConn) {
	h.mu.Lock()
	conns := h.rooms[c.room]
	if _, ok := conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, c.room)
	}
	last := true
	for other := range conns {
		if other.pid == c.pid {
			last = false
			break
		}
	}
	h.mu.Unlock()
	connections.Dec()
	if last {
		h.opts.Limiter.Forget(c.pid)
	}
}

// Conns counts live connections in room.
func (h *Hub) Conns(room domain.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// route delivers frame to the room mates of from, or only to "to" when set.
func (h *Hub) route(from *WsSignalConn, to domain.ParticipantID, frame []byte) {
	h.mu.RLock()
	targets := make([]*WsSignalConn, 0, len(h.rooms[from.room]))
	for c := range h.rooms[from.room] {
		if c.pid == from.pid {
			continue
		}
		if to != "" && c.pid != to {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.TrySend(frame); err != nil {
			dropped.WithLabelValues("backpressure").Inc()
			log.Warn().Err(err).Str("module", "signal").Str("pid", string(c.pid)).Msg("slow consumer, closing")
			h.unregister(c)
			c.Close()
		}
	}
}
