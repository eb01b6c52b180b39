package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (h *Hub) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("pid", string(c.pid)).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("pid", string(c.pid)).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("pid", string(c.pid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("pid", string(c.pid)).Str("room", string(c.room)).Msg("readPump closing")
		h.unregister(c)
		c.Close()
	}()

	pongWait := h.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("pid", string(c.pid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(c, data)
	}
}

// limited reports whether kind counts against the participant's rate limit.
// Handshake traffic is never throttled.
func limited(kind core.Kind) bool {
	return kind == core.KindAnnounce || kind == core.KindLeave
}

// handleFrame attributes the frame to the connection, validates it and routes it.
// Clients never choose their own From or ID.
func (h *Hub) handleFrame(c *WsSignalConn, data []byte) {
	var w core.Wire
	if err := json.Unmarshal(data, &w); err != nil {
		dropped.WithLabelValues("bad_json").Inc()
		log.Warn().Err(err).Str("module", "signal").Str("pid", string(c.pid)).Msg("bad json")
		return
	}
	w.From = c.pid
	w.ID = uuid.NewString()

	env, err := w.Envelope()
	if err != nil {
		dropped.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Str("module", "signal").Str("pid", string(c.pid)).Msg("malformed envelope")
		return
	}
	if limited(env.Kind) && !h.opts.Limiter.Allow(c.pid) {
		dropped.WithLabelValues("rate_limited").Inc()
		log.Warn().Str("module", "signal").Str("pid", string(c.pid)).Str("type", string(env.Kind)).Msg("rate limited")
		return
	}

	frame, err := json.Marshal(w)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal frame")
		return
	}
	routed.WithLabelValues(string(env.Kind)).Inc()
	h.route(c, env.To, frame)
}
