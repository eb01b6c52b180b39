package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dkeye/VoiceMesh/internal/adapters/signal"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Directory is the store behind the API. The in-memory directory satisfies it.
type Directory interface {
	core.Directory
	DeactivateRoom(ctx context.Context, id domain.RoomID) error
	SetDisplayName(pid domain.ParticipantID, name string) error
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

const cookieMaxAge = 3600 * 24 * 7

func ClientTokenMiddleware(secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie("ct", token, cookieMaxAge, "/", "", secure, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, dir Directory, hub *signal.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		Secure:   cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware(cfg.SecureCookies))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{dir: dir}
	api := r.Group("/api")

	api.GET("/me", h.me)
	api.PUT("/me", h.rename)

	api.GET("/rooms", h.listRooms)
	api.POST("/rooms", h.createRoom)
	api.DELETE("/rooms/:id", h.deactivateRoom)
	api.GET("/rooms/:id/roster", h.roster)
	api.PUT("/rooms/:id/presence/:pid", h.upsertPresence)
	api.DELETE("/rooms/:id/presence/:pid", h.removePresence)
	api.GET("/presence/events", h.presenceEvents)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("pid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		hub.HandleSignal(ctx, c)
	})

	return r
}

type handlers struct {
	dir Directory
}

func participant(c *gin.Context) domain.ParticipantID {
	return domain.ParticipantID(c.GetString("client_token"))
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrRoomInactive):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRoomNameEmpty), errors.Is(err, domain.ErrRoomNameTooLong),
		errors.Is(err, domain.ErrParticipantIDEmpty), errors.Is(err, domain.ErrParticipantIDTooLong),
		errors.Is(err, domain.ErrDisplayNameTooLong):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *handlers) me(c *gin.Context) {
	s := sessions.Default(c)
	name, _ := s.Get("display_name").(string)
	c.JSON(http.StatusOK, domain.Participant{ID: participant(c), DisplayName: name})
}

func (h *handlers) rename(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pid := participant(c)
	if err := h.dir.SetDisplayName(pid, req.DisplayName); err != nil {
		fail(c, err)
		return
	}
	s := sessions.Default(c)
	s.Set("display_name", req.DisplayName)
	if err := s.Save(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.Participant{ID: pid, DisplayName: req.DisplayName})
}

func (h *handlers) listRooms(c *gin.Context) {
	rooms, err := h.dir.ListActiveRooms(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *handlers) createRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := h.dir.CreateRoom(c.Request.Context(), domain.RoomName(req.Name), participant(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

// deactivateRoom is allowed for the room's creator only.
func (h *handlers) deactivateRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	rooms, err := h.dir.ListActiveRooms(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	for _, r := range rooms {
		if r.ID != id {
			continue
		}
		if r.CreatedBy != participant(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "only the creator can close a room"})
			return
		}
		if err := h.dir.DeactivateRoom(c.Request.Context(), id); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	fail(c, core.ErrRoomNotFound)
}

func (h *handlers) roster(c *gin.Context) {
	entries, err := h.dir.Roster(c.Request.Context(), domain.RoomID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// self rejects presence writes on behalf of another participant.
func (h *handlers) self(c *gin.Context) (domain.ParticipantID, bool) {
	pid := domain.ParticipantID(c.Param("pid"))
	if pid != participant(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "presence belongs to another participant"})
		return "", false
	}
	return pid, true
}

func (h *handlers) upsertPresence(c *gin.Context) {
	pid, ok := h.self(c)
	if !ok {
		return
	}
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.dir.UpsertPresence(c.Request.Context(), domain.RoomID(c.Param("id")), pid, req.Muted); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) removePresence(c *gin.Context) {
	pid, ok := h.self(c)
	if !ok {
		return
	}
	if err := h.dir.RemovePresence(c.Request.Context(), domain.RoomID(c.Param("id")), pid); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) presenceEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events, err := h.dir.Watch(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", "{}")
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent("presence", ev)
		return true
	})
}
