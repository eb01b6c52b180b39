package directory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/rs/zerolog/log"
)

const tokenCookie = "ct"

// Client talks to the directory API of cmd/server on behalf of Self.
type Client struct {
	base string
	self domain.ParticipantID
	http *http.Client
}

func NewClient(baseURL string, self domain.ParticipantID) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		self: self,
		http: &http.Client{},
	}
}

var _ core.Directory = (*Client)(nil)

// apiError is the body the server sends with non-2xx replies.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: string(c.self)})

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", core.ErrDirectoryDown, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	var ae apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ae)
	msg := ae.Error
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", core.ErrRoomInactive, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: %s", core.ErrDirectoryDown, method, path, msg)
	default:
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
}

func roomPath(room domain.RoomID) string {
	return "/api/rooms/" + url.PathEscape(string(room))
}

func (c *Client) ListActiveRooms(ctx context.Context) ([]domain.Room, error) {
	var rooms []domain.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateRoom creates the room as the client's own participant; by must match it.
func (c *Client) CreateRoom(ctx context.Context, name domain.RoomName, by domain.ParticipantID) (domain.Room, error) {
	if by != c.self {
		return domain.Room{}, fmt.Errorf("create room: cannot act as %s", by)
	}
	var room domain.Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", map[string]string{"name": string(name)}, &room)
	return room, err
}

func (c *Client) Roster(ctx context.Context, room domain.RoomID) ([]domain.RosterEntry, error) {
	var entries []domain.RosterEntry
	if err := c.do(ctx, http.MethodGet, roomPath(room)+"/roster", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) UpsertPresence(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, muted bool) error {
	path := roomPath(room) + "/presence/" + url.PathEscape(string(pid))
	return c.do(ctx, http.MethodPut, path, map[string]bool{"muted": muted}, nil)
}

func (c *Client) RemovePresence(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) error {
	path := roomPath(room) + "/presence/" + url.PathEscape(string(pid))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Watch follows the server's presence event stream. The channel closes when
// the stream breaks or ctx is done.
func (c *Client) Watch(ctx context.Context) (<-chan core.PresenceEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/presence/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.AddCookie(&http.Cookie{Name: tokenCookie, Value: string(c.self)})

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: watch: %v", core.ErrDirectoryDown, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(http.MethodGet, "/api/presence/events", resp)
	}

	out := make(chan core.PresenceEvent, watchBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		err := readEvents(resp.Body, func(ev core.PresenceEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "directory").Msg("presence stream broken")
		}
	}()
	return out, nil
}

var errStreamEnded = errors.New("event stream ended")

// readEvents parses a text/event-stream body and hands every "presence" event
// to emit until emit returns false or the body ends.
func readEvents(r io.Reader, emit func(core.PresenceEvent) bool) error {
	sc := bufio.NewScanner(r)
	var event string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == "presence" && data.Len() > 0 {
				var ev core.PresenceEvent
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					log.Warn().Err(err).Str("module", "directory").Msg("bad presence event")
				} else if !emit(ev) {
					return nil
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errStreamEnded
}
