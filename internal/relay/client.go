package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"codeloft/api/internal/assist"
	"codeloft/api/internal/auth"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // file trees ride on project-update events
)

const aiTrigger = "@ai"

var aiSender = Sender{ID: "ai", Email: "AI Assistant"}

// Client is one live connection, bound to exactly one room for its entire
// lifetime.
type Client struct {
	hub    *Hub
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	roomID string
	claims auth.Claims

	// Presence identity, set by the join-project event.
	email    string
	username string
	left     bool

	closeOnce sync.Once
	logger    *zap.Logger
}

func newClient(server *Server, conn *websocket.Conn, roomID string, claims auth.Claims) *Client {
	return &Client{
		hub:      server.hub,
		server:   server,
		conn:     conn,
		send:     make(chan []byte, 64),
		roomID:   roomID,
		claims:   claims,
		email:    claims.Email,
		username: claims.Name,
		logger:   server.logger.With(zap.String("room", roomID), zap.String("user", claims.UserID)),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *Client) readPump() {
	defer func() {
		c.teardown()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("relay read error", zap.Error(err))
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs on any disconnect. A connection that never sent
// leave-project still announces its departure to the room.
func (c *Client) teardown() {
	if !c.left {
		c.left = true
		c.hub.BroadcastOthers(c.roomID, c, EventCollaboratorLeft, PresencePayload{
			Sender:   c.email,
			Username: c.username,
		})
	}
	c.hub.remove(c.roomID, c)
	c.close()
}

// dispatch routes one inbound frame. Malformed events are logged and
// dropped; they never kill the connection.
func (c *Client) dispatch(raw []byte) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Warn("dropping unparseable relay frame", zap.Error(err))
		return
	}

	switch envelope.Event {
	case EventJoinProject:
		var payload JoinPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.Email == "" {
			c.dropMalformed(envelope.Event, err)
			return
		}
		c.email = payload.Email
		if payload.Username != "" {
			c.username = payload.Username
		}
		c.hub.BroadcastOthers(c.roomID, c, EventCollaboratorJoined, PresencePayload{
			Sender:   payload.Email,
			Username: payload.Username,
		})

	case EventLeaveProject:
		var payload LeavePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.Sender == "" {
			c.dropMalformed(envelope.Event, err)
			return
		}
		c.hub.BroadcastOthers(c.roomID, c, EventCollaboratorLeft, PresencePayload{
			Sender:   payload.Sender,
			Username: payload.Username,
		})
		c.left = true
		c.hub.remove(c.roomID, c)

	case EventProjectMessage:
		var payload ChatPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.Message == "" {
			c.dropMalformed(envelope.Event, err)
			return
		}
		// Forward the frame as received so client-side extras survive.
		c.hub.forward(c.roomID, c, raw)
		if strings.Contains(payload.Message, aiTrigger) {
			prompt := strings.TrimSpace(strings.ReplaceAll(payload.Message, aiTrigger, ""))
			// Runs detached: a disconnecting sender must not abort the call,
			// and the reply goes to whoever is still in the room.
			go c.server.runAssist(c.roomID, prompt)
		}

	case EventProjectUpdate:
		var payload TreePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.FileTree == nil {
			c.dropMalformed(envelope.Event, err)
			return
		}
		// Client-originated updates are not persisted here; the editing
		// client makes its own HTTP call.
		c.hub.forward(c.roomID, c, raw)

	case EventTyping, EventStopTyping:
		var payload TypingPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.Sender == "" {
			c.dropMalformed(envelope.Event, err)
			return
		}
		c.hub.BroadcastOthers(c.roomID, c, envelope.Event, TypingPayload{Sender: payload.Sender})

	case EventCursorUpdate:
		var payload CursorPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.Sender == "" {
			c.dropMalformed(envelope.Event, err)
			return
		}
		// A null position means cursor removal; it travels the same path.
		c.hub.forward(c.roomID, c, raw)

	default:
		c.logger.Warn("dropping unknown relay event", zap.String("event", string(envelope.Event)))
	}
}

func (c *Client) dropMalformed(event EventName, err error) {
	c.logger.Warn("dropping malformed relay event", zap.String("event", string(event)), zap.Error(err))
}

// runAssist is on Server so the AI flow survives the triggering client.
func (s *Server) runAssist(roomID, prompt string) {
	ctx := context.Background()

	raw, err := s.assist.Generate(ctx, prompt)
	if err != nil {
		s.logger.Warn("assist generate failed", zap.String("room", roomID), zap.Error(err))
		s.hub.BroadcastAll(roomID, EventProjectMessage, ChatPayload{
			Message:   "I encountered an error while processing your request. Please check my API key configuration.",
			Sender:    aiSender,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	result := assist.Parse(raw)

	s.hub.BroadcastAll(roomID, EventProjectMessage, ChatPayload{
		Message:   result.Text,
		Sender:    aiSender,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	if result.FileTree != nil {
		s.hub.BroadcastAll(roomID, EventProjectUpdate, TreePayload{
			FileTree: result.FileTree,
			Sender:   &aiSender,
		})
		project, err := s.store.MergeFileTreeKeys(ctx, roomID, result.FileTree)
		if err != nil {
			s.logger.Error("persist assist file tree", zap.String("room", roomID), zap.Error(err))
		} else if s.search != nil {
			s.search.IndexProject(project.ID, project.FileTree)
		}
	}

	if summary := result.CommandSummary(); summary != "" {
		s.hub.BroadcastAll(roomID, EventProjectMessage, ChatPayload{
			Message:   summary,
			Sender:    aiSender,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
