// Package relay fans real-time events out to the live connections of a
// project room. It guarantees that every connected member eventually observes
// every broadcast, and nothing about ordering across senders.
package relay

import (
	"sync"

	"go.uber.org/zap"
)

// Hub is the room registry: a map from project id to the set of live
// connections bound to it. It is constructed at server start and injected
// wherever rooms are needed.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*Client]struct{}

	backplane *Backplane
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		logger: logger,
	}
}

// AttachBackplane wires a Redis backplane so broadcasts reach rooms hosted on
// other instances. Must be called before the hub accepts connections.
func (h *Hub) AttachBackplane(bp *Backplane) {
	h.backplane = bp
	bp.Run(func(roomID string, frame []byte) {
		h.deliver(roomID, nil, frame)
	})
}

func (h *Hub) add(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[roomID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) remove(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// RoomSize reports how many local connections are bound to a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// BroadcastOthers delivers an event to every room member except origin.
// Members on other instances count as others and receive it via the
// backplane.
func (h *Hub) BroadcastOthers(roomID string, origin *Client, event EventName, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", string(event)), zap.Error(err))
		return
	}
	h.deliver(roomID, origin, frame)
	h.publish(roomID, frame)
}

// BroadcastAll delivers an event to every room member including the
// originating connection. Used only for relay-originated events (AI replies).
func (h *Hub) BroadcastAll(roomID string, event EventName, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", string(event)), zap.Error(err))
		return
	}
	h.deliver(roomID, nil, frame)
	h.publish(roomID, frame)
}

// forward re-delivers an already-encoded frame to every member but origin.
func (h *Hub) forward(roomID string, origin *Client, frame []byte) {
	h.deliver(roomID, origin, frame)
	h.publish(roomID, frame)
}

func (h *Hub) deliver(roomID string, exclude *Client, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[roomID] {
		if c == exclude {
			continue
		}
		select {
		case c.send <- frame:
		default:
			// Receiver too slow to drain its buffer; drop it rather than
			// block the whole room.
			h.logger.Warn("dropping slow relay connection", zap.String("room", roomID))
			c.close()
			delete(h.rooms[roomID], c)
		}
	}
}

func (h *Hub) publish(roomID string, frame []byte) {
	if h.backplane == nil {
		return
	}
	h.backplane.Publish(roomID, frame)
}
