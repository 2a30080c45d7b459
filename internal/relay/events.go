package relay

import (
	"encoding/json"
	"fmt"

	"codeloft/api/internal/store"
)

// EventName enumerates the closed set of real-time events. Adding an event
// means adding a constant, a payload type, and a dispatch arm.
type EventName string

const (
	EventJoinProject        EventName = "join-project"
	EventCollaboratorJoined EventName = "collaborator-joined"
	EventLeaveProject       EventName = "leave-project"
	EventCollaboratorLeft   EventName = "collaborator-left"
	EventProjectMessage     EventName = "project-message"
	EventProjectUpdate      EventName = "project-update"
	EventTyping             EventName = "typing"
	EventStopTyping         EventName = "stop-typing"
	EventCursorUpdate       EventName = "cursor-update"
)

// Envelope is the wire frame: a named event with a JSON payload.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Sender identifies the author of a chat or tree event. The AI assistant
// uses the fixed id "ai".
type Sender struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// JoinPayload declares room membership for the connection.
type JoinPayload struct {
	ProjectID string `json:"projectId,omitempty"`
	Email     string `json:"email"`
	Username  string `json:"username,omitempty"`
}

// PresencePayload announces a collaborator joining or leaving.
type PresencePayload struct {
	Sender   string `json:"sender"`
	Username string `json:"username,omitempty"`
}

// LeavePayload is a client's explicit room exit.
type LeavePayload struct {
	ProjectID string `json:"projectId,omitempty"`
	Sender    string `json:"sender"`
	Username  string `json:"username,omitempty"`
}

// ChatPayload carries one chat message.
type ChatPayload struct {
	Message   string `json:"message"`
	Sender    Sender `json:"sender"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TreePayload carries a partial file tree to be shallow-merged by
// recipients into their local copy.
type TreePayload struct {
	FileTree store.FileTree `json:"fileTree"`
	Sender   *Sender        `json:"sender,omitempty"`
}

// TypingPayload drives the typing indicator; there is no relay-side expiry,
// the sending client emits stop-typing itself.
type TypingPayload struct {
	ProjectID string `json:"projectId,omitempty"`
	Sender    string `json:"sender"`
}

// CursorPayload carries a cursor position. A null position is the removal
// sentinel and is forwarded unchanged.
type CursorPayload struct {
	Sender   string          `json:"sender"`
	Username string          `json:"username,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
	Anchor   json.RawMessage `json:"anchor,omitempty"`
	Color    string          `json:"color,omitempty"`
}

func encodeEvent(event EventName, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}
