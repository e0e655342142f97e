// Package protocol defines the event channel wire types: the events the
// server pushes to the client and the actions the client emits back. All
// frames are serialized as JSON and follow a consistent envelope format with
// a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mercato/chat-sync/internal/chat"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Server -> Client event types.
const (
	EventNewMessage  = "newMessage"
	EventTyping      = "typing"
	EventStopTyping  = "stopTyping"
	EventUserOnline  = "userOnline"
	EventUserOffline = "userOffline"
	EventMessageRead = "messageRead"
)

// Client -> Server action types.
const (
	ActionJoinChat    = "joinChat"
	ActionLeaveChat   = "leaveChat"
	ActionTyping      = "typing"
	ActionStopTyping  = "stopTyping"
	ActionMessageRead = "messageRead"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// NewMessageEvent carries a message created by a peer (or the echo of one
// the client posted itself; receivers dedup by message id).
type NewMessageEvent struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// TypingEvent signals that a user started composing in a conversation.
type TypingEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// StopTypingEvent signals that a user stopped composing.
type StopTypingEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UserOnlineEvent signals that a user's event channel connected.
type UserOnlineEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// UserOfflineEvent signals that a user's event channel disconnected.
type UserOfflineEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// MessageReadEvent signals that a peer read a specific message.
type MessageReadEvent struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// ---------------------------------------------------------------------------
// Client -> Server action structs
// ---------------------------------------------------------------------------

// JoinChatAction subscribes the connection to a conversation's room.
type JoinChatAction struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeaveChatAction unsubscribes the connection from a conversation's room.
type LeaveChatAction struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// TypingAction announces that the user is composing in a conversation.
type TypingAction struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// StopTypingAction announces that the user stopped composing.
type StopTypingAction struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// MessageReadAction broadcasts a read receipt for one message to peers.
type MessageReadAction struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent parses raw event channel bytes into a typed server event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// client-only frame types.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		event interface{}
		err   error
	)

	switch env.Type {
	case EventNewMessage:
		var e NewMessageEvent
		err = json.Unmarshal(env.Raw, &e)
		event = e
	case EventTyping:
		var e TypingEvent
		err = json.Unmarshal(env.Raw, &e)
		event = e
	case EventStopTyping:
		var e StopTypingEvent
		err = json.Unmarshal(env.Raw, &e)
		event = e
	case EventUserOnline:
		var e UserOnlineEvent
		err = json.Unmarshal(env.Raw, &e)
		event = e
	case EventUserOffline:
		var e UserOfflineEvent
		err = json.Unmarshal(env.Raw, &e)
		event = e
	case EventMessageRead:
		var e MessageReadEvent
		err = json.Unmarshal(env.Raw, &e)
		event = e
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, event, nil
}

// NewClientAction creates a JSON-encoded byte slice for a client action.
// The actionType is injected into the payload under the "type" key. The
// payload should be one of the *Action structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewClientAction(actionType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = actionType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client action: %w", err)
	}
	return out, nil
}
