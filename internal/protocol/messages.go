// Package protocol defines the WebSocket message types and structures used on
// the streaming endpoint. All messages are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeLiveUsers     = "live_users"
	TypeTypingStarted = "typing_started"
	TypeTypingStopped = "typing_stopped"
	TypeMessage       = "message"
	TypeError         = "error"
	TypePong          = "pong"
)

// Stream names accepted by subscribe/unsubscribe.
const (
	StreamLiveUsers = "live_users"
	StreamTyping    = "typing"
	StreamMessages  = "messages"
)

// ValidStream reports whether the stream name is one the server serves.
func ValidStream(stream string) bool {
	switch stream {
	case StreamLiveUsers, StreamTyping, StreamMessages:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg attaches the connection to one event stream of a chatroom.
type SubscribeMsg struct {
	Type       string `json:"type"`
	Stream     string `json:"stream"`
	ChatroomID int    `json:"chatroom_id"`
}

// UnsubscribeMsg detaches the connection from one event stream of a chatroom.
type UnsubscribeMsg struct {
	Type       string `json:"type"`
	Stream     string `json:"stream"`
	ChatroomID int    `json:"chatroom_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SubscribedMsg confirms a subscription.
type SubscribedMsg struct {
	Type       string `json:"type"`
	Stream     string `json:"stream"`
	ChatroomID int    `json:"chatroom_id"`
}

// UnsubscribedMsg confirms an unsubscription.
type UnsubscribedMsg struct {
	Type       string `json:"type"`
	Stream     string `json:"stream"`
	ChatroomID int    `json:"chatroom_id"`
}

// EventMsg carries one broker event to the client. Payload is the
// materialized view for the event kind: a presence snapshot for live_users, a
// user summary for typing events, a message for message events.
type EventMsg struct {
	Type       string      `json:"type"`
	ChatroomID int         `json:"chatroom_id"`
	Payload    interface{} `json:"payload"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
