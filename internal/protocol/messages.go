// Package protocol defines the WebSocket message types and structures used for
// communication between editor clients and the relay. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
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
	TypeJoinSnippet  = "join-snippet"
	TypeLeaveSnippet = "leave-snippet"
	TypeCodeChange   = "code-change"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeConnected     = "connected"
	TypeSnippetJoined = "snippet-joined"
	TypeUserJoined    = "user-joined"
	TypeUserLeft      = "user-left"
	TypeRateLimited   = "rate-limited"
	TypeError         = "error"
	TypePong          = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
	CodeForbidden       = "forbidden"
	CodeJoinFailed      = "join_failed"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
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

// JoinSnippetMsg asks the relay to add the connection to a snippet session.
type JoinSnippetMsg struct {
	Type      string `json:"type"`
	SnippetID string `json:"snippetId"`
}

// LeaveSnippetMsg asks the relay to remove the connection from a session.
type LeaveSnippetMsg struct {
	Type      string `json:"type"`
	SnippetID string `json:"snippetId"`
}

// CodeChangeMsg carries the sender's full editor state for a snippet. The
// cursor position is opaque to the relay and forwarded untouched.
type CodeChangeMsg struct {
	Type           string          `json:"type"`
	SnippetID      string          `json:"snippetId"`
	Code           string          `json:"code"`
	Language       string          `json:"language"`
	CursorPosition json.RawMessage `json:"cursorPosition,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserPresence is the public profile attached to presence events.
type UserPresence struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ConnectedMsg is sent once after the connection has been admitted.
type ConnectedMsg struct {
	Type         string       `json:"type"`
	ConnectionID string       `json:"connectionId"`
	User         UserPresence `json:"user"`
}

// SnippetJoinedMsg acknowledges a successful join and lists the other
// members currently in the session.
type SnippetJoinedMsg struct {
	Type      string         `json:"type"`
	SnippetID string         `json:"snippetId"`
	Members   []UserPresence `json:"members"`
}

// PresenceMsg is the payload of user-joined and user-left events.
type PresenceMsg struct {
	Type      string `json:"type"`
	SnippetID string `json:"snippetId"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

// ServerCodeChangeMsg is a code change relayed from another member, annotated
// with the sender's identity.
type ServerCodeChangeMsg struct {
	Type           string          `json:"type"`
	SnippetID      string          `json:"snippetId"`
	Code           string          `json:"code"`
	Language       string          `json:"language"`
	CursorPosition json.RawMessage `json:"cursorPosition,omitempty"`
	UserID         string          `json:"userId"`
	UserName       string          `json:"userName"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
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
	case TypeJoinSnippet:
		var m JoinSnippetMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveSnippet:
		var m LeaveSnippetMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCodeChange:
		var m CodeChangeMsg
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
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typeField, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}
	m["type"] = typeField

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMessage builds an error frame with the given code and message.
func NewErrorMessage(code, message string) ([]byte, error) {
	return NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
}
