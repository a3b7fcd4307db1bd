// Package protocol defines the JSON envelope exchanged with browsers over the
// WebSocket connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxEnvelopeSize is the maximum encoded envelope size (64KB).
const MaxEnvelopeSize = 65536

var (
	ErrTooLarge    = errors.New("protocol: envelope too large")
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMissingType = errors.New("protocol: envelope has no type")
)

// MessageType tags an envelope.
type MessageType string

const (
	TypeChat        MessageType = "CHAT"         // chat content, both directions
	TypeError       MessageType = "ERROR"        // XMPP failure, or client asking to leave
	TypeForbidden   MessageType = "FORBIDDEN"    // wrong password for an existing account
	TypeJoinSuccess MessageType = "JOIN_SUCCESS" // logged in, To carries the username
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeChat, TypeError, TypeForbidden, TypeJoinSuccess:
		return true
	}
	return false
}

// Envelope is a single message on the WebSocket.
type Envelope struct {
	Type    MessageType `json:"type"`
	From    string      `json:"from,omitempty"`
	To      string      `json:"to,omitempty"`
	Content string      `json:"content,omitempty"`
}

// Chat builds a CHAT envelope.
func Chat(from, to, content string) Envelope {
	return Envelope{Type: TypeChat, From: from, To: to, Content: content}
}

// Error builds an ERROR envelope with an optional human-readable reason.
func Error(reason string) Envelope {
	return Envelope{Type: TypeError, Content: reason}
}

// Forbidden builds a FORBIDDEN envelope addressed to username.
func Forbidden(username string) Envelope {
	return Envelope{Type: TypeForbidden, To: username}
}

// JoinSuccess builds a JOIN_SUCCESS envelope addressed to username.
func JoinSuccess(username string) Envelope {
	return Envelope{Type: TypeJoinSuccess, To: username}
}

// Encode marshals an envelope to JSON.
func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// Decode parses a JSON envelope received from a browser. Types this package
// does not know are returned as-is so the caller can skip them; Valid tells
// them apart.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}
