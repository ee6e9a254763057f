// Package transport defines the bidirectional named-event channel between the
// client and the chat server. Implementations live in subpackages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by ReadFrame and WriteFrame once the connection is closed.
var ErrClosed = errors.New("transport closed")

// ErrUnauthorized is returned by Dial when the server rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// Frame is one named event on the wire: {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload as the frame data.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Frame{Event: event, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Conn is an established connection. WriteFrame may be called concurrently
// with ReadFrame, but not with itself.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Credentials authenticate a dial.
type Credentials struct {
	Token  string
	UserID string
}

// Dialer opens connections to the chat server.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, creds Credentials) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	return f(ctx, creds)
}
