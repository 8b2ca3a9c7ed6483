// Package ws is the push channel: a websocket client that delivers server
// events in arrival order and reconnects on its own.
package ws

import (
	"context"
	"errors"
	"fmt"

	"chat-sync/internal/models"
)

// ErrNotConnected is returned by outbound calls while no session is open.
var ErrNotConnected = errors.New("transport not connected")

// Transport is the push channel used by the engine.
type Transport interface {
	Connect(ctx context.Context, token string) error
	Disconnect() error
	JoinTopic(ctx context.Context, conversationID string) error
	LeaveTopic(ctx context.Context, conversationID string) error
	SendTyping(ctx context.Context, conversationID, recipientID string, typing bool) error
	// Events carries domain events and ConnectionChanged transitions in
	// arrival order. The channel is never closed.
	Events() <-chan models.Event
	State() models.ConnState
}

// ConnError is returned when the initial handshake fails.
type ConnError struct {
	URL    string
	Status int
	Err    error
}

func (e *ConnError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
