// Package transport defines the boundary between a session controller and the
// real-time room it is connected to.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/voice-console/internal/domain"
)

var (
	// ErrClosed is returned once the transport has been closed or disconnected.
	ErrClosed = errors.New("transport closed")
	// ErrAckTimeout is returned when the room never acknowledges a chat send.
	ErrAckTimeout = errors.New("chat acknowledgement timed out")
	// ErrSendRejected is returned when the room refuses a chat send.
	ErrSendRejected = errors.New("chat send rejected")
)

// EventKind names an inbound notification.
type EventKind string

const (
	EventAgentState    EventKind = "agent_state"
	EventChat          EventKind = "chat"
	EventTranscription EventKind = "transcription"
	EventDisconnected  EventKind = "disconnected"
)

// Message is the payload of chat and transcription events.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from,omitempty"`
	Text      string    `json:"text"`
	Final     bool      `json:"final,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one inbound notification from the room.
type Event struct {
	Kind    EventKind
	State   domain.AgentState
	Message Message
	Reason  string
}

// AgentStateChanged builds an EventAgentState event.
func AgentStateChanged(state domain.AgentState) Event {
	return Event{Kind: EventAgentState, State: state}
}

// ChatReceived builds an EventChat event.
func ChatReceived(msg Message) Event {
	return Event{Kind: EventChat, Message: msg}
}

// TranscriptionReceived builds an EventTranscription event.
func TranscriptionReceived(msg Message) Event {
	return Event{Kind: EventTranscription, Message: msg}
}

// Disconnected builds an EventDisconnected event.
func Disconnected(reason string) Event {
	return Event{Kind: EventDisconnected, Reason: reason}
}

// Transport is a connected room. The transport owns the authoritative agent
// state; consumers only observe it through Events.
type Transport interface {
	// Events delivers inbound notifications in arrival order. The channel is
	// closed after the final Disconnected event.
	Events() <-chan Event
	// SendChat enqueues text on the room's chat topic and returns once the
	// room acknowledges the enqueue.
	SendChat(ctx context.Context, text string) (domain.ChatAck, error)
	// Disconnect leaves the room. It is idempotent.
	Disconnect(ctx context.Context) error
	// Close releases resources without waiting for the room.
	Close() error
}

// Dialer opens a transport for a room.
type Dialer interface {
	Dial(ctx context.Context, room, sessionID string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, room, sessionID string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, room, sessionID string) (Transport, error) {
	return f(ctx, room, sessionID)
}
