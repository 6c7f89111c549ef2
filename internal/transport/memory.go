package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/voice-console/internal/clock"
	"github.com/ashureev/voice-console/internal/domain"
)

const memoryBuffer = 256

// Memory is an in-process Transport driven by the caller. Inbound events are
// injected with Push; outbound calls are recorded.
type Memory struct {
	clock    clock.Clock
	identity string
	events   chan Event

	mu          sync.Mutex
	closed      bool
	sent        []string
	disconnects int
	sendErr     error
	nextID      int
}

// NewMemory returns an open in-process transport. clk may be nil.
func NewMemory(clk clock.Clock, identity string) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:    clk,
		identity: identity,
		events:   make(chan Event, memoryBuffer),
	}
}

// Push delivers ev to the consumer. It returns false if the transport is
// closed or the buffer is full.
func (m *Memory) Push(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.events <- ev:
		return true
	default:
		return false
	}
}

// FailSends makes subsequent SendChat calls return err. A nil err restores success.
func (m *Memory) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// Sent returns every text passed to SendChat, including failed sends.
func (m *Memory) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Disconnects returns how many times Disconnect was called.
func (m *Memory) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// Events implements Transport.
func (m *Memory) Events() <-chan Event {
	return m.events
}

// SendChat implements Transport.
func (m *Memory) SendChat(ctx context.Context, text string) (domain.ChatAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatAck{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	if m.closed {
		return domain.ChatAck{}, ErrClosed
	}
	if m.sendErr != nil {
		return domain.ChatAck{}, m.sendErr
	}
	m.nextID++
	return domain.ChatAck{
		ID:        fmt.Sprintf("local-%d", m.nextID),
		From:      m.identity,
		Timestamp: m.clock.Now(),
	}, nil
}

// Disconnect implements Transport. The first call delivers a Disconnected
// event and closes the stream.
func (m *Memory) Disconnect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	if m.closed {
		return nil
	}
	m.closed = true
	select {
	case m.events <- Disconnected("client disconnect"):
	default:
	}
	close(m.events)
	return nil
}

// Close implements Transport.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// Hangup simulates the room going away.
func (m *Memory) Hangup(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	select {
	case m.events <- Disconnected(reason):
	default:
	}
	close(m.events)
}
