package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/voice-console/internal/domain"
)

const (
	defaultAckTimeout = 5 * time.Second
	eventBuffer       = 64
	maxFrameBytes     = 1 << 20
)

// Frame types spoken on the bridge socket.
const (
	frameAgentState    = "agent_state"
	frameChat          = "chat"
	frameTranscription = "transcription"
	frameChatAck       = "chat_ack"
	frameDisconnected  = "disconnected"
	frameDisconnect    = "disconnect"
)

// frame is the JSON envelope exchanged with the room bridge. Timestamps are
// unix milliseconds.
type frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	State     string `json:"state,omitempty"`
	ID        string `json:"id,omitempty"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BridgeConfig holds configuration for a room bridge connection.
type BridgeConfig struct {
	URL        string
	AckTimeout time.Duration
	Header     http.Header
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// BridgeDialer dials room bridge connections with a shared configuration.
type BridgeDialer struct {
	cfg BridgeConfig
}

// NewBridgeDialer returns a Dialer for the bridge at cfg.URL.
func NewBridgeDialer(cfg BridgeConfig) *BridgeDialer {
	return &BridgeDialer{cfg: cfg}
}

// Dial implements Dialer.
func (d *BridgeDialer) Dial(ctx context.Context, room, sessionID string) (Transport, error) {
	return DialBridge(ctx, d.cfg, room, sessionID)
}

type ackResult struct {
	ack domain.ChatAck
	err error
}

// Bridge is a Transport backed by a WebSocket connection to a room bridge
// process, which holds the media SDK connection on our behalf.
type Bridge struct {
	conn       *websocket.Conn
	ackTimeout time.Duration
	logger     *slog.Logger

	events chan Event
	done   chan struct{}

	mu           sync.Mutex
	pending      map[string]chan ackResult
	closed       bool
	localReason  string
	closeOnce    sync.Once
	disconnectMu sync.Mutex
}

// DialBridge connects to the bridge and joins room.
func DialBridge(ctx context.Context, cfg BridgeConfig, room, sessionID string) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("bridge url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sessionID, "room", room)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: cfg.Header,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	b := &Bridge{
		conn:       conn,
		ackTimeout: ackTimeout,
		logger:     logger,
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
		pending:    make(map[string]chan ackResult),
	}
	go b.readLoop()

	logger.Info("Connected to room bridge")
	return b, nil
}

// Events implements Transport.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// SendChat implements Transport.
func (b *Bridge) SendChat(ctx context.Context, text string) (domain.ChatAck, error) {
	requestID := uuid.NewString()
	ch := make(chan ackResult, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ChatAck{}, ErrClosed
	}
	b.pending[requestID] = ch
	b.mu.Unlock()
	defer b.forget(requestID)

	ctx, cancel := context.WithTimeout(ctx, b.ackTimeout)
	defer cancel()

	if err := b.write(ctx, frame{Type: frameChat, RequestID: requestID, Text: text}); err != nil {
		return domain.ChatAck{}, fmt.Errorf("write chat: %w", err)
	}

	select {
	case res := <-ch:
		return res.ack, res.err
	case <-b.done:
		return domain.ChatAck{}, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ChatAck{}, ErrAckTimeout
		}
		return domain.ChatAck{}, ctx.Err()
	}
}

// Disconnect implements Transport. The Disconnected event is still
// delivered once the socket closes.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.disconnectMu.Lock()
	defer b.disconnectMu.Unlock()

	b.mu.Lock()
	if b.closed || b.localReason != "" {
		b.mu.Unlock()
		return nil
	}
	b.localReason = "client disconnect"
	b.mu.Unlock()

	if err := b.write(ctx, frame{Type: frameDisconnect}); err != nil {
		b.logger.Debug("Failed to send disconnect frame", "error", err)
	}
	if err := b.conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil && !isClosedErr(err) {
		return fmt.Errorf("close bridge: %w", err)
	}
	return nil
}

// Close implements Transport.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.conn.CloseNow()
	})
	if isClosedErr(err) {
		return nil
	}
	return err
}

func (b *Bridge) readLoop() {
	reason := "transport closed"
	defer func() {
		b.shutdown()
		b.emit(Disconnected(reason))
		close(b.events)
	}()

	ctx := context.Background()
	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			b.mu.Lock()
			local := b.localReason
			b.mu.Unlock()
			if local != "" {
				reason = local
			} else if websocket.CloseStatus(err) == -1 && !b.isDone() {
				b.logger.Warn("Room bridge read error", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("Dropping malformed bridge frame", "error", err)
			continue
		}

		switch f.Type {
		case frameAgentState:
			b.emit(AgentStateChanged(domain.AgentState(f.State)))
		case frameChat:
			b.emit(ChatReceived(f.message()))
		case frameTranscription:
			b.emit(TranscriptionReceived(f.message()))
		case frameChatAck:
			b.resolve(f)
		case frameDisconnected:
			if f.Reason != "" {
				reason = f.Reason
			}
			b.logger.Info("Room bridge reported disconnect", "reason", reason)
			return
		default:
			b.logger.Debug("Ignoring unknown bridge frame", "type", f.Type)
		}
	}
}

func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

func (b *Bridge) isDone() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bridge) resolve(f frame) {
	b.mu.Lock()
	ch, ok := b.pending[f.RequestID]
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("Chat ack for unknown request", "request_id", f.RequestID)
		return
	}

	if f.Error != "" {
		ch <- ackResult{err: fmt.Errorf("%w: %s", ErrSendRejected, f.Error)}
		return
	}
	ch <- ackResult{ack: domain.ChatAck{
		ID:        f.ID,
		From:      f.From,
		Timestamp: fromMillis(f.Timestamp),
	}}
}

func (b *Bridge) forget(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// shutdown fails every pending send and closes the socket.
func (b *Bridge) shutdown() {
	b.mu.Lock()
	b.closed = true
	for id, ch := range b.pending {
		select {
		case ch <- ackResult{err: ErrClosed}:
		default:
		}
		delete(b.pending, id)
	}
	b.mu.Unlock()
	_ = b.conn.CloseNow()
}

func (b *Bridge) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.conn.Write(ctx, websocket.MessageText, data)
}

func (f frame) message() Message {
	return Message{
		ID:        f.ID,
		From:      f.From,
		Text:      f.Text,
		Final:     f.Final,
		Timestamp: fromMillis(f.Timestamp),
	}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1
}
