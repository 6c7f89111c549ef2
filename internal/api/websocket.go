package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/voice-console/internal/agent"
	"github.com/ashureev/voice-console/internal/config"
	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/timeline"
)

const (
	socketQueueSize    = 256
	socketWriteTimeout = 5 * time.Second
	socketCloseTimeout = 5 * time.Second
)

// clientFrame is a message from the browser.
type clientFrame struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Content string `json:"content,omitempty"`
}

// serverFrame is a message to the browser.
type serverFrame struct {
	Type         string                 `json:"type"`
	SessionID    string                 `json:"session_id,omitempty"`
	Status       *session.Status        `json:"status,omitempty"`
	Record       *domain.SessionRecord  `json:"record,omitempty"`
	Entries      []domain.TimelineEntry `json:"entries,omitempty"`
	Entry        *domain.TimelineEntry  `json:"entry,omitempty"`
	Change       timeline.Change        `json:"change,omitempty"`
	Notification *session.Notification  `json:"notification,omitempty"`
	Health       *agent.HealthStatus    `json:"health,omitempty"`
	Config       *config.AppConfig      `json:"config,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// SessionSocket serves the UI WebSocket. Each connection drives at most one
// live session at a time.
type SessionSocket struct {
	h *Handler
}

// NewSessionSocket creates the WebSocket handler.
func NewSessionSocket(h *Handler) *SessionSocket {
	return &SessionSocket{h: h}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (s *SessionSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &uiConn{
		h:      s.h,
		ws:     ws,
		out:    make(chan serverFrame, socketQueueSize),
		cancel: cancel,
		logger: s.h.logger.With("remote", r.RemoteAddr),
	}
	defer func() {
		cancel()
		conn.stopSession()
		conn.wg.Wait()
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			conn.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	conn.wg.Add(1)
	go func() {
		defer conn.wg.Done()
		conn.writeLoop(ctx)
	}()

	app := s.h.cfg.App
	conn.enqueue(serverFrame{Type: "snapshot", Config: &app})
	conn.readLoop(ctx)
}

func (s *SessionSocket) checkOrigin(r *http.Request) bool {
	if s.h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == s.h.cfg.FrontendURL {
		return true
	}
	s.h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.h.cfg.FrontendURL)
	return false
}

// uiConn is one browser connection. It observes the session it started and
// forwards lifecycle callbacks as frames.
type uiConn struct {
	h      *Handler
	ws     *websocket.Conn
	out    chan serverFrame
	cancel context.CancelFunc
	logger *slog.Logger
	wg     sync.WaitGroup

	mu   sync.Mutex
	ctrl *session.Controller
}

func (c *uiConn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				c.logger.Debug("WebSocket closed by client")
			} else {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg clientFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(serverFrame{Type: "error", Error: "invalid frame"})
			continue
		}

		switch msg.Type {
		case "start":
			c.start(ctx, msg.Room)
		case "chat":
			ctrl := c.current()
			if ctrl == nil {
				c.enqueue(serverFrame{Type: "error", Error: session.ErrNotActive.Error()})
				continue
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.send(ctx, ctrl, msg.Content)
			}()
		case "end":
			ctrl := c.current()
			if ctrl == nil {
				c.enqueue(serverFrame{Type: "error", Error: session.ErrNotActive.Error()})
				continue
			}
			if err := ctrl.End(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.enqueue(serverFrame{Type: "error", SessionID: ctrl.ID(), Error: err.Error()})
			}
		case "ping":
			c.enqueue(serverFrame{Type: "pong"})
		default:
			c.enqueue(serverFrame{Type: "error", Error: "unknown frame type " + msg.Type})
		}
	}
}

func (c *uiConn) start(ctx context.Context, room string) {
	if prev := c.current(); prev != nil {
		if prev.Started() {
			c.enqueue(serverFrame{Type: "error", SessionID: prev.ID(), Error: session.ErrAlreadyStarted.Error()})
			return
		}
		c.stopSession()
	}

	ctrl, err := c.h.sessions.Open(ctx, room, c)
	if err != nil {
		c.logger.Error("Failed to open session", "room", room, "error", err)
		c.enqueue(serverFrame{Type: "error", Error: "failed to join room"})
		return
	}
	c.mu.Lock()
	c.ctrl = ctrl
	c.mu.Unlock()

	if err := ctrl.Start(ctx); err != nil {
		c.enqueue(serverFrame{Type: "error", SessionID: ctrl.ID(), Error: err.Error()})
		return
	}
	st := ctrl.Status()
	rec := ctrl.Window()
	c.enqueue(serverFrame{
		Type:      "snapshot",
		SessionID: ctrl.ID(),
		Status:    &st,
		Record:    &rec,
		Entries:   ctrl.Entries(),
	})
}

func (c *uiConn) send(ctx context.Context, ctrl *session.Controller, text string) {
	if !c.h.allow(ctrl.ID()) {
		c.enqueue(serverFrame{Type: "error", SessionID: ctrl.ID(), Error: "rate limit exceeded"})
		return
	}
	if _, err := ctrl.Send(ctx, text); err != nil && ctx.Err() == nil {
		c.enqueue(serverFrame{Type: "error", SessionID: ctrl.ID(), Error: err.Error()})
	}
}

func (c *uiConn) current() *session.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl
}

// stopSession stops the connection's controller loop. An open window ends as
// transport_closed.
func (c *uiConn) stopSession() {
	c.mu.Lock()
	ctrl := c.ctrl
	c.ctrl = nil
	c.mu.Unlock()
	if ctrl == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), socketCloseTimeout)
	defer cancel()
	if err := c.h.sessions.Close(ctx, ctrl.ID()); err != nil && !errors.Is(err, session.ErrNoSession) {
		c.logger.Warn("Failed to stop session", "session_id", ctrl.ID(), "error", err)
	}
}

// enqueue never blocks: observer callbacks run on the session loop. A client
// that cannot keep up is disconnected.
func (c *uiConn) enqueue(f serverFrame) {
	select {
	case c.out <- f:
	default:
		c.logger.Warn("WebSocket send queue full, closing connection", "frame", f.Type)
		c.cancel()
	}
}

func (c *uiConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.out:
			data, err := json.Marshal(f)
			if err != nil {
				c.logger.Warn("Failed to marshal frame", "type", f.Type, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
			err = c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("WebSocket write error", "error", err)
				}
				c.cancel()
				return
			}
		}
	}
}

func (c *uiConn) status(rec domain.SessionRecord) *session.Status {
	entries := 0
	if ctrl := c.current(); ctrl != nil && ctrl.ID() == rec.ID {
		entries = len(ctrl.Entries())
	}
	st := session.StatusOf(!rec.Ended(), rec.LastAgentState, entries)
	return &st
}

// SessionStarted implements session.Observer.
func (c *uiConn) SessionStarted(rec domain.SessionRecord) {
	c.enqueue(serverFrame{Type: "state", SessionID: rec.ID, Status: c.status(rec), Record: &rec})
}

// AgentStateChanged implements session.Observer.
func (c *uiConn) AgentStateChanged(rec domain.SessionRecord, _ domain.AgentState) {
	if rec.StartedAt.IsZero() {
		return
	}
	c.enqueue(serverFrame{Type: "state", SessionID: rec.ID, Status: c.status(rec), Record: &rec})
}

// EntryChanged implements session.Observer.
func (c *uiConn) EntryChanged(sessionID string, entry domain.TimelineEntry, change timeline.Change) {
	c.enqueue(serverFrame{Type: "entry", SessionID: sessionID, Entry: &entry, Change: change})
}

// ChatSent implements session.Observer. Failures are reported by send.
func (c *uiConn) ChatSent(string, error) {}

// Notified implements session.Observer. A failure also triggers an agent
// health probe so the UI can tell a dead worker from a slow one.
func (c *uiConn) Notified(sessionID string, n session.Notification) {
	c.enqueue(serverFrame{Type: "notification", SessionID: sessionID, Notification: &n})
	if n.Kind != session.NotificationFailure || c.h.health == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), socketCloseTimeout)
		defer cancel()
		st := c.h.health.Check(ctx)
		c.enqueue(serverFrame{Type: "agent_health", SessionID: sessionID, Health: &st})
	}()
}

// SessionEnded implements session.Observer.
func (c *uiConn) SessionEnded(rec domain.SessionRecord, entries []domain.TimelineEntry) {
	st := session.StatusOf(false, rec.LastAgentState, len(entries))
	c.enqueue(serverFrame{Type: "ended", SessionID: rec.ID, Status: &st, Record: &rec})
}
