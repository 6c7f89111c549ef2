package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/voice-console/internal/config"
	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/timeline"
)

// ConversationLogEvent is one NDJSON line of the conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	SessionID  string         `json:"session_id"`
	Room       string         `json:"room,omitempty"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction,omitempty"`
	EventType  string         `json:"event_type"`
	EntryID    string         `json:"entry_id,omitempty"`
	From       string         `json:"from,omitempty"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger writes session events to per-session NDJSON files and,
// optionally, one global file. Writes are queued; Log never blocks on disk.
type ConversationLogger struct {
	session.NopObserver

	cfg    config.ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewConversationLogger creates the log directory and starts the writer. A
// disabled config returns a logger whose Log is a no-op.
func NewConversationLogger(cfg config.ConversationLogConfig, logger *slog.Logger) (*ConversationLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ConversationLogger{cfg: cfg, logger: logger, done: make(chan struct{})}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
		l.cfg.QueueSize = 1000
	}

	l.queue = make(chan ConversationLogEvent, cfg.QueueSize)
	go l.writeLoop()
	return l, nil
}

// Log queues ev. Events are dropped when the queue is full.
func (l *ConversationLogger) Log(ev ConversationLogEvent) {
	if !l.cfg.Enabled {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped", n)
		}
	}
}

// Close flushes queued events and stops the writer.
func (l *ConversationLogger) Close() error {
	if !l.cfg.Enabled {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
	return nil
}

// SessionStarted implements session.Observer.
func (l *ConversationLogger) SessionStarted(rec domain.SessionRecord) {
	l.Log(ConversationLogEvent{
		SessionID: rec.ID,
		Room:      rec.Room,
		Channel:   "lifecycle",
		EventType: "session_started",
		Meta:      map[string]any{"agent_state": rec.LastAgentState.String()},
	})
}

// AgentStateChanged implements session.Observer.
func (l *ConversationLogger) AgentStateChanged(rec domain.SessionRecord, prev domain.AgentState) {
	l.Log(ConversationLogEvent{
		SessionID: rec.ID,
		Room:      rec.Room,
		Channel:   "lifecycle",
		EventType: "agent_state",
		Meta: map[string]any{
			"from":      prev.String(),
			"to":        rec.LastAgentState.String(),
			"available": rec.LastAgentState.IsAvailable(),
		},
	})
}

// EntryChanged implements session.Observer. Only inserts and final revisions
// are logged; interim transcription revisions would flood the file.
func (l *ConversationLogger) EntryChanged(sessionID string, entry domain.TimelineEntry, change timeline.Change) {
	if change == timeline.ChangeUpdated && !entry.Final {
		return
	}
	direction := "inbound"
	if entry.Local {
		direction = "outbound"
	}
	l.Log(ConversationLogEvent{
		SessionID:  sessionID,
		Channel:    string(entry.Origin),
		Direction:  direction,
		EventType:  string(entry.Origin) + "_" + string(change),
		EntryID:    entry.ID,
		From:       entry.From,
		ContentRaw: entry.Text,
		Meta:       map[string]any{"final": entry.Final, "seq": entry.Seq},
	})
}

// Notified implements session.Observer.
func (l *ConversationLogger) Notified(sessionID string, n session.Notification) {
	l.Log(ConversationLogEvent{
		SessionID:  sessionID,
		Channel:    "lifecycle",
		EventType:  "notification",
		ContentRaw: n.Message,
		Meta:       map[string]any{"kind": string(n.Kind), "title": n.Title, "reason": n.Reason},
	})
}

// SessionEnded implements session.Observer.
func (l *ConversationLogger) SessionEnded(rec domain.SessionRecord, entries []domain.TimelineEntry) {
	meta := map[string]any{
		"outcome":          string(rec.Outcome),
		"last_agent_state": rec.LastAgentState.String(),
		"entries":          len(entries),
	}
	if rec.EndedAt != nil {
		meta["duration_ms"] = rec.Duration(*rec.EndedAt).Milliseconds()
	}
	if rec.AgentReadyAt != nil {
		meta["join_latency_ms"] = rec.JoinLatency().Milliseconds()
	}
	l.Log(ConversationLogEvent{
		SessionID:  rec.ID,
		Room:       rec.Room,
		Channel:    "lifecycle",
		EventType:  "session_ended",
		ContentRaw: rec.Reason,
		Meta:       meta,
	})
}

func (l *ConversationLogger) writeLoop() {
	defer close(l.done)

	var global *os.File
	if l.cfg.GlobalEnabled {
		f, err := os.OpenFile(l.cfg.GlobalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.logger.Warn("Failed to open global conversation log", "path", l.cfg.GlobalPath, "error", err)
		} else {
			global = f
			defer func() { _ = global.Close() }()
		}
	}

	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("Failed to marshal conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := appendLine(l.sessionPath(ev.SessionID), line); err != nil {
			l.logger.Warn("Failed to write conversation log", "session_id", ev.SessionID, "error", err)
		}
		if global != nil {
			if _, err := global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *ConversationLogger) sessionPath(sessionID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(l.cfg.Dir, name+".ndjson")
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// cleanForReadability collapses runs of whitespace so transcripts read as
// single lines.
func cleanForReadability(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
