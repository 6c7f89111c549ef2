// Package session binds the connection watchdog and the timeline merger to a
// room transport and runs them on a single event loop per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/voice-console/internal/clock"
	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/timeline"
	"github.com/ashureev/voice-console/internal/transport"
	"github.com/ashureev/voice-console/internal/watchdog"
)

var (
	// ErrClosed is returned when the controller's loop has stopped.
	ErrClosed = errors.New("session controller stopped")
	// ErrNotActive is returned when an operation needs an open session window.
	ErrNotActive = errors.New("session is not active")
	// ErrAlreadyStarted is returned by Start on an open window.
	ErrAlreadyStarted = errors.New("session already started")
)

const defaultDisconnectTimeout = 5 * time.Second

type windowPhase int

const (
	windowIdle windowPhase = iota
	windowOpen
	windowEnded
)

// Options configures a Controller.
type Options struct {
	Room              string
	Clock             clock.Clock
	Timeout           time.Duration
	DisconnectTimeout time.Duration
	Logger            *slog.Logger
	Observers         []Observer
}

type snapshot struct {
	window  windowPhase
	state   domain.AgentState
	record  domain.SessionRecord
	failure *watchdog.Failure
}

// Controller owns one session window. Transport events, timer expiries and
// API calls are serialized as turns of the loop started by Run.
type Controller struct {
	id                string
	room              string
	transport         transport.Transport
	clock             clock.Clock
	logger            *slog.Logger
	observers         []Observer
	disconnectTimeout time.Duration
	merger            *timeline.Merger
	watchdog          *watchdog.Watchdog

	turns chan func()
	done  chan struct{}

	// Loop-owned.
	window  windowPhase
	state   domain.AgentState
	record  domain.SessionRecord
	failure *watchdog.Failure

	mu   sync.RWMutex
	snap snapshot
}

// New creates a controller for an already connected transport. Run must be
// called exactly once to process events.
func New(id string, tr transport.Transport, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = defaultDisconnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id)

	c := &Controller{
		id:                id,
		room:              opts.Room,
		transport:         tr,
		clock:             opts.Clock,
		logger:            logger,
		observers:         opts.Observers,
		disconnectTimeout: opts.DisconnectTimeout,
		merger:            timeline.New(tr, timeline.WithClock(opts.Clock)),
		turns:             make(chan func()),
		done:              make(chan struct{}),
		state:             domain.AgentStateDisconnected,
	}
	c.watchdog = watchdog.New(watchdog.Config{
		Timeout:           opts.Timeout,
		DisconnectTimeout: opts.DisconnectTimeout,
		Clock:             opts.Clock,
		Post:              c.post,
		Logger:            logger,
	}, abortOnTimeout{c}, c.onWatchdogFailure)
	c.publish()
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Room returns the room name.
func (c *Controller) Room() string { return c.room }

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run processes events until ctx is cancelled or the transport's event stream
// closes. It ends any open window on the way out.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	defer func() {
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("Failed to close transport", "error", err)
		}
	}()

	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			if c.window == windowOpen {
				c.endWindow(domain.OutcomeTransportClosed, "session controller stopped")
				c.disconnect()
			}
			c.publish()
			return ctx.Err()
		case turn := <-c.turns:
			turn()
		case ev, ok := <-events:
			if !ok {
				c.endWindow(domain.OutcomeTransportClosed, "transport closed")
				c.publish()
				return nil
			}
			c.handle(ev)
		}
		c.publish()
	}
}

// Start opens the session window and arms the watchdog.
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func() error {
		switch c.window {
		case windowOpen:
			return ErrAlreadyStarted
		case windowEnded:
			return ErrNotActive
		}

		c.window = windowOpen
		c.failure = nil
		c.record = domain.SessionRecord{
			ID:             c.id,
			Room:           c.room,
			StartedAt:      c.clock.Now(),
			Outcome:        domain.OutcomeActive,
			LastAgentState: c.state,
		}
		c.merger.Reset()
		c.watchdog.Arm(true, c.state)
		c.markReady()

		c.logger.Info("Session started", "room", c.room, "state", c.state)
		for _, o := range c.observers {
			o.SessionStarted(c.record)
		}
		return nil
	})
}

// End is the user-initiated disconnect.
func (c *Controller) End(ctx context.Context) error {
	err := c.do(ctx, func() error {
		if c.window != windowOpen {
			return ErrNotActive
		}
		c.endWindow(domain.OutcomeUserEnded, "user disconnected")
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Send publishes text on the room's chat topic and appends it to the timeline
// once the transport acknowledges it. Blank text never reaches the transport.
func (c *Controller) Send(ctx context.Context, text string) (domain.TimelineEntry, error) {
	if strings.TrimSpace(text) == "" {
		return domain.TimelineEntry{}, timeline.ErrEmptyMessage
	}
	err := c.do(ctx, func() error {
		if c.window != windowOpen {
			return ErrNotActive
		}
		return nil
	})
	if err != nil {
		return domain.TimelineEntry{}, err
	}

	entry, err := c.merger.Send(ctx, text)
	c.post(func() {
		for _, o := range c.observers {
			o.ChatSent(c.id, err)
		}
		if err != nil {
			return
		}
		if c.window != windowOpen {
			// The window closed while the send was in flight.
			c.merger.Reset()
			return
		}
		c.emitEntry(entry, timeline.ChangeInserted)
	})
	if err != nil {
		c.logger.Warn("Chat send failed", "error", err)
		return domain.TimelineEntry{}, err
	}
	return entry, nil
}

// State returns the last agent state reported by the transport.
func (c *Controller) State() domain.AgentState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.state
}

// Available reports whether the agent can currently take input.
func (c *Controller) Available() bool {
	return c.State().IsAvailable()
}

// Started reports whether the session window is open.
func (c *Controller) Started() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.window == windowOpen
}

// Window returns the current session record.
func (c *Controller) Window() domain.SessionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.record
}

// Failure returns the watchdog failure of this window, if any.
func (c *Controller) Failure() (watchdog.Failure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap.failure == nil {
		return watchdog.Failure{}, false
	}
	return *c.snap.failure, true
}

// Entries returns the merged timeline in display order.
func (c *Controller) Entries() []domain.TimelineEntry {
	return c.merger.Entries()
}

// Status returns the presentational status summary.
func (c *Controller) Status() Status {
	c.mu.RLock()
	started, state := c.snap.window == windowOpen, c.snap.state
	c.mu.RUnlock()
	return StatusOf(started, state, c.merger.Len())
}

func (c *Controller) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventAgentState:
		if !ev.State.Known() {
			c.logger.Debug("Unknown agent state label", "state", string(ev.State))
		}
		c.setState(ev.State)
	case transport.EventChat:
		if c.window != windowOpen {
			c.logger.Debug("Dropping chat outside session window", "id", ev.Message.ID)
			return
		}
		entry, err := c.merger.ApplyChat(timeline.ChatMessage{
			ID:        ev.Message.ID,
			From:      ev.Message.From,
			Text:      ev.Message.Text,
			Timestamp: ev.Message.Timestamp,
		})
		if err != nil {
			c.logApplyError("chat", ev.Message.ID, err)
			return
		}
		c.emitEntry(entry, timeline.ChangeInserted)
	case transport.EventTranscription:
		if c.window != windowOpen {
			c.logger.Debug("Dropping transcription outside session window", "id", ev.Message.ID)
			return
		}
		entry, change, err := c.merger.ApplyTranscription(timeline.TranscriptionSegment{
			ID:        ev.Message.ID,
			From:      ev.Message.From,
			Text:      ev.Message.Text,
			Final:     ev.Message.Final,
			Timestamp: ev.Message.Timestamp,
		})
		if err != nil {
			c.logApplyError("transcription", ev.Message.ID, err)
			return
		}
		if change != timeline.ChangeUnchanged {
			c.emitEntry(entry, change)
		}
	case transport.EventDisconnected:
		reason := ev.Reason
		if reason == "" {
			reason = "transport closed"
		}
		c.endWindow(domain.OutcomeTransportClosed, reason)
	default:
		c.logger.Debug("Ignoring transport event", "kind", ev.Kind)
	}
}

func (c *Controller) logApplyError(kind, id string, err error) {
	if errors.Is(err, timeline.ErrDuplicateEntry) {
		c.logger.Debug("Duplicate timeline event", "kind", kind, "id", id)
		return
	}
	c.logger.Warn("Rejected timeline event", "kind", kind, "id", id, "error", err)
}

func (c *Controller) setState(s domain.AgentState) {
	if s == "" {
		s = domain.AgentStateDisconnected
	}
	prev := c.state
	c.state = s
	c.record.LastAgentState = s

	if c.window == windowOpen {
		c.watchdog.Arm(true, s)
		c.markReady()
	}
	if prev == s {
		return
	}

	c.logger.Debug("Agent state changed", "from", prev, "to", s, "available", s.IsAvailable())
	for _, o := range c.observers {
		o.AgentStateChanged(c.record, prev)
	}
}

// markReady copies the watchdog's first-available time into the record.
func (c *Controller) markReady() {
	if c.record.AgentReadyAt != nil {
		return
	}
	if ready := c.watchdog.ReadyAt(); !ready.IsZero() {
		c.record.AgentReadyAt = &ready
	}
}

func (c *Controller) emitEntry(entry domain.TimelineEntry, change timeline.Change) {
	for _, o := range c.observers {
		o.EntryChanged(c.id, entry, change)
	}
}

func (c *Controller) onWatchdogFailure(f watchdog.Failure) {
	c.failure = &f
	c.record.Reason = f.Message

	n := Notification{
		Kind:    NotificationFailure,
		Title:   watchdog.FailureTitle,
		Message: f.Message,
		Detail:  watchdog.QuickstartURL,
		Reason:  string(f.Reason),
	}
	for _, o := range c.observers {
		o.Notified(c.id, n)
	}
}

// endWindow closes the window, stops the watchdog and hands observers the
// final record and timeline before the derived views are discarded.
func (c *Controller) endWindow(outcome domain.Outcome, reason string) {
	if c.window != windowOpen {
		return
	}
	c.window = windowEnded
	c.watchdog.Arm(false, c.state)

	now := c.clock.Now()
	entries := c.merger.Entries()
	c.record.EndedAt = &now
	c.record.Outcome = outcome
	c.record.LastAgentState = c.state
	c.record.EntryCount = len(entries)
	if c.record.Reason == "" {
		c.record.Reason = reason
	}

	c.logger.Info("Session ended",
		"outcome", outcome,
		"reason", c.record.Reason,
		"duration", c.record.Duration(now),
		"entries", len(entries),
	)
	for _, o := range c.observers {
		o.SessionEnded(c.record, entries)
	}
	c.merger.Reset()
}

func (c *Controller) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.disconnectTimeout)
	defer cancel()
	if err := c.transport.Disconnect(ctx); err != nil {
		c.logger.Warn("Failed to disconnect transport", "error", err)
	}
}

func (c *Controller) publish() {
	s := snapshot{
		window: c.window,
		state:  c.state,
		record: c.record,
	}
	if c.failure != nil {
		f := *c.failure
		s.failure = &f
	}
	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
}

// post queues f as a loop turn. It is dropped once the loop has stopped.
func (c *Controller) post(f func()) {
	select {
	case c.turns <- f:
	case <-c.done:
	}
}

// do runs f on the loop and waits for its result.
func (c *Controller) do(ctx context.Context, f func() error) error {
	result := make(chan error, 1)
	select {
	case c.turns <- func() {
		err := f()
		c.publish()
		result <- err
	}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortOnTimeout is the watchdog's disconnect action: leave the room and
// close the window as timed out.
type abortOnTimeout struct{ c *Controller }

func (a abortOnTimeout) Disconnect(ctx context.Context) error {
	err := a.c.transport.Disconnect(ctx)
	a.c.endWindow(domain.OutcomeAgentTimeout, "agent not available")
	if err != nil {
		return fmt.Errorf("disconnect after timeout: %w", err)
	}
	return nil
}
