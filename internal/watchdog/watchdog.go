// Package watchdog bounds how long a session may wait for the agent to become
// available before the session is aborted.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/voice-console/internal/clock"
	"github.com/ashureev/voice-console/internal/domain"
)

const (
	// DefaultTimeout is how long the agent has to become available.
	DefaultTimeout = 20 * time.Second

	defaultDisconnectTimeout = 5 * time.Second
)

// Phase is the watchdog's position in its state machine.
type Phase int

const (
	// PhaseIdle means no session window is open.
	PhaseIdle Phase = iota
	// PhaseArmed means the deadline timer is pending.
	PhaseArmed
	// PhaseSettled means the agent became available; nothing further fires in this window.
	PhaseSettled
	// PhaseExpired means the deadline elapsed and the failure was reported.
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmed:
		return "armed"
	case PhaseSettled:
		return "settled"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Disconnector tears down the room connection.
type Disconnector interface {
	Disconnect(ctx context.Context) error
}

// Config controls deadline behavior.
type Config struct {
	Timeout           time.Duration
	DisconnectTimeout time.Duration
	Clock             clock.Clock

	// Post delivers timer expiry onto the owner's event loop. When nil the
	// expiry runs on the timer's goroutine.
	Post   func(func())
	Logger *slog.Logger
}

// Watchdog owns the single deadline timer of a session window.
// It is not safe for concurrent use; all calls and timer deliveries must be
// serialized by the owner (see Config.Post).
type Watchdog struct {
	cfg        Config
	disconnect Disconnector
	onFailure  func(Failure)
	logger     *slog.Logger

	phase     Phase
	state     domain.AgentState
	startedAt time.Time
	readyAt   time.Time
	timer     clock.Timer
	gen       uint64
}

// New creates an idle watchdog. onFailure may be nil.
func New(cfg Config, disconnect Disconnector, onFailure func(Failure)) *Watchdog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Post == nil {
		cfg.Post = func(f func()) { f() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cfg:        cfg,
		disconnect: disconnect,
		onFailure:  onFailure,
		logger:     logger,
		state:      domain.AgentStateDisconnected,
	}
}

// Arm feeds the watchdog the current session flag and agent state. It is
// called on every change of either input and is idempotent.
func (w *Watchdog) Arm(sessionStarted bool, state domain.AgentState) {
	w.state = state

	switch {
	case sessionStarted && w.phase == PhaseIdle:
		w.open()
	case sessionStarted && w.phase == PhaseArmed && state.IsAvailable():
		w.settle()
	case !sessionStarted && w.phase != PhaseIdle:
		w.reset()
	}
}

// Phase returns the current phase.
func (w *Watchdog) Phase() Phase {
	return w.phase
}

// StartedAt returns when the current window was opened.
func (w *Watchdog) StartedAt() time.Time {
	return w.startedAt
}

// ReadyAt returns when the agent became available in the current window,
// or the zero time.
func (w *Watchdog) ReadyAt() time.Time {
	return w.readyAt
}

// Deadline returns when the pending timer fires, or the zero time if none is pending.
func (w *Watchdog) Deadline() time.Time {
	if w.phase != PhaseArmed {
		return time.Time{}
	}
	return w.startedAt.Add(w.cfg.Timeout)
}

func (w *Watchdog) open() {
	w.startedAt = w.cfg.Clock.Now()
	w.readyAt = time.Time{}
	w.gen++

	if w.state.IsAvailable() {
		w.phase = PhaseSettled
		w.readyAt = w.startedAt
		w.logger.Debug("watchdog: agent already available at session start", "state", w.state)
		return
	}

	w.phase = PhaseArmed
	gen := w.gen
	w.timer = w.cfg.Clock.AfterFunc(w.cfg.Timeout, func() {
		w.cfg.Post(func() { w.expire(gen) })
	})
	w.logger.Debug("watchdog: armed", "timeout", w.cfg.Timeout, "state", w.state)
}

func (w *Watchdog) settle() {
	w.stopTimer()
	w.phase = PhaseSettled
	w.readyAt = w.cfg.Clock.Now()
	w.logger.Debug("watchdog: agent available, timer cancelled",
		"state", w.state,
		"latency", w.readyAt.Sub(w.startedAt),
	)
}

func (w *Watchdog) reset() {
	w.stopTimer()
	w.phase = PhaseIdle
	w.logger.Debug("watchdog: session window closed")
}

func (w *Watchdog) stopTimer() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// expire runs when the deadline elapses. A stale generation means the timer
// was cancelled after its callback was already queued.
func (w *Watchdog) expire(gen uint64) {
	if gen != w.gen || w.phase != PhaseArmed {
		return
	}
	w.timer = nil
	if w.state.IsAvailable() {
		w.settle()
		return
	}

	w.phase = PhaseExpired
	failure := NewFailure(w.state, w.startedAt, w.cfg.Clock.Now())
	w.logger.Warn("watchdog: agent not available before deadline",
		"reason", failure.Reason,
		"state", failure.State,
		"timeout", w.cfg.Timeout,
	)

	if w.onFailure != nil {
		w.onFailure(failure)
	}

	if w.disconnect == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DisconnectTimeout)
	defer cancel()
	if err := w.disconnect.Disconnect(ctx); err != nil {
		w.logger.Warn("watchdog: disconnect after timeout failed", "error", err)
	}
}
