// Package archive persists finished sessions: the SQLite record, the NDJSON
// conversation log and the retention sweep.
package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/store"
)

const (
	defaultRecorderQueue = 256
	recorderWriteTimeout = 5 * time.Second
)

type job struct {
	op        string
	sessionID string
	run       func(ctx context.Context) error
}

// Recorder mirrors session lifecycle into a Repository. Writes run on one
// background goroutine in callback order so a session's final write always
// follows its creation.
type Recorder struct {
	session.NopObserver

	repo   store.Repository
	logger *slog.Logger
	jobs   chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder starts the writer goroutine. queueSize <= 0 uses a default.
func NewRecorder(repo store.Repository, logger *slog.Logger, queueSize int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}
	r := &Recorder{
		repo:   repo,
		logger: logger,
		jobs:   make(chan job, queueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// SessionStarted implements session.Observer.
func (r *Recorder) SessionStarted(rec domain.SessionRecord) {
	r.enqueue("create session", rec.ID, func(ctx context.Context) error {
		return r.repo.CreateSession(ctx, &rec)
	})
}

// AgentStateChanged implements session.Observer.
func (r *Recorder) AgentStateChanged(rec domain.SessionRecord, _ domain.AgentState) {
	if rec.Ended() || rec.StartedAt.IsZero() {
		return
	}
	r.enqueue("update agent state", rec.ID, func(ctx context.Context) error {
		return r.repo.UpdateAgentState(ctx, rec.ID, rec.LastAgentState, rec.AgentReadyAt)
	})
}

// SessionEnded implements session.Observer.
func (r *Recorder) SessionEnded(rec domain.SessionRecord, entries []domain.TimelineEntry) {
	r.enqueue("finish session", rec.ID, func(ctx context.Context) error {
		return r.repo.FinishSession(ctx, &rec, entries)
	})
}

// Close stops accepting writes and waits for queued ones to finish.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) enqueue(op, sessionID string, run func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("Archive closed, dropping write", "op", op, "session_id", sessionID)
		return
	}
	r.jobs <- job{op: op, sessionID: sessionID, run: run}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for j := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
		if err := j.run(ctx); err != nil {
			r.logger.Warn("Archive write failed", "op", j.op, "session_id", j.sessionID, "error", err)
		}
		cancel()
	}
}
