package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/voice-console/internal/transport"
)

// ErrNoSession is returned when a session id is unknown.
var ErrNoSession = errors.New("session not found")

type managed struct {
	c      *Controller
	cancel context.CancelFunc
}

// Manager tracks live controllers by session id.
type Manager struct {
	dialer transport.Dialer
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*managed
	wg     sync.WaitGroup
}

// NewManager creates a manager. opts is the template for every controller;
// its Room is ignored.
func NewManager(dialer transport.Dialer, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer: dialer,
		opts:   opts,
		logger: logger,
		active: make(map[string]*managed),
	}
}

// Open dials room, registers a controller and starts its loop. The window is
// not started; callers call Start once their observers are ready.
func (m *Manager) Open(ctx context.Context, room string, observers ...Observer) (*Controller, error) {
	id := uuid.NewString()
	if room == "" {
		room = "voice-" + id[:8]
	}

	tr, err := m.dialer.Dial(ctx, room, id)
	if err != nil {
		return nil, fmt.Errorf("dial room %s: %w", room, err)
	}

	opts := m.opts
	opts.Room = room
	opts.Observers = append(slices.Clone(m.opts.Observers), observers...)
	c := New(id, tr, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active[id] = &managed{c: c, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("Session loop stopped with error", "session_id", id, "error", err)
		}
		m.unregister(id, c)
	}()

	m.logger.Info("Session registered", "session_id", id, "room", room)
	return c, nil
}

// Get returns the live controller for id.
func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.active[id]; ok {
		return e.c, nil
	}
	return nil, ErrNoSession
}

// List returns the live controllers ordered by id.
func (m *Manager) List() []*Controller {
	m.mu.RLock()
	out := make([]*Controller, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e.c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of live controllers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Close stops one session's loop and waits for it to exit.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.RLock()
	e, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}

	e.cancel()
	select {
	case <-e.c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAll stops every session and waits for the loops to exit.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	for _, e := range m.active {
		e.cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unregister(id string, c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[id]; ok && e.c == c {
		delete(m.active, id)
		m.logger.Info("Session unregistered", "session_id", id)
	}
}
