// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/voice-console/internal/domain"
)

// ListFilter narrows ListSessions.
type ListFilter struct {
	// Outcome keeps only sessions with this outcome when set.
	Outcome domain.Outcome
	// Limit caps the number of rows; zero means DefaultListLimit.
	Limit int
}

// DefaultListLimit is the page size used when ListFilter.Limit is zero.
const DefaultListLimit = 50

// Repository defines the interface for archiving session windows.
type Repository interface {
	// CreateSession records a newly opened session window.
	CreateSession(ctx context.Context, rec *domain.SessionRecord) error

	// UpdateAgentState records the latest agent state and, once known, when
	// the agent first became available.
	UpdateAgentState(ctx context.Context, sessionID string, state domain.AgentState, readyAt *time.Time) error

	// FinishSession stores the final record and its timeline in one transaction.
	FinishSession(ctx context.Context, rec *domain.SessionRecord, entries []domain.TimelineEntry) error

	// GetSession retrieves a session by id. It returns nil, nil if not found.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// ListSessions returns sessions, newest first.
	ListSessions(ctx context.Context, filter ListFilter) ([]*domain.SessionRecord, error)

	// GetTimeline returns the archived timeline of a session in display order.
	GetTimeline(ctx context.Context, sessionID string) ([]domain.TimelineEntry, error)

	// CleanupExpiredSessions removes ended sessions older than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
