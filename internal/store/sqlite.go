package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/voice-console/internal/domain"
	"github.com/ashureev/voice-console/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by updates that target a missing session.
var ErrNotFound = errors.New("session not found")

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		agent_ready_at INTEGER,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		last_agent_state TEXT NOT NULL,
		entry_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at) WHERE ended_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS timeline_entries (
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		entry_id TEXT NOT NULL,
		origin TEXT NOT NULL,
		seq INTEGER NOT NULL,
		from_identity TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		final INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, entry_id)
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_position ON timeline_entries(session_id, position);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession records a newly opened session window.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (session_id, room, started_at, ended_at, agent_ready_at, outcome, reason, last_agent_state, entry_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		room = excluded.room,
		started_at = excluded.started_at,
		outcome = excluded.outcome,
		last_agent_state = excluded.last_agent_state`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Room, toMillis(rec.StartedAt),
		nullMillis(rec.EndedAt), nullMillis(rec.AgentReadyAt),
		string(rec.Outcome), rec.Reason, rec.LastAgentState.String(), rec.EntryCount,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateAgentState records the latest agent state.
func (s *SQLiteStore) UpdateAgentState(ctx context.Context, sessionID string, state domain.AgentState, readyAt *time.Time) error {
	query := `
	UPDATE sessions SET
		last_agent_state = ?,
		agent_ready_at = COALESCE(agent_ready_at, ?)
	WHERE session_id = ?`

	result, err := s.db.ExecContext(ctx, query, state.String(), nullMillis(readyAt), sessionID)
	if err != nil {
		return fmt.Errorf("update agent state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update agent state for %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// FinishSession stores the final record and its timeline.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) FinishSession(ctx context.Context, rec *domain.SessionRecord, entries []domain.TimelineEntry) error {
	return s.withRetry(ctx, "finish session", rec.ID, func() error {
		return s.finishSessionOnce(ctx, rec, entries)
	})
}

func (s *SQLiteStore) finishSessionOnce(ctx context.Context, rec *domain.SessionRecord, entries []domain.TimelineEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back finish session", "session_id", rec.ID, "error", rbErr)
			}
		}
	}()

	upsert := `
	INSERT INTO sessions (session_id, room, started_at, ended_at, agent_ready_at, outcome, reason, last_agent_state, entry_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		ended_at = excluded.ended_at,
		agent_ready_at = COALESCE(excluded.agent_ready_at, sessions.agent_ready_at),
		outcome = excluded.outcome,
		reason = excluded.reason,
		last_agent_state = excluded.last_agent_state,
		entry_count = excluded.entry_count`

	if _, err = tx.ExecContext(ctx, upsert,
		rec.ID, rec.Room, toMillis(rec.StartedAt),
		nullMillis(rec.EndedAt), nullMillis(rec.AgentReadyAt),
		string(rec.Outcome), rec.Reason, rec.LastAgentState.String(), rec.EntryCount,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM timeline_entries WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear timeline: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO timeline_entries (session_id, position, entry_id, origin, seq, from_identity, text, final, local, timestamp, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare timeline insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			slog.Warn("failed to close timeline statement", "error", closeErr)
		}
	}()

	for i, e := range entries {
		if _, err = stmt.ExecContext(ctx,
			rec.ID, i, e.ID, string(e.Origin), int64(e.Seq), e.From, e.Text,
			boolInt(e.Final), boolInt(e.Local), toMillis(e.Timestamp), toMillis(e.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert timeline entry %s: %w", e.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, room, started_at, ended_at, agent_ready_at, outcome, reason, last_agent_state, entry_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var startedAt int64
	var endedAt, readyAt sql.NullInt64
	var outcome, state string

	if err := row.Scan(
		&rec.ID, &rec.Room, &startedAt, &endedAt, &readyAt,
		&outcome, &rec.Reason, &state, &rec.EntryCount,
	); err != nil {
		return nil, err
	}

	rec.StartedAt = time.UnixMilli(startedAt)
	rec.EndedAt = fromNullMillis(endedAt)
	rec.AgentReadyAt = fromNullMillis(readyAt)
	rec.Outcome = domain.Outcome(outcome)
	rec.LastAgentState = domain.AgentState(state)
	return &rec, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// ListSessions returns sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter) ([]*domain.SessionRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if filter.Outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	query += ` ORDER BY started_at DESC, session_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close sessions rows", "error", closeErr)
		}
	}()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// GetTimeline returns the archived timeline of a session in display order.
func (s *SQLiteStore) GetTimeline(ctx context.Context, sessionID string) ([]domain.TimelineEntry, error) {
	query := `
		SELECT entry_id, origin, seq, from_identity, text, final, local, timestamp, updated_at
		FROM timeline_entries WHERE session_id = ? ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close timeline rows", "error", closeErr)
		}
	}()

	var out []domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		var origin string
		var seq, ts, updated int64
		var final, local int
		if err := rows.Scan(&e.ID, &origin, &seq, &e.From, &e.Text, &final, &local, &ts, &updated); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		e.Origin = domain.Origin(origin)
		e.Seq = uint64(seq)
		e.Final = final != 0
		e.Local = local != 0
		e.Timestamp = time.UnixMilli(ts)
		e.UpdatedAt = time.UnixMilli(updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return out, nil
}

// CleanupExpiredSessions removes ended sessions older than ttl together with
// their timelines. Sessions still open are never removed.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := toMillis(s.now().Add(-ttl))
	var deleted int64
	err := s.withRetry(ctx, "cleanup expired sessions", "", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM timeline_entries WHERE session_id IN (
				SELECT session_id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?
			)`, threshold); err != nil {
			return fmt.Errorf("delete expired timelines: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		deleted = n
		return nil
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs op, retrying SQLite lock conflicts with exponential backoff
// (100ms, 200ms).
func (s *SQLiteStore) withRetry(ctx context.Context, what, sessionID string, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseRetryDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying",
			"op", what,
			"session_id", sessionID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
