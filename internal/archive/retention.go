package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/voice-console/internal/store"
)

// SweepCallback is called after every sweep that removed sessions.
type SweepCallback func(deleted int64)

// StartRetentionWorker runs a background goroutine that periodically removes
// archived sessions older than retention.
func StartRetentionWorker(ctx context.Context, repo store.Repository, retention, interval time.Duration, onSweep SweepCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, retention, onSweep)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one retention pass and returns the number of sessions removed.
func Sweep(ctx context.Context, repo store.Repository, retention time.Duration, onSweep SweepCallback) int64 {
	deleted, err := repo.CleanupExpiredSessions(ctx, retention)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention sweep interrupted", "error", err)
			return 0
		}
		slog.Error("Retention worker failed to clean up sessions", "error", err)
		return 0
	}
	if deleted == 0 {
		return 0
	}

	slog.Info("Retention worker removed expired sessions", "count", deleted, "retention", retention)
	if onSweep != nil {
		onSweep(deleted)
	}
	return deleted
}
