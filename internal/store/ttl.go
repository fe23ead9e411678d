package store

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// CleanupCallback is called for every session the sweeper deletes.
type CleanupCallback func(sessionID string)

// StartTTLWorker periodically deletes sessions idle for longer than ttl. It
// stops when ctx is done.
func StartTTLWorker(ctx context.Context, st SessionStore, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)
		for {
			select {
			case <-ticker.C:
				SweepExpired(ctx, st, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepExpired deletes expired sessions once and returns how many were removed.
func SweepExpired(ctx context.Context, st SessionStore, ttl time.Duration, onCleanup CleanupCallback) int {
	ids, err := st.ExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to list expired sessions", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	slog.Info("TTL worker found expired sessions", "count", len(ids))
	cleaned := 0
	for _, id := range ids {
		if err := st.DeleteSession(ctx, id); err != nil {
			slog.Warn("TTL worker failed to delete session", "session_id", id, "error", err)
			continue
		}
		cleaned++
		if onCleanup != nil {
			onCleanup(id)
		}
	}
	slog.Info("TTL worker cleanup completed", "cleaned", cleaned)
	return cleaned
}
