package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/store"
)

// DefaultTTLInterval is how often idle sessions are swept.
const DefaultTTLInterval = 5 * time.Minute

// ExpiredCallback is called after the TTL worker stops a session.
type ExpiredCallback func(session *domain.Session)

// StartTTLWorker runs a background goroutine that periodically stops
// sessions idle for longer than ttl and removes their sandboxes.
func StartTTLWorker(ctx context.Context, repo store.Repository, rt Runtime, ttl, interval time.Duration, onExpired ExpiredCallback) {
	if interval <= 0 {
		interval = DefaultTTLInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				CleanupExpiredSessions(ctx, repo, rt, ttl, onExpired)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// CleanupExpiredSessions performs one sweep and returns how many sessions it stopped.
func CleanupExpiredSessions(ctx context.Context, repo store.Repository, rt Runtime, ttl time.Duration, onExpired ExpiredCallback) int {
	expired, err := repo.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	slog.Info("TTL worker found expired sessions", "count", len(expired))

	cleaned := 0
	for _, session := range expired {
		slog.Info("TTL worker stopping session",
			"session_id", session.ID,
			"container_id", session.ContainerID,
			"owner_id", session.OwnerID)

		if err := rt.Remove(ctx, session.ContainerID); err != nil {
			slog.Error("TTL worker failed to remove container",
				"error", err,
				"container_id", session.ContainerID,
				"session_id", session.ID)
			continue
		}

		now := time.Now().UTC()
		session.Status = domain.StatusStopped
		session.EndedAt = &now
		session.ContainerID = ""
		if err := repo.UpdateSession(ctx, session); err != nil {
			slog.Warn("TTL worker failed to mark session stopped", "error", err, "session_id", session.ID)
			continue
		}
		cleaned++

		if onExpired != nil {
			onExpired(session)
		}
	}

	slog.Info("TTL worker cleanup completed", "cleaned", cleaned)
	return cleaned
}
