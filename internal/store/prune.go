package store

import (
	"context"
	"log/slog"
	"time"
)

const pruneWorkerInterval = 30 * time.Minute

// StartPruneWorker runs a background goroutine that periodically removes
// conversations older than the retention TTL.
func StartPruneWorker(ctx context.Context, repo Repository, ttl time.Duration) {
	ticker := time.NewTicker(pruneWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Prune worker started", "interval", pruneWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				pruned, err := repo.PruneConversations(ctx, ttl)
				if err != nil {
					slog.Error("Prune worker failed", "error", err)
					continue
				}
				if pruned > 0 {
					slog.Info("Prune worker removed expired conversation rows", "count", pruned)
				}
			case <-ctx.Done():
				slog.Info("Prune worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
