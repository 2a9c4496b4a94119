package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatterhq/chatter/internal/store"
)

const retentionWorkerInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically deletes
// messages older than retention. A non-positive retention disables it.
func StartRetentionWorker(ctx context.Context, repo store.Repository, retention time.Duration, metrics *Metrics, logger *slog.Logger) {
	startRetentionWorker(ctx, repo, retention, retentionWorkerInterval, metrics, logger)
}

func startRetentionWorker(ctx context.Context, repo store.Repository, retention, interval time.Duration, metrics *Metrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		logger.Info("Retention worker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepExpiredMessages(ctx, repo, retention, metrics, logger)
			case <-ctx.Done():
				logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredMessages(ctx context.Context, repo store.Repository, retention time.Duration, metrics *Metrics, logger *slog.Logger) {
	cutoff := time.Now().Add(-retention)
	deleted, err := repo.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Retention sweep canceled", "error", err)
			return
		}
		logger.Error("Retention worker failed to delete messages", "error", err)
		return
	}
	if deleted == 0 {
		return
	}
	if metrics != nil {
		metrics.RetentionDeleted.Add(float64(deleted))
	}
	logger.Info("Retention worker deleted messages", "count", deleted, "cutoff", cutoff)
}
