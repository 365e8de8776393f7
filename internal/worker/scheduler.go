package worker

import (
	"context"
	"log/slog"
	"time"
)

// runLeaseScheduler releases expired leases on a fixed interval. It is the
// only recovery path for jobs held by crashed workers.
func (w *Worker) runLeaseScheduler(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.reclaimInterval)
	defer ticker.Stop()

	w.logger.Info("Lease scheduler started",
		slog.Duration("interval", w.reclaimInterval),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Lease scheduler stopped")
			return
		case <-ctx.Done():
			w.logger.Info("Lease scheduler stopped - context canceled")
			return
		case <-ticker.C:
			w.reclaimExpired(ctx)
		}
	}
}

func (w *Worker) reclaimExpired(ctx context.Context) int {
	n, err := w.jobs.ReclaimExpired(ctx)
	if err != nil {
		w.logger.Warn("Failed to reclaim expired leases",
			slog.String("error", err.Error()),
		)
		return 0
	}

	if n > 0 {
		w.logger.Warn("Reclaimed expired leases",
			slog.Int("count", n),
		)
		for i := 0; i < n && i < w.concurrency; i++ {
			w.wake()
		}
	}

	return n
}
