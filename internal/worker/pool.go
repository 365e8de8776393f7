package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

const pollJitterPercent = 20

// pollBackoff grows the wait between empty polls: exponential from min,
// jittered, never above max
type pollBackoff struct {
	min     time.Duration
	max     time.Duration
	backoff retry.Backoff
}

func newPollBackoff(minDelay, maxDelay time.Duration) *pollBackoff {
	p := &pollBackoff{min: minDelay, max: maxDelay}
	p.Reset()
	return p
}

func (p *pollBackoff) Reset() {
	p.backoff = retry.WithJitterPercent(pollJitterPercent,
		retry.WithCappedDuration(p.max, retry.NewExponential(p.min)))
}

func (p *pollBackoff) Next() time.Duration {
	d, _ := p.backoff.Next()
	if d <= 0 || d > p.max {
		d = p.max
	}
	return d
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop leases and processes jobs until the worker stops
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Info("Worker goroutine started")

	backoff := newPollBackoff(w.pollBackoffMin, w.pollBackoffMax)

	for {
		if w.stopping(ctx) {
			logger.Info("Worker goroutine stopping")
			return
		}

		job, err := w.jobs.LeaseNext(ctx, workerName, w.leaseDuration)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			delay := backoff.Next()
			logger.Warn("Failed to lease job",
				slog.String("error", err.Error()),
				slog.Duration("retry_after", delay),
			)
			w.idle(ctx, delay, backoff)
			continue
		}

		if job == nil {
			delay := backoff.Next()
			logger.Debug("No job available", slog.Duration("retry_after", delay))
			w.idle(ctx, delay, backoff)
			continue
		}

		backoff.Reset()
		w.processJob(ctx, workerName, job)
	}
}

// idle sleeps for delay unless the worker stops or a wake-up arrives first
func (w *Worker) idle(ctx context.Context, delay time.Duration, backoff *pollBackoff) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.wakeChan:
		backoff.Reset()
	case <-w.stopChan:
	case <-ctx.Done():
	}
}
