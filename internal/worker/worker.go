package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	queuestorage "github.com/Nafiz1/task-management-api/internal/queue/storage"
	taskstorage "github.com/Nafiz1/task-management-api/internal/task/storage"
	amqp "github.com/rabbitmq/amqp091-go"
)

// WakeupSource delivers enqueue hints. *rabbitmq.Client satisfies it.
type WakeupSource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger *slog.Logger
	Jobs   queuestorage.Store
	Tasks  taskstorage.Store

	// Wakeups is optional; without it workers rely on polling alone
	Wakeups WakeupSource

	WorkerID        string
	Concurrency     int
	LeaseDuration   time.Duration
	PollBackoffMin  time.Duration
	PollBackoffMax  time.Duration
	ReclaimInterval time.Duration
}

// Worker runs the worker pool and the lease scheduler
type Worker struct {
	logger          *slog.Logger
	jobs            queuestorage.Store
	tasks           taskstorage.Store
	wakeups         WakeupSource
	workerID        string
	concurrency     int
	leaseDuration   time.Duration
	pollBackoffMin  time.Duration
	pollBackoffMax  time.Duration
	reclaimInterval time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	wakeChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Jobs == nil || cfg.Tasks == nil {
		return nil, fmt.Errorf("worker requires a job store and a task store")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("worker concurrency must be greater than 0")
	}
	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be greater than 0")
	}
	if cfg.PollBackoffMin <= 0 || cfg.PollBackoffMax < cfg.PollBackoffMin {
		return nil, fmt.Errorf("poll backoff must satisfy 0 < min <= max")
	}

	reclaimInterval := cfg.ReclaimInterval
	if reclaimInterval <= 0 {
		reclaimInterval = cfg.LeaseDuration / 2
	}

	return &Worker{
		logger:          cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		jobs:            cfg.Jobs,
		tasks:           cfg.Tasks,
		wakeups:         cfg.Wakeups,
		workerID:        cfg.WorkerID,
		concurrency:     cfg.Concurrency,
		leaseDuration:   cfg.LeaseDuration,
		pollBackoffMin:  cfg.PollBackoffMin,
		pollBackoffMax:  cfg.PollBackoffMax,
		reclaimInterval: reclaimInterval,
		stopChan:        make(chan struct{}),
		wakeChan:        make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Start spawns the pool, the lease scheduler and the wake-up consumer, then
// blocks until ctx is canceled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("lease_duration", w.leaseDuration),
		slog.Duration("reclaim_interval", w.reclaimInterval),
		slog.Bool("wakeups", w.wakeups != nil),
	)

	if w.wakeups != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return err
		}
		w.wg.Add(1)
		go w.startWakeupDispatcher(ctx, deliveries)
	}

	w.wg.Add(1)
	go w.runLeaseScheduler(ctx)

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	return nil
}

// Stop stops taking new leases and waits for in-flight jobs. In-flight side
// effects are never interrupted; if ctx ends first, Stop returns ctx.Err()
// and the abandoned leases are left to expire.
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Worker stop deadline exceeded, abandoning in-flight leases")
		return ctx.Err()
	}
}

// wake nudges one idle worker without blocking
func (w *Worker) wake() {
	select {
	case w.wakeChan <- struct{}{}:
	default:
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
