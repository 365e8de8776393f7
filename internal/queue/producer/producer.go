package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Nafiz1/task-management-api/internal/queue/domain"
	"github.com/Nafiz1/task-management-api/internal/queue/storage"
)

// Notifier publishes enqueue wake-up hints. *rabbitmq.Client satisfies it.
type Notifier interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// WakeupMessage is the body published after a successful enqueue
type WakeupMessage struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
}

// Config holds producer settings
type Config struct {
	// TargetStatus is written into the task by the worker
	TargetStatus string
	// Timeout bounds one background enqueue, notification included
	Timeout time.Duration
}

// Producer schedules the status transition of newly created tasks
type Producer struct {
	store    storage.Store
	notifier Notifier
	config   Config
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a Producer. notifier may be nil.
func New(store storage.Store, notifier Notifier, config Config, logger *slog.Logger) *Producer {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Producer{
		store:    store,
		notifier: notifier,
		config:   config,
		logger:   logger.With(slog.String("component", "producer")),
	}
}

// Enqueue creates the job synchronously. Failures wrap domain.ErrEnqueueFailed.
func (p *Producer) Enqueue(ctx context.Context, taskID string) (string, error) {
	jobID, err := p.store.Enqueue(ctx, taskID, p.config.TargetStatus)
	if err != nil {
		return "", fmt.Errorf("%w: task %s: %w", domain.ErrEnqueueFailed, taskID, err)
	}

	p.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("task_id", taskID),
		slog.String("target_status", p.config.TargetStatus),
	)

	p.notify(ctx, jobID, taskID)

	return jobID, nil
}

// TaskCreated enqueues in the background and returns immediately. A failed
// enqueue is logged as degraded and never reaches the caller.
func (p *Producer) TaskCreated(taskID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		defer cancel()

		if _, err := p.Enqueue(ctx, taskID); err != nil {
			p.logger.Warn("Failed to enqueue status transition",
				slog.String("task_id", taskID),
				slog.Bool("degraded", true),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until every background enqueue has finished
func (p *Producer) Wait() {
	p.wg.Wait()
}

func (p *Producer) notify(ctx context.Context, jobID, taskID string) {
	if p.notifier == nil {
		return
	}

	body, err := json.Marshal(WakeupMessage{JobID: jobID, TaskID: taskID})
	if err != nil {
		p.logger.Error("Failed to marshal wake-up message", slog.String("error", err.Error()))
		return
	}

	if err := p.notifier.PublishWithRetry(ctx, body, "application/json"); err != nil {
		// workers still find the job by polling
		p.logger.Warn("Failed to publish wake-up message",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
