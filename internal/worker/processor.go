package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Nafiz1/task-management-api/internal/queue/domain"
)

// processJob applies the status transition of a leased job and reports the
// outcome under the same lease. Errors never escape: they are recorded on the
// job and retried by the store.
func (w *Worker) processJob(ctx context.Context, workerName string, job *domain.Job) {
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", job.JobID),
		slog.String("task_id", job.TaskID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	logger.Info("Processing job",
		slog.String("target_status", job.TargetStatus),
	)

	// shutdown does not interrupt a side effect; the lease bounds it instead
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.leaseDuration)
	err := w.applyTransition(execCtx, job)
	cancel()

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.leaseDuration)
	defer cancel()

	if err != nil {
		logger.Warn("Job execution failed",
			slog.String("error", err.Error()),
		)

		ok, failErr := w.jobs.Fail(reportCtx, job.JobID, workerName, err.Error())
		if failErr != nil {
			// the lease expires and the scheduler hands the job out again
			logger.Error("Failed to record job failure",
				slog.String("error", failErr.Error()),
			)
			return
		}
		if !ok {
			logger.Info("Discarding result", slog.String("reason", domain.ErrLeaseLost.Error()))
			return
		}
		if job.Exhausted() {
			logger.Warn("Job moved to dead",
				slog.String("reason", domain.ErrJobExhausted.Error()),
				slog.String("last_error", err.Error()),
			)
			return
		}
		logger.Info("Job will be retried")
		return
	}

	ok, completeErr := w.jobs.Complete(reportCtx, job.JobID, workerName)
	if completeErr != nil {
		logger.Error("Failed to complete job",
			slog.String("error", completeErr.Error()),
		)
		return
	}
	if !ok {
		logger.Info("Discarding result", slog.String("reason", domain.ErrLeaseLost.Error()))
		return
	}

	logger.Info("Job completed successfully")
}

// applyTransition writes the target status into the task. A task that no
// longer exists counts as success.
func (w *Worker) applyTransition(ctx context.Context, job *domain.Job) error {
	found, err := w.tasks.UpdateStatus(ctx, job.TaskID, job.TargetStatus)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to update task %s: %w", job.TaskID, err))
	}

	if !found {
		w.logger.Info("Task no longer exists, nothing to update",
			slog.String("job_id", job.JobID),
			slog.String("task_id", job.TaskID),
		)
	}

	return nil
}
