package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Nafiz1/task-management-api/internal/queue/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var _ Store = (*PostgresStore)(nil)

const jobColumns = `
	job_id, task_id, target_status, state, attempts, max_attempts,
	COALESCE(lease_owner, '') AS lease_owner, lease_expires_at,
	COALESCE(last_error, '') AS last_error,
	enqueued_at, updated_at, finished_at`

// pq error code for invalid_text_representation, e.g. a malformed UUID
const pqInvalidTextRepresentation = "22P02"

// PostgresStore keeps jobs in the task_jobs table. Lease acquisition uses
// FOR UPDATE SKIP LOCKED; complete/fail/reclaim are guarded single-statement updates.
type PostgresStore struct {
	db          *sqlx.DB
	maxAttempts int
	logger      *slog.Logger
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB, opts Options, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
	}
}

// classify separates connectivity failures from query failures
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.Unavailable(op, err)
}

func (s *PostgresStore) Enqueue(ctx context.Context, taskID, targetStatus string) (string, error) {
	query := `
		INSERT INTO task_jobs (
			job_id, task_id, target_status, state, attempts, max_attempts,
			enqueued_at, updated_at
		) VALUES (
			$1, $2, $3, $4, 0, $5,
			clock_timestamp(), clock_timestamp()
		)
	`

	jobID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, query, jobID, taskID, targetStatus, domain.StatePending, s.maxAttempts)
	if err != nil {
		return "", classify("failed to enqueue job", err)
	}

	return jobID, nil
}

func (s *PostgresStore) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	query := `
		UPDATE task_jobs
		SET state = $1,
		    lease_owner = $2,
		    lease_expires_at = NOW() + make_interval(secs => $3::double precision),
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE job_id = (
			SELECT job_id
			FROM task_jobs
			WHERE state = $4
			   OR (state = $1 AND lease_expires_at < NOW() AND attempts < max_attempts)
			ORDER BY enqueued_at ASC, job_id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.StateLeased, workerID, leaseDuration.Seconds(), domain.StatePending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("failed to lease job", err)
	}

	s.logger.Debug("Job leased",
		slog.String("job_id", job.JobID),
		slog.String("worker_id", workerID),
		slog.Int("attempts", job.Attempts),
	)

	return &job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, workerID string) (bool, error) {
	query := `
		UPDATE task_jobs
		SET state = $1,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND state = $3
		  AND lease_owner = $4
		  AND lease_expires_at > NOW()
	`

	result, err := s.db.ExecContext(ctx, query, domain.StateCompleted, jobID, domain.StateLeased, workerID)
	if err != nil {
		if isMalformedJobID(err) {
			return false, nil
		}
		return false, classify("failed to complete job", err)
	}

	return affectedOne(result)
}

func (s *PostgresStore) Fail(ctx context.Context, jobID, workerID, errMsg string) (bool, error) {
	query := `
		UPDATE task_jobs
		SET state = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
		    finished_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    last_error = $3,
		    updated_at = NOW()
		WHERE job_id = $4
		  AND state = $5
		  AND lease_owner = $6
		  AND lease_expires_at > NOW()
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StateDead, domain.StatePending, errMsg, jobID, domain.StateLeased, workerID)
	if err != nil {
		if isMalformedJobID(err) {
			return false, nil
		}
		return false, classify("failed to fail job", err)
	}

	return affectedOne(result)
}

func (s *PostgresStore) ReclaimExpired(ctx context.Context) (int, error) {
	query := `
		UPDATE task_jobs
		SET state = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
		    finished_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    last_error = $3,
		    updated_at = NOW()
		WHERE state = $4
		  AND lease_expires_at < NOW()
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StateDead, domain.StatePending, domain.LeaseExpiredError, domain.StateLeased)
	if err != nil {
		return 0, classify("failed to reclaim expired leases", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(n), nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM task_jobs WHERE job_id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedJobID(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, classify("failed to get job", err)
	}

	return &job, nil
}

func (s *PostgresStore) List(ctx context.Context, filter domain.Filter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM task_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.TaskID != "" {
		query += fmt.Sprintf(" AND task_id = $%d", argIdx)
		args = append(args, filter.TaskID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (enqueued_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.EnqueuedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY enqueued_at DESC, job_id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, classify("failed to list jobs", err)
	}

	return jobs, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (map[domain.State]int64, error) {
	var rows []struct {
		State domain.State `db:"state"`
		Count int64        `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS count FROM task_jobs GROUP BY state`); err != nil {
		return nil, classify("failed to count jobs", err)
	}

	stats := make(map[domain.State]int64, len(domain.AllStates))
	for _, st := range domain.AllStates {
		stats[st] = 0
	}
	for _, r := range rows {
		stats[r.State] = r.Count
	}
	return stats, nil
}

func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM task_jobs`)
	if err != nil {
		return 0, classify("failed to purge jobs", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Warn("Job store purged",
		slog.Int64("deleted", n),
	)

	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.Unavailable("ping job store", err)
	}
	return nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// isMalformedJobID reports a job id that cannot be a UUID; no such job exists
func isMalformedJobID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqInvalidTextRepresentation
}
