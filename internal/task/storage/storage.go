package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Nafiz1/task-management-api/internal/task/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store is the authoritative task record
type Store interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, taskID string) (*domain.Task, error)

	// List returns up to filter.PageSize+1 tasks, newest first
	List(ctx context.Context, filter domain.Filter) ([]domain.Task, error)

	Update(ctx context.Context, taskID string, update domain.Update) (*domain.Task, error)
	Delete(ctx context.Context, taskID string) error

	// UpdateStatus writes status if the task exists. A missing task is
	// reported as false, not as an error.
	UpdateStatus(ctx context.Context, taskID, status string) (bool, error)

	Ping(ctx context.Context) error
}

var _ Store = (*Storage)(nil)

const taskColumns = `task_id, user_id, title, description, status, created_at, updated_at`

// pq code for invalid_text_representation; a task id that is not a UUID
const pqInvalidTextRepresentation = "22P02"

// Storage is the PostgreSQL task store
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

func wrap(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func isMalformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqInvalidTextRepresentation
}

func (s *Storage) Create(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (
			task_id, user_id, title, description,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		task.TaskID,
		task.UserID,
		task.Title,
		task.Description,
		task.Status,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return wrap("failed to create task", err)
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`

	var task domain.Task
	if err := s.db.GetContext(ctx, &task, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, wrap("failed to get task", err)
	}

	return &task, nil
}

func (s *Storage) List(ctx context.Context, filter domain.Filter) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, task_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.TaskID)
		argIdx += 2
	}

	// Order by created_at DESC, task_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, task_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	tasks := []domain.Task{}
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, wrap("failed to list tasks", err)
	}

	return tasks, nil
}

func (s *Storage) Update(ctx context.Context, taskID string, update domain.Update) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET title = COALESCE($1, title),
		    description = COALESCE($2, description),
		    status = COALESCE($3, status),
		    updated_at = NOW()
		WHERE task_id = $4
		RETURNING ` + taskColumns

	var task domain.Task
	err := s.db.GetContext(ctx, &task, query, update.Title, update.Description, update.Status, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, wrap("failed to update task", err)
	}

	return &task, nil
}

func (s *Storage) Delete(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		if isMalformedID(err) {
			return domain.ErrTaskNotFound
		}
		return wrap("failed to delete task", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrTaskNotFound
	}

	return nil
}

func (s *Storage) UpdateStatus(ctx context.Context, taskID, status string) (bool, error) {
	query := `UPDATE tasks SET status = $1, updated_at = NOW() WHERE task_id = $2`

	result, err := s.db.ExecContext(ctx, query, status, taskID)
	if err != nil {
		if isMalformedID(err) {
			return false, nil
		}
		return false, wrap("failed to update task status", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n > 0, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping task store: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}
