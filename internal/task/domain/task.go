package domain

import (
	"errors"
	"time"
)

// Task statuses accepted from API callers
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

var (
	// ErrTaskNotFound is returned when a task does not exist
	ErrTaskNotFound = errors.New("task not found")

	// ErrStoreUnavailable wraps connectivity failures of the task store
	ErrStoreUnavailable = errors.New("task store unavailable")
)

// Task is a user's to-do item
type Task struct {
	TaskID      string    `db:"task_id"`
	UserID      string    `db:"user_id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Update carries the fields of a partial update; nil means unchanged
type Update struct {
	Title       *string
	Description *string
	Status      *string
}

// Empty reports whether the update changes nothing
func (u Update) Empty() bool {
	return u.Title == nil && u.Description == nil && u.Status == nil
}

// ValidStatus reports whether s is a status callers may set
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Filter narrows task listings to one owner
type Filter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Cursor is a keyset position in the (created_at, task_id) DESC ordering
type Cursor struct {
	CreatedAt time.Time
	TaskID    string
}
