package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrStoreUnavailable wraps connectivity failures of the job or task store
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLeaseLost signals that complete/fail found the lease owned by someone else or expired
	ErrLeaseLost = errors.New("lease lost")

	// ErrJobExhausted marks a job that reached max attempts and was dead-lettered
	ErrJobExhausted = errors.New("job exhausted its attempts")

	// ErrEnqueueFailed is returned by the producer when the job could not be created
	ErrEnqueueFailed = errors.New("enqueue failed")
)

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// RetryableError wraps side-effect failures that should consume an attempt and be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
