package domain

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidJob is returned when a job message fails validation
	ErrInvalidJob = errors.New("invalid job")

	// ErrEngineExecutionFailed is returned when an engine command exits with an error
	ErrEngineExecutionFailed = errors.New("engine execution failed")
)

// ValidationError lists every problem found in a job message
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrInvalidJob.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidJob
}

// RetryableError wraps transient errors that are worth another attempt
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

// IsRetryable reports whether err is or wraps a RetryableError
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
