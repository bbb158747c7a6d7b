// Package apperrors provides the engine's structured error type and
// sentinel errors. Following Go idioms, errors are values that carry
// context about what went wrong; every user-surfaced message references
// the job or item at fault rather than an internal call stack (spec.md §7).
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors, checkable with errors.Is().
var (
	ErrNotFound            = errors.New("resource not found")
	ErrAlreadyExists       = errors.New("resource already exists")
	ErrInvalidURL          = errors.New("invalid URL")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrDependencyMissing   = errors.New("required dependency not installed")
	ErrDownloadFailed      = errors.New("download failed")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrTimeout             = errors.New("operation timed out")
	ErrCancelled           = errors.New("operation cancelled")
	ErrRateLimited         = errors.New("rate limited")
	ErrAuthRequired        = errors.New("authentication required")

	// ErrNoResolver indicates no adapter (including the generic fallback)
	// could be resolved for a URL.
	ErrNoResolver = errors.New("no resolver for URL")
	// ErrGiveUp indicates RetryPolicy exhausted the retry budget.
	ErrGiveUp = errors.New("retry budget exhausted")
	// ErrDiskFull indicates a fatal, non-retryable filesystem error.
	ErrDiskFull = errors.New("disk full")
	// ErrWedged indicates an adapter failed to honor cancellation within
	// the grace period; QueueManager logs this as a bug (spec.md §4.8).
	ErrWedged = errors.New("adapter did not honor cancellation in time")
)

// AppError is a structured error carrying operation context.
type AppError struct {
	Op      string // Operation that failed, e.g. "QueueManager.enqueue"
	Err     error  // Underlying error
	Message string // User-friendly message
	Code    string // Machine-readable code for API consumers
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// New creates a new AppError with the given operation and error.
func New(op string, err error) *AppError {
	return &AppError{Op: op, Err: err}
}

// NewWithMessage creates a new AppError with a user-friendly message.
func NewWithMessage(op string, err error, message string) *AppError {
	return &AppError{Op: op, Err: err, Message: message}
}

// NewWithCode creates a new AppError carrying a code for API consumers.
func NewWithCode(op string, err error, code string, message string) *AppError {
	return &AppError{Op: op, Err: err, Code: code, Message: message}
}

// Wrap wraps an existing error with operation context. Returns nil if err
// is nil, so it's safe to use unconditionally at a function's return site.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Err: err}
}

// WrapWithMessage wraps an error with a user-friendly message.
func WrapWithMessage(op string, err error, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Err: err, Message: message}
}

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsCancelled(err error) bool    { return errors.Is(err, ErrCancelled) }
func IsTimeout(err error) bool      { return errors.Is(err, ErrTimeout) }
func IsAuthRequired(err error) bool { return errors.Is(err, ErrAuthRequired) }
func IsGiveUp(err error) bool       { return errors.Is(err, ErrGiveUp) }
