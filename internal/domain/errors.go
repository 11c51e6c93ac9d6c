package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine readable failure code returned to the dispatcher.
type ErrorCode string

const (
	CodeQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	CodeInvalidMode     ErrorCode = "INVALID_MODE"
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
	CodeContainerError  ErrorCode = "CONTAINER_ERROR"
	CodeStopError       ErrorCode = "STOP_ERROR"
	CodeLogsError       ErrorCode = "LOGS_ERROR"
	CodeListError       ErrorCode = "LIST_ERROR"
	CodeStatusError     ErrorCode = "STATUS_ERROR"
)

// ValidationError reports malformed or missing request input. It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// QuotaError is returned when a tenant already runs its maximum number of bots.
type QuotaError struct {
	TenantID string
	Current  int
	Max      int
	Active   []ContainerRecord
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("Maximum %d bots per user", e.Max)
}

// BuildError covers clone, download, extraction, build and pull failures.
type BuildError struct {
	Stage   string
	Timeout bool
	Err     error
}

func (e *BuildError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("build timed out during %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// LifecycleError wraps an engine failure during start, stop, logs or list.
type LifecycleError struct {
	Op  string
	Err error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }
