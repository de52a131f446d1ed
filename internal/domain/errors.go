package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// Stable worker error codes recorded in JobTaskResult.ErrorCode.
const (
	CodeNoExtractor  = "NO_EXTRACTOR"
	CodeNoDownloader = "NO_DOWNLOADER"
	CodeInvalidTask  = "INVALID_TASK"
)

// HTTPErrorCode is the error code recorded for a fatal HTTP status.
func HTTPErrorCode(status int) string { return "HTTP_" + strconv.Itoa(status) }

// EntityNotFoundError is returned when an entity ID does not exist.
type EntityNotFoundError struct {
	Entity string
	ID     int64
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}

// ConflictError is returned when an update was based on a stale read: the
// stored entity changed since it was loaded.
type ConflictError struct {
	Entity string
	ID     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %d was modified concurrently", e.Entity, e.ID)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// AlreadyDoneError is returned when a transition is attempted on a terminal entity.
type AlreadyDoneError struct {
	Entity string
	ID     int64
	State  State
}

func (e *AlreadyDoneError) Error() string {
	return fmt.Sprintf("%s %d is already done (%s)", e.Entity, e.ID, e.State)
}

// TransitioningError is returned when a stop or pause is already in flight.
type TransitioningError struct {
	Entity string
	ID     int64
	State  State
}

func (e *TransitioningError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s %d is already transitioning", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s %d is already transitioning (%s)", e.Entity, e.ID, e.State)
}

// ActiveEntityError is returned when an operation requires an inactive entity.
type ActiveEntityError struct {
	Entity string
	ID     int64
	Op     string
}

func (e *ActiveEntityError) Error() string {
	return fmt.Sprintf("cannot %s %s %d while it is active", e.Op, e.Entity, e.ID)
}

// InvalidBackgroundJobError marks a background job that can never succeed,
// such as one whose kind has no registered handler.
type InvalidBackgroundJobError struct {
	ID     int64
	Kind   string
	Reason string
}

func (e *InvalidBackgroundJobError) Error() string {
	return fmt.Sprintf("invalid background job %d (%s): %s", e.ID, e.Kind, e.Reason)
}

// WorkerError is raised by task execution with a stable error code. It is
// fatal for the task unless Retryable is set.
type WorkerError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *WorkerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// HTTPStatusError is a transport-level failure carrying an HTTP status code.
type HTTPStatusError struct {
	StatusCode int
	URI        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", e.URI, e.StatusCode)
}
