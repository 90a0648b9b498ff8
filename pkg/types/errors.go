// Package types defines error types
package types

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrForemanClosed indicates the foreman has been shut down
	ErrForemanClosed = errors.New("foreman is closed")

	// ErrForemanNotStarted indicates the foreman has not been started
	ErrForemanNotStarted = errors.New("foreman is not started")

	// ErrQueueFull indicates the pending task queue is at capacity
	ErrQueueFull = errors.New("task queue is full")

	// ErrRateLimited indicates submission was rejected by the rate limiter
	ErrRateLimited = errors.New("submission rate limit exceeded")

	// ErrWorkerUnavailable indicates no healthy worker accepted the task
	// within the caller's deadline
	ErrWorkerUnavailable = errors.New("no healthy worker available")

	// ErrCancelled indicates the task was cancelled before completion
	ErrCancelled = errors.New("task cancelled")

	// ErrHealthCheckTimeout indicates a worker missed a health probe deadline
	ErrHealthCheckTimeout = errors.New("health check timed out")

	// ErrStartTimeout indicates a worker did not signal ready in time
	ErrStartTimeout = errors.New("worker did not become ready in time")

	// ErrShutdownTimeout indicates drain exceeded its grace period and the
	// worker was force-terminated
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")

	// ErrProcessExited indicates a send to an already-exited process
	ErrProcessExited = errors.New("worker process has exited")
)

// SpawnError wraps a failure to start a worker process. It is retried
// under the restart policy's rate limit.
type SpawnError struct {
	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *SpawnError) Error() string {
	return fmt.Sprintf("worker spawn failed: %v", e.Cause)
}

// Unwrap returns the underlying error
func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// NewSpawnError creates a new SpawnError
func NewSpawnError(cause error) *SpawnError {
	return &SpawnError{Cause: cause}
}

// WorkerCrashError records an abnormal worker exit. Tasks in flight on the
// crashed worker carry it as the failure cause when retries are exhausted.
type WorkerCrashError struct {
	// WorkerID identifies the crashed worker
	WorkerID string

	// Cause is the exit error reported by the process
	Cause error
}

// Error implements the error interface
func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("worker %s crashed: %v", e.WorkerID, e.Cause)
}

// Unwrap returns the underlying error
func (e *WorkerCrashError) Unwrap() error {
	return e.Cause
}

// NewWorkerCrashError creates a new WorkerCrashError
func NewWorkerCrashError(workerID string, cause error) *WorkerCrashError {
	return &WorkerCrashError{WorkerID: workerID, Cause: cause}
}

// TaskError is the terminal failure of a task, carrying the attempt count
// at which it gave up and the underlying cause (a worker-reported execution
// error, a WorkerCrashError, or a dispatch-level sentinel).
type TaskError struct {
	// TaskID identifies the failed task
	TaskID string

	// Attempts is the number of dispatch attempts made
	Attempts int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.TaskID, e.Attempts, e.Cause)
}

// Unwrap returns the underlying error
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is a specific error
func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

// NewTaskError creates a new TaskError
func NewTaskError(taskID string, attempts int, cause error) *TaskError {
	return &TaskError{TaskID: taskID, Attempts: attempts, Cause: cause}
}
