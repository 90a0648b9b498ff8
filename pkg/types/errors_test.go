package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerCrashErrorUnwraps(t *testing.T) {
	cause := errors.New("signal: killed")
	err := NewWorkerCrashError("worker-1-abc", cause)

	assert.Contains(t, err.Error(), "worker-1-abc")
	assert.ErrorIs(t, err, cause)
}

func TestTaskErrorChain(t *testing.T) {
	crash := NewWorkerCrashError("worker-2-def", errors.New("exit status 2"))
	err := NewTaskError("task-9", 3, crash)

	assert.Contains(t, err.Error(), "task-9")
	assert.Contains(t, err.Error(), "3 attempt(s)")

	var crashErr *WorkerCrashError
	require.ErrorAs(t, err, &crashErr)
	assert.Equal(t, "worker-2-def", crashErr.WorkerID)
}

func TestTaskErrorIsSentinel(t *testing.T) {
	err := NewTaskError("task-1", 1, ErrCancelled)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrQueueFull)
}

func TestSpawnErrorUnwraps(t *testing.T) {
	cause := errors.New("fork failed")
	err := NewSpawnError(cause)
	assert.ErrorIs(t, err, cause)
}
