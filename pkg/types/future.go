package types

import (
	"context"
	"sync"
	"time"
)

// TaskResult is the terminal outcome of a submitted task.
type TaskResult struct {
	// Value is the worker-produced output
	Value interface{}

	// Err is the failure, if any
	Err error

	// Duration is the time from submission to resolution
	Duration time.Duration
}

// Future is the promise returned by task submission. It resolves exactly
// once: with the worker's result, a typed failure, or a cancellation.
type Future struct {
	done chan struct{}
	once sync.Once
	res  TaskResult
}

// NewFuture creates an unresolved Future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future. Only the first call takes effect; it reports
// whether this call was the one that resolved it.
func (f *Future) Resolve(res TaskResult) bool {
	resolved := false
	f.once.Do(func() {
		f.res = res
		resolved = true
		close(f.done)
	})
	return resolved
}

// Done returns a channel closed on resolution.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until resolution or context cancellation. This is the
// synchronous submission mode: callers that want a bounded wait pass a
// context with a deadline.
func (f *Future) Wait(ctx context.Context) (TaskResult, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

// Peek returns the result without blocking; ok is false while unresolved.
func (f *Future) Peek() (TaskResult, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return TaskResult{}, false
	}
}
