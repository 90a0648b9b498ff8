// Package proc defines the contract between the foreman and a worker
// process, and provides LocalProcess, a goroutine-backed worker that speaks
// the full ready/task/result/health/shutdown protocol in-memory.
//
// The foreman treats a worker as an opaque entity that can be started, sent
// envelopes, and terminated. Anything satisfying Spawner and Process plugs
// in: an OS process behind a pipe codec, a container, or the local
// implementation in this package.
package proc

import (
	"context"
	"errors"

	"github.com/jzx17/goforeman/pkg/types"
)

// ErrKilled is the exit error of a force-terminated process
var ErrKilled = errors.New("worker process killed")

// Process is one running worker as seen by the foreman. Messages on the
// channel are delivered in send order; there is no ordering across
// different processes.
type Process interface {
	// Send delivers an envelope to the worker. It validates the envelope
	// and fails with types.ErrProcessExited once the process is gone.
	Send(env types.Envelope) error

	// Messages returns the worker-to-foreman stream. The channel is
	// closed when the process exits.
	Messages() <-chan types.Envelope

	// Done is closed after the process has fully exited and Messages
	// has been closed.
	Done() <-chan struct{}

	// Err reports the exit cause after Done is closed; nil means a
	// clean exit (status 0).
	Err() error

	// Kill force-terminates the process.
	Kill() error

	// Pid returns the OS process id backing this worker, or 0 when the
	// worker is not an OS process.
	Pid() int
}

// Spawner launches worker processes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context) (Process, error)

// Spawn implements Spawner
func (f SpawnerFunc) Spawn(ctx context.Context) (Process, error) {
	return f(ctx)
}
