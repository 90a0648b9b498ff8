package foreman

import (
	"time"

	"github.com/jzx17/goforeman/pkg/types"
)

// task is the foreman's bookkeeping for one submission. A task is in
// exactly one place at a time: the pending queue, assigned to one worker
// (workerHandle.currentTask), or resolved.
type task struct {
	id          string
	payload     interface{}
	future      *types.Future
	attempt     int
	maxAttempts int
	submittedAt time.Time
	cancelled   bool
}

// taskQueue is the FIFO pending queue. Tasks requeued after a worker crash
// go to the front, preserving submission order over newer work.
type taskQueue struct {
	items []*task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) len() int {
	return len(q.items)
}

func (q *taskQueue) pushBack(t *task) {
	q.items = append(q.items, t)
}

func (q *taskQueue) pushFront(t *task) {
	q.items = append([]*task{t}, q.items...)
}

func (q *taskQueue) popFront() *task {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

// remove deletes the task with the given id, reporting whether it was queued.
func (q *taskQueue) remove(id string) bool {
	for i, t := range q.items {
		if t.id == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
