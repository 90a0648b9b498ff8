package foreman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qt(id string) *task {
	return &task{id: id}
}

func TestQueueFIFO(t *testing.T) {
	q := newTaskQueue()
	q.pushBack(qt("a"))
	q.pushBack(qt("b"))
	q.pushBack(qt("c"))

	require.Equal(t, 3, q.len())
	assert.Equal(t, "a", q.popFront().id)
	assert.Equal(t, "b", q.popFront().id)
	assert.Equal(t, "c", q.popFront().id)
	assert.Nil(t, q.popFront())
}

func TestQueuePushFrontJumpsNewerWork(t *testing.T) {
	q := newTaskQueue()
	q.pushBack(qt("newer-1"))
	q.pushBack(qt("newer-2"))
	q.pushFront(qt("requeued"))

	assert.Equal(t, "requeued", q.popFront().id)
	assert.Equal(t, "newer-1", q.popFront().id)
	assert.Equal(t, "newer-2", q.popFront().id)
}

func TestQueueRemove(t *testing.T) {
	q := newTaskQueue()
	q.pushBack(qt("a"))
	q.pushBack(qt("b"))
	q.pushBack(qt("c"))

	assert.True(t, q.remove("b"))
	assert.False(t, q.remove("b"))
	assert.False(t, q.remove("missing"))

	assert.Equal(t, 2, q.len())
	assert.Equal(t, "a", q.popFront().id)
	assert.Equal(t, "c", q.popFront().id)
}
