package types

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture()

	assert.True(t, f.Resolve(TaskResult{Value: "first"}))
	assert.False(t, f.Resolve(TaskResult{Value: "second"}))

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", res.Value)
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := NewFuture()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// still resolvable after a caller gave up waiting
	require.True(t, f.Resolve(TaskResult{Value: 42}))
	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
}

func TestFuturePeek(t *testing.T) {
	f := NewFuture()

	_, ok := f.Peek()
	assert.False(t, ok)

	f.Resolve(TaskResult{Err: errors.New("boom")})
	res, ok := f.Peek()
	require.True(t, ok)
	assert.EqualError(t, res.Err, "boom")
}

func TestFutureConcurrentResolve(t *testing.T) {
	f := NewFuture()

	var wg sync.WaitGroup
	var winners int32
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results <- f.Resolve(TaskResult{Value: n})
		}(i)
	}
	wg.Wait()
	close(results)

	for won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, int32(1), winners)
}
