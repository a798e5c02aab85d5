package pipeline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestPoolDrains(t *testing.T) {
	q := NewQueue[int](8)
	processed := atomic.Int64{}
	pool := NewPool(logs.NewTestingLog(t), "test", 4, func() bool {
		_, ok := q.Pop()
		if !ok {
			return false
		}
		processed.Add(1)
		return true
	})
	require.Equal(t, 3, pool.Resize(3))
	require.Equal(t, 3, pool.Size())

	for i := 0; i < 50; i++ {
		require.NoError(t, q.Push(i, nil))
	}
	q.Close()
	pool.Wait()
	require.Equal(t, int64(50), processed.Load())
	require.Equal(t, 0, pool.Size())
}

func TestPoolResizeClamps(t *testing.T) {
	q := NewQueue[int](1)
	pool := NewPool(logs.NewTestingLog(t), "test", 4, func() bool {
		_, ok := q.Pop()
		return ok
	})
	require.Equal(t, 1, pool.Resize(0))
	require.Equal(t, 4, pool.Resize(99))
	require.Equal(t, 4, pool.Adjust(3))
	require.Equal(t, 2, pool.Adjust(-2))
	require.Equal(t, 1, pool.Adjust(-10))
	q.Close()
	pool.Wait()
}

func TestPoolShrinks(t *testing.T) {
	q := NewQueue[int](64)
	pool := NewPool(logs.NewTestingLog(t), "test", 8, func() bool {
		v, ok := q.Pop()
		if !ok {
			return false
		}
		time.Sleep(time.Duration(v) * time.Microsecond)
		return true
	})
	pool.Resize(8)
	for i := 0; i < 32; i++ {
		require.NoError(t, q.Push(i, nil))
	}
	pool.Resize(2)

	// Retirement happens when a worker comes back around its loop, so keep
	// feeding the queue until the excess workers have cycled through
	deadline := time.Now().Add(5 * time.Second)
	for pool.Size() > 2 && time.Now().Before(deadline) {
		q.TryPush(0)
		time.Sleep(time.Millisecond)
	}
	require.LessOrEqual(t, pool.Size(), 2)

	q.Close()
	pool.Wait()
}
