package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](4)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(i, nil))
	}
	require.Equal(t, 4, q.Len())
	require.Equal(t, 4, q.Cap())
	for i := 0; i < 4; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestQueueBackpressure(t *testing.T) {
	q := NewQueue[int](2)
	require.NoError(t, q.TryPush(1))
	require.NoError(t, q.TryPush(2))
	err := q.TryPush(3)
	require.True(t, errors.Is(err, ErrBackpressure))
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue[int](4)
	require.NoError(t, q.Push(1, nil))
	require.NoError(t, q.Push(2, nil))
	q.Close()
	q.Close() // idempotent

	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = q.Pop()
	require.False(t, ok)

	require.True(t, errors.Is(q.Push(3, nil), ErrCancelled))
	require.True(t, errors.Is(q.TryPush(3), ErrCancelled))
}

func TestQueuePushCancel(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.Push(1, nil))

	cancel := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- q.Push(2, cancel)
	}()
	close(cancel)
	require.True(t, errors.Is(<-done, ErrCancelled))
}

func TestQueueBlockingHandoff(t *testing.T) {
	q := NewQueue[int](1)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			require.NoError(t, q.Push(i, nil))
		}
		q.Close()
	}()

	got := []int{}
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, v)
		time.Sleep(time.Microsecond)
	}
	wg.Wait()
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
