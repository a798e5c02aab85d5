package pipeline

import "sync"

// Queue is a bounded FIFO connecting two pipeline stages.
// Closing unblocks all producers and consumers; consumers drain whatever was
// already queued before seeing end-of-stream.
type Queue[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

func NewQueue[T any](depth int) *Queue[T] {
	if depth < 1 {
		depth = 1
	}
	return &Queue[T]{
		ch:   make(chan T, depth),
		done: make(chan struct{}),
	}
}

// Push blocks until there is space, the queue is closed, or cancel fires.
// cancel may be nil.
func (q *Queue[T]) Push(item T, cancel <-chan struct{}) error {
	select {
	case <-q.done:
		return ErrCancelled
	case <-cancel:
		return ErrCancelled
	case q.ch <- item:
		return nil
	}
}

// TryPush never blocks. Returns ErrBackpressure when the queue is full.
func (q *Queue[T]) TryPush(item T) error {
	select {
	case <-q.done:
		return ErrCancelled
	default:
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrBackpressure
	}
}

// Pop blocks for the next item. ok is false once the queue is closed and
// fully drained.
func (q *Queue[T]) Pop() (item T, ok bool) {
	select {
	case item = <-q.ch:
		return item, true
	case <-q.done:
		// Closed, but there may still be queued items
		select {
		case item = <-q.ch:
			return item, true
		default:
			var zero T
			return zero, false
		}
	}
}

// Close is idempotent. Items already queued remain poppable.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
