package syncclient

import "sync"

// queue is an unbounded FIFO with a single consumer. Producers never block,
// so the realtime read goroutine, timers and the agent stream can all hand
// work to the dispatch goroutine while holding their own locks.
//
// The signal channel has a buffer of one and coalesces wake-ups; the
// consumer drains with tryDequeue after every signal.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// enqueue reports false once the queue is closed.
func (q *queue[T]) enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *queue[T]) tryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	// Clear the slot so the backing array does not pin the payload.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return item, true
}

// wait returns the wake-up channel. It is closed when the queue closes.
func (q *queue[T]) wait() <-chan struct{} {
	return q.signal
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
