package parallel

import "sync"

// mailbox is an unbounded FIFO of messages for one instance (or for Main).
//
// The mailbox never blocks senders, so an action can send any number of
// messages without waiting on the receiver. The owning goroutine drains it
// with TryDequeue and uses Wait in a select to stay cancellable.
type mailbox[M any] struct {
	mu     sync.Mutex
	items  []M
	closed bool
	signal chan struct{} // buffered, size 1; coalesces wakeups
}

func newMailbox[M any]() *mailbox[M] {
	return &mailbox[M]{
		items:  make([]M, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends m. It returns false if the mailbox is closed.
func (q *mailbox[M]) Enqueue(m M) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front message without blocking.
func (q *mailbox[M]) TryDequeue() (M, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero M
	if len(q.items) == 0 {
		return zero, false
	}
	m := q.items[0]
	// Release the slot so the array does not pin the message.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return m, true
}

// Wait returns a channel that signals when messages may be available. It is
// closed by Close.
func (q *mailbox[M]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *mailbox[M]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further messages and wakes the owner.
func (q *mailbox[M]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
