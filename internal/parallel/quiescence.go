package parallel

import "sync"

// quiescence counts messages that have been sent but not yet fully
// processed, across every instance and Main. The count drops to zero only
// when no handler is running and no message is queued anywhere; a handler
// that sends increments the count before its own message is retired.
type quiescence struct {
	mu       sync.Mutex
	inflight int64
	waiters  []func()
}

func (q *quiescence) begin() {
	q.mu.Lock()
	q.inflight++
	q.mu.Unlock()
}

func (q *quiescence) done() {
	q.mu.Lock()
	q.inflight--
	if q.inflight > 0 {
		q.mu.Unlock()
		return
	}
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w()
	}
}

// detect runs fn once the system is quiescent, immediately if it already is.
func (q *quiescence) detect(fn func()) {
	q.mu.Lock()
	if q.inflight > 0 {
		q.waiters = append(q.waiters, fn)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	fn()
}

func (q *quiescence) pending() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}
