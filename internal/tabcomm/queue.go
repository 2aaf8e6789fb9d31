package tabcomm

import "sync"

// requestQueue hands decoded requests from the notification goroutine to
// the listener worker. push never blocks, so a slow listener cannot hold up
// acknowledgements.
type requestQueue struct {
	mu     sync.Mutex
	items  []*Message
	closed bool
	wake   chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{wake: make(chan struct{}, 1)}
}

func (q *requestQueue) push(msg *Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

// pop blocks until a request is queued or the queue is closed. Requests
// still queued at close are discarded.
func (q *requestQueue) pop() (*Message, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

// Len returns the number of requests waiting for the worker.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *requestQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *requestQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
