package txn

import "sync"

// queue is the FIFO of one lane. It is unbounded so Submit never blocks on
// a lane that is busy retrying.
type queue struct {
	mu     sync.Mutex
	items  []*Handle
	signal chan struct{} // buffered, size 1
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(h *Handle) {
	q.mu.Lock()
	q.items = append(q.items, h)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	h := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return h, true
}
