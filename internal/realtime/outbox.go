package realtime

import (
	"sync"

	"chatsync/internal/protocol"
)

// batch is the unit of delivery: the updates of one push, kept together so
// their order survives. A batch is critical if any update in it is.
type batch struct {
	updates  []protocol.Update
	critical bool
}

// outbox is a bounded FIFO of batches for one session. Pushing never blocks:
// when full, the oldest non-critical batch is shed to make room.
type outbox struct {
	mu     sync.Mutex
	items  []batch
	limit  int
	closed bool
	signal chan struct{}
}

func newOutbox(limit int) *outbox {
	if limit < 1 {
		limit = 1
	}
	return &outbox{
		items:  make([]batch, 0, min(limit, 64)),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// push returns the updates shed to make room, if any. ok is false when the
// outbox is closed, or full of critical batches and the new one is critical too.
func (o *outbox) push(updates []protocol.Update) (shed []protocol.Update, ok bool) {
	b := batch{updates: updates}
	for _, u := range updates {
		if u.Critical() {
			b.critical = true
			break
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, false
	}

	if len(o.items) >= o.limit {
		idx := -1
		for i, item := range o.items {
			if !item.critical {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			shed = o.items[idx].updates
			o.items = append(o.items[:idx], o.items[idx+1:]...)
		case !b.critical:
			return updates, true
		default:
			return nil, false
		}
	}

	o.items = append(o.items, b)

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return shed, true
}

// drain takes everything queued so far
func (o *outbox) drain() []batch {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) == 0 {
		return nil
	}
	out := o.items
	o.items = make([]batch, 0, min(o.limit, 64))
	return out
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// close stops accepting pushes and wakes the writer
func (o *outbox) close() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	o.closed = true
	select {
	case o.signal <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
