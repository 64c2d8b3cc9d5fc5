// Package publisher fans local store changes out to UI-facing consumers.
// One Publisher is created per client session and passed to whoever needs
// it.
package publisher

import (
	"sync"

	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"go.uber.org/zap"
)

// ChangeKind says what changed. Update kinds are reused for changes that
// come from the push stream.
type ChangeKind string

const (
	ChangeHistorySynced ChangeKind = "historySynced"
	ChangeLocal         ChangeKind = "local" // optimistic write or rollback
)

// Change describes one committed change to the local store
type Change struct {
	Kind       ChangeKind
	Peer       protocol.Peer
	MessageIDs []int64
}

// FromUpdate is the change an applied update causes
func FromUpdate(kind protocol.UpdateKind, peer protocol.Peer, ids ...int64) Change {
	return Change{Kind: ChangeKind(kind), Peer: peer, MessageIDs: ids}
}

// Publisher delivers changes to subscribers without ever blocking the
// writer. A subscriber that falls behind misses changes and should re-read
// the store.
type Publisher struct {
	mu     sync.RWMutex
	subs   map[int]chan Change
	nextID int
	buffer int
	log    *zap.SugaredLogger
}

func New(buffer int, log *zap.SugaredLogger) *Publisher {
	if buffer < 1 {
		buffer = 64
	}
	return &Publisher{subs: map[int]chan Change{}, buffer: buffer, log: logging.OrNop(log)}
}

// Subscribe returns a change channel and the func that closes it
func (p *Publisher) Subscribe() (<-chan Change, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan Change, p.buffer)
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Publisher) Publish(changes ...Change) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range changes {
		for id, ch := range p.subs {
			select {
			case ch <- c:
			default:
				p.log.Debugf("subscriber %d is full, dropping %s change", id, c.Kind)
			}
		}
	}
}
