// Package compose tracks who is typing (or uploading) in which chat, and
// throttles the signals this client sends.
package compose

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/protocol"
)

// TTL is how long a received compose action stays visible without refresh
const TTL = 6 * time.Second

// Entry is one user's current compose action in a chat
type Entry struct {
	UserID    int64
	Action    protocol.ComposeAction
	ExpiresAt time.Time
}

// Registry holds received compose actions. Entries expire lazily on read.
type Registry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	actions map[protocol.Peer]map[int64]Entry
}

func NewRegistry() *Registry {
	return &Registry{ttl: TTL, now: time.Now, actions: map[protocol.Peer]map[int64]Entry{}}
}

// Set records action for userID in peer. ComposeNone clears it.
func (r *Registry) Set(peer protocol.Peer, userID int64, action protocol.ComposeAction) {
	if action == protocol.ComposeNone || action == "" {
		r.Remove(peer, userID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	users, ok := r.actions[peer]
	if !ok {
		users = map[int64]Entry{}
		r.actions[peer] = users
	}
	users[userID] = Entry{UserID: userID, Action: action, ExpiresAt: r.now().Add(r.ttl)}
}

func (r *Registry) Remove(peer protocol.Peer, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if users, ok := r.actions[peer]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(r.actions, peer)
		}
	}
}

// Active returns the unexpired entries of peer ordered by user id
func (r *Registry) Active(peer protocol.Peer) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	users := r.actions[peer]
	out := make([]Entry, 0, len(users))
	for id, e := range users {
		if !now.Before(e.ExpiresAt) {
			delete(users, id)
			continue
		}
		out = append(out, e)
	}
	if len(users) == 0 {
		delete(r.actions, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Typing returns the users currently typing in peer
func (r *Registry) Typing(peer protocol.Peer) []int64 {
	var ids []int64
	for _, e := range r.Active(peer) {
		if e.Action == protocol.ComposeTyping {
			ids = append(ids, e.UserID)
		}
	}
	return ids
}
