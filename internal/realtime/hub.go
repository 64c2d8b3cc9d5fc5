package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"go.uber.org/zap"
)

// Presence records whether a user has at least one open session
type Presence interface {
	SetOnline(ctx context.Context, userID int64, online bool) error
}

// ComposeHandler receives compose actions sent over the push stream
type ComposeHandler func(ctx context.Context, userID int64, input protocol.SendComposeActionInput) error

// Hub maintains the set of active sessions and delivers updates to them
type Hub struct {
	// Sessions by user ID, then session ID
	sessions map[int64]map[string]*Session

	register   chan *Session
	unregister chan *Session
	quit       chan struct{}

	mu sync.RWMutex

	queueSize int
	presence  Presence
	compose   ComposeHandler
	metrics   *Metrics
	log       *zap.SugaredLogger
}

type HubOption func(*Hub)

func WithQueueSize(n int) HubOption { return func(h *Hub) { h.queueSize = n } }

func WithPresence(p Presence) HubOption { return func(h *Hub) { h.presence = p } }

func WithMetrics(m *Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

func WithLogger(l *zap.SugaredLogger) HubOption { return func(h *Hub) { h.log = logging.OrNop(l) } }

// NewHub creates a hub. Run must be started before sessions register.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions:   make(map[int64]map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		quit:       make(chan struct{}),
		queueSize:  256,
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	return h
}

// SetComposeHandler wires compose frames to the messaging service. It is set
// after construction because the service itself dispatches through the hub.
func (h *Hub) SetComposeHandler(fn ComposeHandler) {
	h.mu.Lock()
	h.compose = fn
	h.mu.Unlock()
}

func (h *Hub) composeHandler() ComposeHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.compose
}

// Run is the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case s := <-h.register:
			h.registerSession(s)
		case s := <-h.unregister:
			h.unregisterSession(s)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// Register and Unregister hand the session to Run; after shutdown they return
// without waiting.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.quit:
		s.stop()
	}
}

func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.quit:
	}
}

func (h *Hub) registerSession(s *Session) {
	h.mu.Lock()
	userSessions, ok := h.sessions[s.UserID]
	if !ok {
		userSessions = make(map[string]*Session)
		h.sessions[s.UserID] = userSessions
	}
	userSessions[s.ID] = s
	first := len(userSessions) == 1
	h.mu.Unlock()

	h.metrics.Sessions.Inc()
	if first {
		h.setPresence(s.UserID, true)
	}
	h.log.Infof("session connected: user %d session %s", s.UserID, s.ID)
}

func (h *Hub) unregisterSession(s *Session) {
	h.mu.Lock()
	userSessions, ok := h.sessions[s.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := userSessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(userSessions, s.ID)
	last := len(userSessions) == 0
	if last {
		delete(h.sessions, s.UserID)
	}
	h.mu.Unlock()

	s.stop()
	s.terminate()
	h.metrics.Sessions.Dec()
	if last {
		h.setPresence(s.UserID, false)
	}
	h.log.Infof("session disconnected: user %d session %s", s.UserID, s.ID)
}

func (h *Hub) setPresence(userID int64, online bool) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.SetOnline(ctx, userID, online); err != nil {
		h.log.Warnf("failed to update online status for user %d: %v", userID, err)
	}
}

func (h *Hub) shutdown() {
	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, userSessions := range h.sessions {
		for _, s := range userSessions {
			s.stop()
		}
	}
	h.log.Infof("hub stopped")
}

// PushToUser enqueues updates on every session of userID. It never blocks on
// a slow session: the outbox sheds non-critical updates, and a session whose
// outbox is full of critical ones is closed so it resyncs from history.
func (h *Hub) PushToUser(userID int64, updates ...protocol.Update) {
	if len(updates) == 0 {
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[userID]))
	for _, s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		shed, ok := s.enqueue(updates)
		for _, u := range shed {
			h.metrics.Dropped.WithLabelValues(string(u.Kind)).Inc()
		}
		if !ok {
			if s.out.isClosed() {
				continue
			}
			h.metrics.Overflows.Inc()
			h.log.Warnf("outbox overflow, closing session %s of user %d", s.ID, userID)
			s.stop()
			continue
		}
		for _, u := range updates {
			h.metrics.Pushed.WithLabelValues(string(u.Kind)).Inc()
		}
	}
}

// IsUserOnline checks if a user has at least one session
func (h *Hub) IsUserOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.sessions[userID]
	return ok
}

// OnlineUsers returns the connected user IDs in ascending order
func (h *Hub) OnlineUsers() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int64, 0, len(h.sessions))
	for userID := range h.sessions {
		ids = append(ids, userID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SessionCount returns the number of connected sessions
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, userSessions := range h.sessions {
		n += len(userSessions)
	}
	return n
}
