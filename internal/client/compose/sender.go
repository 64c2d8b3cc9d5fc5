package compose

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// resendEvery is how often an ongoing action is re-announced, well inside TTL
const resendEvery = 3 * time.Second

// Transport delivers one compose signal to the server
type Transport interface {
	SendComposeAction(ctx context.Context, in protocol.SendComposeActionInput) error
}

// Sender sends this client's compose actions. Typing signals are throttled
// per chat, and an upload in progress is not overridden by typing.
type Sender struct {
	transport Transport
	log       *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[protocol.Peer]*rate.Limiter
	uploads  map[protocol.Peer]bool
}

func NewSender(t Transport, log *zap.SugaredLogger) *Sender {
	return &Sender{
		transport: t,
		log:       logging.OrNop(log),
		limiters:  map[protocol.Peer]*rate.Limiter{},
		uploads:   map[protocol.Peer]bool{},
	}
}

func (s *Sender) send(ctx context.Context, peer protocol.Peer, action protocol.ComposeAction) error {
	err := s.transport.SendComposeAction(ctx, protocol.SendComposeActionInput{Peer: peer, Action: action})
	if err != nil {
		s.log.Debugf("failed to send %s to %s: %v", action, peer, err)
	}
	return err
}

// StartedTyping announces typing unless it was announced recently. It
// reports whether a signal was sent.
func (s *Sender) StartedTyping(ctx context.Context, peer protocol.Peer) (bool, error) {
	s.mu.Lock()
	if s.uploads[peer] {
		s.mu.Unlock()
		return false, nil
	}
	lim, ok := s.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(rate.Every(resendEvery), 1)
		s.limiters[peer] = lim
	}
	allowed := lim.Allow()
	s.mu.Unlock()

	if !allowed {
		return false, nil
	}
	return true, s.send(ctx, peer, protocol.ComposeTyping)
}

// StoppedTyping always sends, and lets the next StartedTyping through
func (s *Sender) StoppedTyping(ctx context.Context, peer protocol.Peer) error {
	s.mu.Lock()
	if s.uploads[peer] {
		s.mu.Unlock()
		return nil
	}
	delete(s.limiters, peer)
	s.mu.Unlock()

	return s.send(ctx, peer, protocol.ComposeNone)
}

// MessageSent resets typing for peer without a signal; recipients drop
// our typing entry when the message arrives
func (s *Sender) MessageSent(peer protocol.Peer) {
	s.mu.Lock()
	delete(s.limiters, peer)
	s.mu.Unlock()
}

// StartUpload announces an upload and keeps re-announcing it until the
// returned stop func is called
func (s *Sender) StartUpload(ctx context.Context, peer protocol.Peer, action protocol.ComposeAction) (func(), error) {
	switch action {
	case protocol.ComposeUploadingPhoto, protocol.ComposeUploadingDocument, protocol.ComposeUploadingVideo:
	default:
		return nil, fmt.Errorf("%q is not an upload action", action)
	}

	s.mu.Lock()
	s.uploads[peer] = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(resendEvery)
		defer ticker.Stop()

		s.send(ctx, peer, action)
		for {
			select {
			case <-ticker.C:
				s.send(ctx, peer, action)
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			s.mu.Lock()
			delete(s.uploads, peer)
			delete(s.limiters, peer)
			s.mu.Unlock()
			s.send(context.Background(), peer, protocol.ComposeNone)
		})
	}, nil
}
