// Package client wires the client components of one signed-in app session:
// local store, transaction engine, transport, reconciler and the compose
// and change services.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/client/api"
	"chatsync/internal/client/compose"
	"chatsync/internal/client/localstore"
	"chatsync/internal/client/mutations"
	"chatsync/internal/client/publisher"
	"chatsync/internal/client/reconcile"
	"chatsync/internal/client/txn"
	"chatsync/internal/config"
	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"go.uber.org/zap"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Session owns every client component. Build it with Open and release it
// with Close.
type Session struct {
	Store      *localstore.Store
	Engine     *txn.Engine
	API        *api.Client
	Stream     *api.Stream
	Reconciler *reconcile.Reconciler
	Syncer     *reconcile.Syncer
	Compose    *compose.Registry
	Typing     *compose.Sender
	Publisher  *publisher.Publisher

	deps    *mutations.Deps
	journal txn.Journal
	log     *zap.SugaredLogger
}

// Open opens the local state under cfg.DataDir and restores the
// transactions a previous run left pending
func Open(ctx context.Context, cfg *config.Client, log *zap.SugaredLogger) (*Session, error) {
	log = logging.OrNop(log)

	store, err := localstore.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	journal, err := txn.OpenPebbleJournal(cfg.JournalPath())
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Session{
		Store:     store,
		API:       api.New(cfg.ServerURL, cfg.Token, api.WithTimeout(cfg.Tx.ExecutionTimeout), api.WithLogger(log)),
		Stream:    api.NewStream(cfg.WSURL, cfg.Token, log),
		Compose:   compose.NewRegistry(),
		Publisher: publisher.New(0, log),
		journal:   journal,
		log:       log,
	}
	s.Typing = compose.NewSender(composeTransport{stream: s.Stream, rpc: s.API}, log)
	s.Reconciler = reconcile.New(store, cfg.UserID, s.Compose, s.Publisher, log)
	s.Syncer = reconcile.NewSyncer(s.API, s.Reconciler, log)
	s.deps = &mutations.Deps{
		Store:      store,
		RPC:        s.API,
		Reconciler: s.Reconciler,
		Publisher:  s.Publisher,
		Self:       cfg.UserID,
	}
	s.Engine = txn.NewEngine(
		txn.WithConfig(txn.Config{
			MaxRetries:       cfg.Tx.MaxRetries,
			RetryDelay:       cfg.Tx.RetryDelay,
			ExecutionTimeout: cfg.Tx.ExecutionTimeout,
		}),
		txn.WithJournal(journal),
		txn.WithLogger(log),
		txn.WithFactories(s.deps.Factories()),
		txn.WithResync(s.Syncer.Resync),
	)

	if _, err := s.Engine.Restore(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("restore pending transactions: %w", err)
	}
	return s, nil
}

// Close stops the engine; unfinished transactions stay journaled
func (s *Session) Close() error {
	s.Engine.Close()
	return errors.Join(s.journal.Close(), s.Store.Close())
}

func (s *Session) submit(ctx context.Context, tx txn.Transaction) (*txn.Handle, error) {
	return s.Engine.Submit(ctx, tx)
}

// SendMessage shows the message at once and sends it in the background.
// The returned SendMessage carries the placeholder id of the new row.
func (s *Session) SendMessage(ctx context.Context, peer protocol.Peer, text string, replyToID *int64) (*txn.Handle, *mutations.SendMessage, error) {
	send := s.deps.SendMessage(peer, text, replyToID)
	h, err := s.submit(ctx, send)
	if err == nil {
		s.Typing.MessageSent(peer)
	}
	return h, send, err
}

// RetryMessage resends a failed message under a new nonce
func (s *Session) RetryMessage(ctx context.Context, peer protocol.Peer, placeholderID int64) (*txn.Handle, error) {
	send, err := s.deps.RetrySend(ctx, peer, placeholderID)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, send)
}

func (s *Session) EditMessage(ctx context.Context, peer protocol.Peer, messageID int64, text string) (*txn.Handle, error) {
	return s.submit(ctx, s.deps.EditMessage(peer, messageID, text))
}

func (s *Session) DeleteMessages(ctx context.Context, peer protocol.Peer, messageIDs ...int64) (*txn.Handle, error) {
	return s.submit(ctx, s.deps.DeleteMessages(peer, messageIDs...))
}

func (s *Session) AddReaction(ctx context.Context, peer protocol.Peer, messageID int64, emoji string) (*txn.Handle, error) {
	return s.submit(ctx, s.deps.AddReaction(peer, messageID, emoji))
}

func (s *Session) DeleteReaction(ctx context.Context, peer protocol.Peer, messageID int64, emoji string) (*txn.Handle, error) {
	return s.submit(ctx, s.deps.DeleteReaction(peer, messageID, emoji))
}

// Messages reads a chat from the local store, newest first
func (s *Session) Messages(ctx context.Context, peer protocol.Peer, limit int) ([]localstore.Message, error) {
	var out []localstore.Message
	err := s.Store.View(ctx, func(tx *localstore.Tx) (err error) {
		out, err = tx.Messages(peer, limit)
		return err
	})
	return out, err
}

// Listen applies the push stream to the local store until ctx ends,
// reconnecting with backoff. Every (re)connect refetches the newest page of
// each known chat, since the stream does not redeliver what was missed.
func (s *Session) Listen(ctx context.Context, onFrame func(protocol.ServerFrame)) error {
	delay := minReconnectDelay
	for {
		connected := time.Now()
		err := s.Stream.Run(ctx, func(f protocol.ServerFrame) {
			s.handleFrame(ctx, f)
			if onFrame != nil {
				onFrame(f)
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		if apperror.Is(err, apperror.KindUnauthorized) {
			return err
		}

		if time.Since(connected) > maxReconnectDelay {
			delay = minReconnectDelay
		}
		s.log.Warnf("push stream disconnected, reconnecting in %s: %v", delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (s *Session) handleFrame(ctx context.Context, f protocol.ServerFrame) {
	switch f.Type {
	case protocol.FrameConnectionOpen:
		s.log.Infof("push stream connected, session %s", f.SessionID)
		s.resyncAll(ctx)
	case protocol.FrameUpdates:
		if err := s.Reconciler.Apply(ctx, f.Updates...); err != nil {
			s.log.Errorf("failed to apply %d updates: %v", len(f.Updates), err)
		}
	case protocol.FrameError:
		s.log.Warnf("push stream error: %s", f.Error)
	}
}

func (s *Session) resyncAll(ctx context.Context) {
	var peers []protocol.Peer
	err := s.Store.View(ctx, func(tx *localstore.Tx) (err error) {
		peers, err = tx.Peers()
		return err
	})
	if err != nil {
		s.log.Errorf("failed to list chats for resync: %v", err)
		return
	}
	go s.Syncer.SyncAll(ctx, peers)
}

// composeTransport prefers the open push stream and falls back to RPC
type composeTransport struct {
	stream *api.Stream
	rpc    *api.Client
}

func (t composeTransport) SendComposeAction(ctx context.Context, in protocol.SendComposeActionInput) error {
	err := t.stream.SendComposeAction(ctx, in)
	if errors.Is(err, api.ErrNotConnected) {
		return t.rpc.SendComposeAction(ctx, in)
	}
	return err
}
