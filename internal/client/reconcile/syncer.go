package reconcile

import (
	"context"

	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultPageSize is the number of messages fetched per history sync
	DefaultPageSize = 50
	// DefaultSyncWorkers bounds the history fetches SyncAll runs at once
	DefaultSyncWorkers = 4
)

// HistoryFetcher is the RPC the syncer needs
type HistoryFetcher interface {
	History(ctx context.Context, peer protocol.Peer, beforeID int64, limit int) (protocol.HistoryResult, error)
}

// Syncer refetches the newest page of a chat and reconciles it. Concurrent
// requests for the same chat share one fetch.
type Syncer struct {
	api     HistoryFetcher
	rec     *Reconciler
	limit   int
	workers int
	group   singleflight.Group
	log     *zap.SugaredLogger
}

func NewSyncer(api HistoryFetcher, rec *Reconciler, log *zap.SugaredLogger) *Syncer {
	return &Syncer{api: api, rec: rec, limit: DefaultPageSize, workers: DefaultSyncWorkers, log: logging.OrNop(log)}
}

// Sync fetches and applies the newest page of peer
func (s *Syncer) Sync(ctx context.Context, peer protocol.Peer) error {
	_, err, shared := s.group.Do(peer.String(), func() (any, error) {
		page, err := s.api.History(ctx, peer, 0, s.limit)
		if err != nil {
			return nil, err
		}
		return nil, s.rec.ApplyHistory(ctx, peer, 0, s.limit, page)
	})
	if shared {
		s.log.Debugf("history sync of %s shared", peer)
	}
	return err
}

// Page fetches and applies the page of peer below beforeID
func (s *Syncer) Page(ctx context.Context, peer protocol.Peer, beforeID int64, limit int) (protocol.HistoryResult, error) {
	if limit <= 0 {
		limit = s.limit
	}
	page, err := s.api.History(ctx, peer, beforeID, limit)
	if err != nil {
		return page, err
	}
	return page, s.rec.ApplyHistory(ctx, peer, beforeID, limit, page)
}

// Resync is Sync for callers that cannot wait, such as a transaction whose
// outcome became unknown
func (s *Syncer) Resync(ctx context.Context, peer protocol.Peer) {
	go func() {
		if err := s.Sync(ctx, peer); err != nil {
			s.log.Warnf("history sync of %s failed: %v", peer, err)
		}
	}()
}

// SyncAll syncs every peer with at most DefaultSyncWorkers fetches in
// flight. A failing chat is logged and does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context, peers []protocol.Peer) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, peer := range peers {
		g.Go(func() error {
			if err := s.Sync(ctx, peer); err != nil {
				s.log.Warnf("history sync of %s failed: %v", peer, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
