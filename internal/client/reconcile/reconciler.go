// Package reconcile merges server-authoritative state into the local store:
// pushed updates, RPC results and fetched history. Every apply is safe to
// repeat.
package reconcile

import (
	"context"
	"fmt"
	"math"

	"chatsync/internal/client/compose"
	"chatsync/internal/client/localstore"
	"chatsync/internal/client/publisher"
	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"go.uber.org/zap"
)

// Reconciler applies updates for one signed-in user
type Reconciler struct {
	store   *localstore.Store
	self    int64
	compose *compose.Registry
	pub     *publisher.Publisher
	log     *zap.SugaredLogger
}

func New(store *localstore.Store, self int64, registry *compose.Registry, pub *publisher.Publisher, log *zap.SugaredLogger) *Reconciler {
	if registry == nil {
		registry = compose.NewRegistry()
	}
	if pub == nil {
		pub = publisher.New(0, log)
	}
	return &Reconciler{store: store, self: self, compose: registry, pub: pub, log: logging.OrNop(log)}
}

// Apply applies updates in order inside one store transaction and
// publishes the resulting changes once it commits
func (r *Reconciler) Apply(ctx context.Context, updates ...protocol.Update) error {
	var changes []publisher.Change

	err := r.store.Update(ctx, func(tx *localstore.Tx) error {
		changes = changes[:0]
		for _, u := range updates {
			if err := u.Validate(); err != nil {
				r.log.Warnf("skipping invalid update: %v", err)
				continue
			}
			change, err := r.apply(tx, u)
			if err != nil {
				return fmt.Errorf("apply %s: %w", u.Kind, err)
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.pub.Publish(changes...)
	return nil
}

func (r *Reconciler) apply(tx *localstore.Tx, u protocol.Update) (publisher.Change, error) {
	peer := u.Peer()
	switch u.Kind {
	case protocol.KindComposeActionChanged:
		// transient, kept in memory only
		c := u.ComposeActionChanged
		r.compose.Set(peer, c.UserID, c.Action)
		return publisher.FromUpdate(u.Kind, peer), nil

	case protocol.KindMessageIDAssigned:
		a := u.MessageIDAssigned
		return publisher.FromUpdate(u.Kind, peer, a.MessageID), r.assignID(tx, *a)

	case protocol.KindNewMessage:
		m := u.NewMessage.Message
		if m.FromID != r.self {
			// a message ends their compose action
			r.compose.Remove(peer, m.FromID)
		}
		return publisher.FromUpdate(u.Kind, peer, m.ID), r.mergeMessage(tx, m)

	case protocol.KindMessageEdited:
		m := u.MessageEdited.Message
		return publisher.FromUpdate(u.Kind, peer, m.ID), r.mergeMessage(tx, m)

	case protocol.KindMessagesDeleted:
		d := u.MessagesDeleted
		if err := tx.SetChatID(peer, d.ChatID); err != nil {
			return publisher.Change{}, err
		}
		for _, id := range d.MessageIDs {
			if _, err := tx.DeleteMessage(peer, id); err != nil {
				return publisher.Change{}, err
			}
		}
		return publisher.FromUpdate(u.Kind, peer, d.MessageIDs...), nil

	case protocol.KindReactionAdded:
		a := u.ReactionAdded
		err := tx.PutReaction(localstore.Reaction{
			Peer:      peer,
			MessageID: a.Reaction.MessageID,
			UserID:    a.Reaction.UserID,
			Emoji:     a.Reaction.Emoji,
			Date:      a.Reaction.Date,
		})
		return publisher.FromUpdate(u.Kind, peer, a.Reaction.MessageID), err

	case protocol.KindReactionDeleted:
		d := u.ReactionDeleted
		_, err := tx.DeleteReaction(localstore.Reaction{Peer: peer, MessageID: d.MessageID, UserID: d.UserID, Emoji: d.Emoji})
		return publisher.FromUpdate(u.Kind, peer, d.MessageID), err

	case protocol.KindParticipantAdded:
		a := u.ParticipantAdded
		if err := tx.SetChatID(peer, a.ChatID); err != nil {
			return publisher.Change{}, err
		}
		return publisher.FromUpdate(u.Kind, peer), tx.PutParticipant(peer, a.UserID, a.Date)

	case protocol.KindParticipantRemoved:
		d := u.ParticipantRemoved
		return publisher.FromUpdate(u.Kind, peer), tx.DeleteParticipant(peer, d.UserID)
	}
	return publisher.Change{}, fmt.Errorf("unhandled update kind %q", u.Kind)
}

// assignID binds a provisional row to its canonical id, rewriting it in place
func (r *Reconciler) assignID(tx *localstore.Tx, a protocol.MessageIDAssigned) error {
	if err := tx.SetChatID(a.Peer, a.ChatID); err != nil {
		return err
	}

	local, ok, err := tx.MessageByNonce(r.self, a.RandomID)
	if err != nil || !ok {
		// not ours, or rolled back
		return err
	}
	if local.MessageID == a.MessageID && local.Status == protocol.StatusSent {
		return nil
	}

	// The canonical row may already exist if content arrived by another path
	canonical, exists, err := tx.Message(a.Peer, a.MessageID)
	if err != nil {
		return err
	}
	if exists && canonical.RandomID != a.RandomID {
		_, err := tx.DeleteByNonce(r.self, a.RandomID)
		return err
	}
	return tx.Readdress(r.self, a.RandomID, a.ChatID, a.MessageID)
}

// mergeMessage inserts m, or merges its server fields into the known row.
// Content is taken only from an equal or newer version, so the last
// accepted edit wins whichever way updates arrive.
func (r *Reconciler) mergeMessage(tx *localstore.Tx, m protocol.Message) error {
	if err := tx.SetChatID(m.Peer, m.ChatID); err != nil {
		return err
	}

	local, ok, err := tx.Message(m.Peer, m.ID)
	if err != nil {
		return err
	}
	if !ok && m.Out && m.RandomID != 0 {
		// our own send whose id assignment we missed
		pending, found, err := tx.MessageByNonce(r.self, m.RandomID)
		if err != nil {
			return err
		}
		if found {
			if err := tx.Readdress(r.self, m.RandomID, m.ChatID, m.ID); err != nil {
				return err
			}
			local, ok = pending, true
			local.MessageID = m.ID
		}
	}

	if !ok {
		return tx.PutMessage(fromProtocol(m))
	}
	if m.Version < local.Version {
		return nil
	}

	local.ChatID = m.ChatID
	local.FromID = m.FromID
	local.Date = m.Date
	local.EditDate = m.EditDate
	local.Text = m.Text
	local.Version = m.Version
	local.Status = protocol.StatusSent
	local.Out = m.Out
	if m.ReplyToID != nil {
		local.ReplyToID = m.ReplyToID
	}
	if m.RandomID != 0 {
		local.RandomID = m.RandomID
	}
	return tx.PutMessage(local)
}

// historyRange is the id range [lo, hi] a page vouches for
func historyRange(beforeID int64, limit int, page protocol.HistoryResult) (int64, int64) {
	hi := page.MaxID
	if beforeID > 0 {
		hi = min(hi, beforeID-1)
	}
	if page.Limit > 0 && (limit <= 0 || page.Limit < limit) {
		limit = page.Limit
	}

	lo := int64(math.MaxInt64)
	for _, m := range page.Messages {
		lo = min(lo, m.ID)
	}
	if len(page.Messages) < limit {
		lo = 1
	}
	return lo, hi
}

func fromProtocol(m protocol.Message) localstore.Message {
	return localstore.Message{
		Peer:      m.Peer,
		ChatID:    m.ChatID,
		MessageID: m.ID,
		FromID:    m.FromID,
		RandomID:  m.RandomID,
		Date:      m.Date,
		EditDate:  m.EditDate,
		Text:      m.Text,
		ReplyToID: m.ReplyToID,
		Status:    protocol.StatusSent,
		Out:       m.Out,
		Version:   m.Version,
	}
}

// ApplyHistory merges one fetched page of peer. The page covers ids below
// beforeID (all ids when 0) up to the highest id the chat had when it was
// read; sent rows in that range that the server no longer has are removed.
// A page shorter than the server's applied limit reaches the start of the
// chat.
func (r *Reconciler) ApplyHistory(ctx context.Context, peer protocol.Peer, beforeID int64, limit int, page protocol.HistoryResult) error {
	lo, hi := historyRange(beforeID, limit, page)
	fetched := make(map[int64]bool, len(page.Messages))
	for _, m := range page.Messages {
		fetched[m.ID] = true
	}

	reactions := map[int64][]localstore.Reaction{}
	for _, rx := range page.Reactions {
		reactions[rx.MessageID] = append(reactions[rx.MessageID], localstore.Reaction{
			Peer: peer, MessageID: rx.MessageID, UserID: rx.UserID, Emoji: rx.Emoji, Date: rx.Date,
		})
	}

	var removed []int64
	err := r.store.Update(ctx, func(tx *localstore.Tx) error {
		removed = removed[:0]
		if err := tx.SetChatID(peer, page.ChatID); err != nil {
			return err
		}
		for _, m := range page.Messages {
			if !m.Peer.IsZero() && m.Peer != peer {
				return fmt.Errorf("history of %s contains message for %s", peer, m.Peer)
			}
			m.Peer = peer
			if err := r.mergeMessage(tx, m); err != nil {
				return err
			}
			if err := tx.ReplaceReactions(peer, m.ID, reactions[m.ID]); err != nil {
				return err
			}
		}

		if lo > hi {
			return nil
		}
		ids, err := tx.SentIDsBetween(peer, lo, hi)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if fetched[id] {
				continue
			}
			if _, err := tx.DeleteMessage(peer, id); err != nil {
				return err
			}
			removed = append(removed, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(removed) > 0 {
		r.log.Debugf("history of %s removed %d stale messages", peer, len(removed))
	}
	r.pub.Publish(publisher.Change{Kind: publisher.ChangeHistorySynced, Peer: peer})
	return nil
}
