package mutations

import (
	"context"
	"slices"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/client/localstore"
	"chatsync/internal/client/txn"
	"chatsync/internal/protocol"
)

const maxEmojiLength = 32

// AddReaction adds our emoji to a confirmed message
type AddReaction struct {
	Peer      protocol.Peer `json:"peer"`
	MessageID int64         `json:"messageId"`
	Emoji     string        `json:"emoji"`
	Date      time.Time     `json:"date"`
	// Existed is true when the reaction was already there before we added it
	Existed bool `json:"existed"`

	d *Deps
}

// DeleteReaction removes our emoji from a message
type DeleteReaction struct {
	Peer      protocol.Peer `json:"peer"`
	MessageID int64         `json:"messageId"`
	Emoji     string        `json:"emoji"`
	// Removed holds the reaction taken out locally, nil if there was none
	Removed *localstore.Reaction `json:"removed,omitempty"`

	d *Deps
}

func (d *Deps) AddReaction(peer protocol.Peer, messageID int64, emoji string) *AddReaction {
	return &AddReaction{Peer: peer, MessageID: messageID, Emoji: emoji, Date: d.now(), d: d}
}

func (d *Deps) DeleteReaction(peer protocol.Peer, messageID int64, emoji string) *DeleteReaction {
	return &DeleteReaction{Peer: peer, MessageID: messageID, Emoji: emoji, d: d}
}

func validateReaction(messageID int64, emoji string) error {
	if messageID < 0 {
		return apperror.Validation("MESSAGE_PENDING", "message is not sent yet")
	}
	if messageID == 0 {
		return apperror.Validation("INVALID_MESSAGE_ID", "messageId is required")
	}
	if emoji == "" || len(emoji) > maxEmojiLength {
		return apperror.Validation("INVALID_EMOJI", "emoji is required")
	}
	return nil
}

func (d *Deps) ownReaction(tx *localstore.Tx, peer protocol.Peer, messageID int64, emoji string) (*localstore.Reaction, error) {
	rs, err := tx.Reactions(peer, messageID)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(rs, func(r localstore.Reaction) bool { return r.UserID == d.Self && r.Emoji == emoji })
	if i < 0 {
		return nil, nil
	}
	return &rs[i], nil
}

func (r *AddReaction) Kind() string        { return KindAddReaction }
func (r *AddReaction) Lane() protocol.Peer { return r.Peer }

func (r *AddReaction) Configure(cfg *txn.Config) { cfg.RollbackOnFail = true }

func (r *AddReaction) Optimistic(ctx context.Context) error {
	if err := validateReaction(r.MessageID, r.Emoji); err != nil {
		return err
	}
	err := r.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		existing, err := r.d.ownReaction(tx, r.Peer, r.MessageID, r.Emoji)
		if err != nil {
			return err
		}
		r.Existed = existing != nil
		if r.Existed {
			return nil
		}
		return tx.PutReaction(localstore.Reaction{
			Peer: r.Peer, MessageID: r.MessageID, UserID: r.d.Self, Emoji: r.Emoji, Date: r.Date,
		})
	})
	if err != nil {
		return err
	}
	r.d.changed(r.Peer, r.MessageID)
	return nil
}

func (r *AddReaction) Execute(ctx context.Context) (protocol.UpdatesResult, error) {
	return r.d.RPC.AddReaction(ctx, protocol.ReactionInput{Peer: r.Peer, MessageID: r.MessageID, Emoji: r.Emoji})
}

func (r *AddReaction) DidSucceed(ctx context.Context, res protocol.UpdatesResult) error {
	return r.d.apply(ctx, res)
}

func (r *AddReaction) DidFail(context.Context, error) error { return nil }

func (r *AddReaction) Rollback(ctx context.Context) error {
	if r.Existed {
		return nil
	}
	err := r.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		_, err := tx.DeleteReaction(localstore.Reaction{Peer: r.Peer, MessageID: r.MessageID, UserID: r.d.Self, Emoji: r.Emoji})
		return err
	})
	r.d.changed(r.Peer, r.MessageID)
	return err
}

func (r *DeleteReaction) Kind() string        { return KindDeleteReaction }
func (r *DeleteReaction) Lane() protocol.Peer { return r.Peer }

func (r *DeleteReaction) Configure(cfg *txn.Config) { cfg.RollbackOnFail = true }

func (r *DeleteReaction) Optimistic(ctx context.Context) error {
	if err := validateReaction(r.MessageID, r.Emoji); err != nil {
		return err
	}
	err := r.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		existing, err := r.d.ownReaction(tx, r.Peer, r.MessageID, r.Emoji)
		if err != nil || existing == nil {
			return err
		}
		r.Removed = existing
		_, err = tx.DeleteReaction(*existing)
		return err
	})
	if err != nil {
		return err
	}
	r.d.changed(r.Peer, r.MessageID)
	return nil
}

func (r *DeleteReaction) Execute(ctx context.Context) (protocol.UpdatesResult, error) {
	return r.d.RPC.DeleteReaction(ctx, protocol.ReactionInput{Peer: r.Peer, MessageID: r.MessageID, Emoji: r.Emoji})
}

func (r *DeleteReaction) DidSucceed(ctx context.Context, res protocol.UpdatesResult) error {
	return r.d.apply(ctx, res)
}

func (r *DeleteReaction) DidFail(context.Context, error) error { return nil }

func (r *DeleteReaction) Rollback(ctx context.Context) error {
	if r.Removed == nil {
		return nil
	}
	err := r.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		return tx.PutReaction(*r.Removed)
	})
	r.d.changed(r.Peer, r.MessageID)
	return err
}
