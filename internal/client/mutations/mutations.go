// Package mutations implements the optimistic transactions a client runs
// through the engine: send, edit, delete and reactions.
package mutations

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"chatsync/internal/apperror"
	"chatsync/internal/client/localstore"
	"chatsync/internal/client/publisher"
	"chatsync/internal/client/txn"
	"chatsync/internal/protocol"
)

// Journal kinds
const (
	KindSendMessage    = "sendMessage"
	KindEditMessage    = "editMessage"
	KindDeleteMessages = "deleteMessages"
	KindAddReaction    = "addReaction"
	KindDeleteReaction = "deleteReaction"
)

const maxTextLength = 4096

// RPC is the remote half of every mutation
type RPC interface {
	SendMessage(ctx context.Context, in protocol.SendMessageInput) (protocol.UpdatesResult, error)
	EditMessage(ctx context.Context, in protocol.EditMessageInput) (protocol.UpdatesResult, error)
	DeleteMessages(ctx context.Context, in protocol.DeleteMessagesInput) (protocol.UpdatesResult, error)
	AddReaction(ctx context.Context, in protocol.ReactionInput) (protocol.UpdatesResult, error)
	DeleteReaction(ctx context.Context, in protocol.ReactionInput) (protocol.UpdatesResult, error)
}

// Applier merges server updates into the local store
type Applier interface {
	Apply(ctx context.Context, updates ...protocol.Update) error
}

// Deps is what every transaction needs. It is shared by the transactions of
// one session and is never serialized.
type Deps struct {
	Store      *localstore.Store
	RPC        RPC
	Reconciler Applier
	Publisher  *publisher.Publisher // optional
	Self       int64

	Now   func() time.Time
	Nonce func() int64
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Deps) nonce() int64 {
	if d.Nonce != nil {
		return d.Nonce()
	}
	return rand.Int64N(math.MaxInt64-1) + 1
}

func (d *Deps) changed(peer protocol.Peer, ids ...int64) {
	if d.Publisher != nil {
		d.Publisher.Publish(publisher.Change{Kind: publisher.ChangeLocal, Peer: peer, MessageIDs: ids})
	}
}

func (d *Deps) apply(ctx context.Context, res protocol.UpdatesResult) error {
	if len(res.Updates) == 0 {
		return nil
	}
	return d.Reconciler.Apply(ctx, res.Updates...)
}

// Factories rebuilds journaled transactions bound to d
func (d *Deps) Factories() map[string]txn.Factory {
	return map[string]txn.Factory{
		KindSendMessage:    restore(d, func(t *SendMessage, d *Deps) { t.d = d }),
		KindEditMessage:    restore(d, func(t *EditMessage, d *Deps) { t.d = d }),
		KindDeleteMessages: restore(d, func(t *DeleteMessages, d *Deps) { t.d = d }),
		KindAddReaction:    restore(d, func(t *AddReaction, d *Deps) { t.d = d }),
		KindDeleteReaction: restore(d, func(t *DeleteReaction, d *Deps) { t.d = d }),
	}
}

func restore[T any, PT interface {
	*T
	txn.Transaction
}](d *Deps, bind func(PT, *Deps)) txn.Factory {
	return func(payload json.RawMessage) (txn.Transaction, error) {
		t := PT(new(T))
		if err := json.Unmarshal(payload, t); err != nil {
			return nil, err
		}
		bind(t, d)
		return t, nil
	}
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperror.Validation("EMPTY_MESSAGE", "message text is required")
	}
	if utf8.RuneCountInString(text) > maxTextLength {
		return apperror.Validation("MESSAGE_TOO_LONG", "message text is too long")
	}
	return nil
}

// lookup finds a row by its current id; placeholder ids resolve through
// the nonce since the row may have been readdressed since
func (d *Deps) lookup(tx *localstore.Tx, peer protocol.Peer, messageID int64) (localstore.Message, bool, error) {
	if messageID < 0 {
		return tx.MessageByNonce(d.Self, -messageID)
	}
	return tx.Message(peer, messageID)
}
