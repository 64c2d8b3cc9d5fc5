package mutations

import (
	"context"

	"chatsync/internal/apperror"
	"chatsync/internal/client/localstore"
	"chatsync/internal/client/txn"
	"chatsync/internal/protocol"
)

// DeleteMessages removes messages for everyone. Failed unsent messages are
// only removed locally; a message still sending cannot be deleted, its send
// must be cancelled instead.
type DeleteMessages struct {
	Peer       protocol.Peer `json:"peer"`
	MessageIDs []int64       `json:"messageIds"`

	// ServerIDs are the ids sent to the server, Snapshot their rows and
	// Reactions the reactions on them before deletion
	ServerIDs []int64               `json:"serverIds"`
	Snapshot  []localstore.Message  `json:"snapshot"`
	Reactions []localstore.Reaction `json:"reactions,omitempty"`

	cause error
	d     *Deps
}

func (d *Deps) DeleteMessages(peer protocol.Peer, messageIDs ...int64) *DeleteMessages {
	return &DeleteMessages{Peer: peer, MessageIDs: messageIDs, d: d}
}

func (m *DeleteMessages) Kind() string        { return KindDeleteMessages }
func (m *DeleteMessages) Lane() protocol.Peer { return m.Peer }

func (m *DeleteMessages) Configure(cfg *txn.Config) { cfg.RollbackOnFail = true }

func (m *DeleteMessages) Optimistic(ctx context.Context) error {
	if len(m.MessageIDs) == 0 {
		return apperror.Validation("NO_MESSAGES", "messageIds is required")
	}

	m.ServerIDs, m.Snapshot, m.Reactions = nil, nil, nil
	var removed []int64
	err := m.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		removed = removed[:0]
		for _, id := range m.MessageIDs {
			row, ok, err := m.d.lookup(tx, m.Peer, id)
			if err != nil {
				return err
			}
			if !ok {
				if id > 0 {
					// not loaded locally; the server still decides
					m.ServerIDs = append(m.ServerIDs, id)
				}
				continue
			}

			if row.Provisional() {
				if row.Status == protocol.StatusSending {
					return apperror.Validation("MESSAGE_PENDING", "message is still sending")
				}
				if _, err := tx.DeleteByNonce(m.d.Self, row.RandomID, protocol.StatusFailed); err != nil {
					return err
				}
				removed = append(removed, row.MessageID)
				continue
			}

			if row.FromID != m.d.Self {
				return apperror.Validation("NOT_AUTHOR", "only the author can delete a message")
			}
			rs, err := tx.Reactions(m.Peer, row.MessageID)
			if err != nil {
				return err
			}
			if _, err := tx.DeleteMessage(m.Peer, row.MessageID); err != nil {
				return err
			}
			m.Reactions = append(m.Reactions, rs...)
			m.ServerIDs = append(m.ServerIDs, row.MessageID)
			m.Snapshot = append(m.Snapshot, row)
			removed = append(removed, row.MessageID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		m.d.changed(m.Peer, removed...)
	}
	return nil
}

func (m *DeleteMessages) Execute(ctx context.Context) (protocol.UpdatesResult, error) {
	if len(m.ServerIDs) == 0 {
		return protocol.UpdatesResult{}, nil
	}
	return m.d.RPC.DeleteMessages(ctx, protocol.DeleteMessagesInput{Peer: m.Peer, MessageIDs: m.ServerIDs})
}

func (m *DeleteMessages) DidSucceed(ctx context.Context, res protocol.UpdatesResult) error {
	return m.d.apply(ctx, res)
}

func (m *DeleteMessages) DidFail(_ context.Context, cause error) error {
	m.cause = cause
	return nil
}

// Rollback puts the deleted rows back, unless the server says they are
// already gone
func (m *DeleteMessages) Rollback(ctx context.Context) error {
	if apperror.Is(m.cause, apperror.KindNotFound) || len(m.Snapshot) == 0 {
		return nil
	}

	reactions := map[int64][]localstore.Reaction{}
	for _, r := range m.Reactions {
		reactions[r.MessageID] = append(reactions[r.MessageID], r)
	}

	var restored []int64
	err := m.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		restored = restored[:0]
		for _, row := range m.Snapshot {
			_, exists, err := tx.Message(row.Peer, row.MessageID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := tx.PutMessage(row); err != nil {
				return err
			}
			if err := tx.ReplaceReactions(row.Peer, row.MessageID, reactions[row.MessageID]); err != nil {
				return err
			}
			restored = append(restored, row.MessageID)
		}
		return nil
	})
	if len(restored) > 0 {
		m.d.changed(m.Peer, restored...)
	}
	return err
}
