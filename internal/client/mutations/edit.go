package mutations

import (
	"context"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/client/localstore"
	"chatsync/internal/client/txn"
	"chatsync/internal/protocol"
)

// EditMessage replaces the text of one of our messages.
//
// An edit of an unconfirmed message is kept with the message's nonce. It
// waits behind the send on the chat's lane, then targets whatever id the
// send was given. If the send failed, the new text stays on the failed row
// and goes out with the retry; if the send was rolled back, the edit is
// dropped with it.
type EditMessage struct {
	Peer      protocol.Peer `json:"peer"`
	MessageID int64         `json:"messageId"`
	RandomID  int64         `json:"randomId,omitempty"`
	Text      string        `json:"text"`
	Date      time.Time     `json:"date"`

	PrevText     *string    `json:"prevText,omitempty"`
	PrevEditDate *time.Time `json:"prevEditDate,omitempty"`

	d *Deps
}

func (d *Deps) EditMessage(peer protocol.Peer, messageID int64, text string) *EditMessage {
	e := &EditMessage{Peer: peer, MessageID: messageID, Text: text, Date: d.now(), d: d}
	if messageID < 0 {
		e.RandomID = -messageID
	}
	return e
}

func (e *EditMessage) Kind() string        { return KindEditMessage }
func (e *EditMessage) Lane() protocol.Peer { return e.Peer }

func (e *EditMessage) Configure(cfg *txn.Config) { cfg.RollbackOnFail = true }

func (e *EditMessage) Optimistic(ctx context.Context) error {
	if err := validateText(e.Text); err != nil {
		return err
	}
	if e.MessageID == 0 {
		return apperror.Validation("INVALID_MESSAGE_ID", "messageId is required")
	}

	var id int64
	err := e.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		m, ok, err := e.d.lookup(tx, e.Peer, e.MessageID)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.NotFound("MESSAGE_NOT_FOUND", "message not found")
		}
		if m.FromID != e.d.Self {
			return apperror.Validation("NOT_AUTHOR", "only the author can edit a message")
		}
		if m.RandomID != 0 && m.Provisional() {
			e.RandomID = m.RandomID
		}

		e.PrevText, e.PrevEditDate = m.Text, m.EditDate
		text, date := e.Text, e.Date
		m.Text, m.EditDate = &text, &date
		id = m.MessageID
		return tx.PutMessage(m)
	})
	if err != nil {
		return err
	}
	e.d.changed(e.Peer, id)
	return nil
}

// target resolves the canonical id to edit. ok is false when the edit has
// nothing to send because the message never reached the server.
func (e *EditMessage) target(ctx context.Context) (id int64, ok bool, err error) {
	if e.RandomID == 0 {
		return e.MessageID, true, nil
	}
	err = e.d.Store.View(ctx, func(tx *localstore.Tx) error {
		m, found, err := tx.MessageByNonce(e.d.Self, e.RandomID)
		if err != nil {
			return err
		}
		if !found {
			return apperror.NotFound("MESSAGE_NOT_FOUND", "message was discarded before it was sent")
		}
		id, ok = m.MessageID, !m.Provisional()
		return nil
	})
	return id, ok, err
}

func (e *EditMessage) Execute(ctx context.Context) (protocol.UpdatesResult, error) {
	id, ok, err := e.target(ctx)
	if err != nil || !ok {
		return protocol.UpdatesResult{}, err
	}
	return e.d.RPC.EditMessage(ctx, protocol.EditMessageInput{Peer: e.Peer, MessageID: id, Text: e.Text})
}

func (e *EditMessage) DidSucceed(ctx context.Context, res protocol.UpdatesResult) error {
	return e.d.apply(ctx, res)
}

func (e *EditMessage) DidFail(context.Context, error) error { return nil }

// Rollback restores the previous text unless something newer replaced ours
func (e *EditMessage) Rollback(ctx context.Context) error {
	var id int64
	err := e.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		var m localstore.Message
		var ok bool
		var err error
		if e.RandomID != 0 {
			m, ok, err = tx.MessageByNonce(e.d.Self, e.RandomID)
		} else {
			m, ok, err = tx.Message(e.Peer, e.MessageID)
		}
		if err != nil || !ok {
			return err
		}
		if m.Text == nil || *m.Text != e.Text {
			return nil
		}
		m.Text, m.EditDate = e.PrevText, e.PrevEditDate
		id = m.MessageID
		return tx.PutMessage(m)
	})
	if id != 0 {
		e.d.changed(e.Peer, id)
	}
	return err
}
