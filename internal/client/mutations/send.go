package mutations

import (
	"context"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/client/localstore"
	"chatsync/internal/protocol"
)

// SendMessage sends a new text message. It stays visible as failed when
// the server rejects it so the user can retry or delete it.
type SendMessage struct {
	Peer      protocol.Peer `json:"peer"`
	RandomID  int64         `json:"randomId"`
	Text      string        `json:"text"`
	ReplyToID *int64        `json:"replyToId,omitempty"`
	Date      time.Time     `json:"date"`
	// Replaces is the nonce of the failed send this one retries
	Replaces int64 `json:"replaces,omitempty"`

	d *Deps
}

func (d *Deps) SendMessage(peer protocol.Peer, text string, replyToID *int64) *SendMessage {
	return &SendMessage{
		Peer:      peer,
		RandomID:  d.nonce(),
		Text:      text,
		ReplyToID: replyToID,
		Date:      d.now(),
		d:         d,
	}
}

// RetrySend resends a failed message under a new nonce. The failed row is
// replaced by the new provisional one.
func (d *Deps) RetrySend(ctx context.Context, peer protocol.Peer, placeholderID int64) (*SendMessage, error) {
	var failed localstore.Message
	err := d.Store.View(ctx, func(tx *localstore.Tx) error {
		m, ok, err := d.lookup(tx, peer, placeholderID)
		if err != nil {
			return err
		}
		if !ok || !m.Provisional() {
			return apperror.NotFound("MESSAGE_NOT_FOUND", "no unsent message with that id")
		}
		failed = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failed.Status != protocol.StatusFailed {
		return nil, apperror.Validation("MESSAGE_PENDING", "message is still sending")
	}

	s := d.SendMessage(peer, "", failed.ReplyToID)
	if failed.Text != nil {
		s.Text = *failed.Text
	}
	s.Replaces = failed.RandomID
	return s, nil
}

func (s *SendMessage) Kind() string        { return KindSendMessage }
func (s *SendMessage) Lane() protocol.Peer { return s.Peer }

// PlaceholderID is the id the message shows until the server assigns one
func (s *SendMessage) PlaceholderID() int64 { return localstore.PlaceholderID(s.RandomID) }

func (s *SendMessage) Optimistic(ctx context.Context) error {
	if err := validateText(s.Text); err != nil {
		return err
	}
	if s.RandomID <= 0 {
		return apperror.Validation("RANDOM_ID_REQUIRED", "randomId must be positive")
	}

	err := s.d.Store.Update(ctx, func(tx *localstore.Tx) error {
		if s.Replaces != 0 {
			if _, err := tx.DeleteByNonce(s.d.Self, s.Replaces, protocol.StatusFailed); err != nil {
				return err
			}
		}
		chatID, _, err := tx.ChatID(s.Peer)
		if err != nil {
			return err
		}
		text := s.Text
		return tx.PutMessage(localstore.Message{
			Peer:      s.Peer,
			ChatID:    chatID,
			MessageID: s.PlaceholderID(),
			FromID:    s.d.Self,
			RandomID:  s.RandomID,
			Date:      s.Date,
			Text:      &text,
			ReplyToID: s.ReplyToID,
			Status:    protocol.StatusSending,
			Out:       true,
		})
	})
	if err != nil {
		return err
	}
	s.d.changed(s.Peer, s.PlaceholderID())
	return nil
}

func (s *SendMessage) Execute(ctx context.Context) (protocol.UpdatesResult, error) {
	text := s.Text
	date := s.Date
	return s.d.RPC.SendMessage(ctx, protocol.SendMessageInput{
		Peer:      s.Peer,
		Text:      &text,
		RandomID:  s.RandomID,
		ReplyToID: s.ReplyToID,
		SendDate:  &date,
	})
}

func (s *SendMessage) DidSucceed(ctx context.Context, res protocol.UpdatesResult) error {
	return s.d.apply(ctx, res)
}

// DidFail marks the row failed unless a late success already confirmed it
func (s *SendMessage) DidFail(ctx context.Context, _ error) error {
	var changed bool
	err := s.d.Store.Update(ctx, func(tx *localstore.Tx) (err error) {
		changed, err = tx.SetStatusByNonce(s.d.Self, s.RandomID, protocol.StatusFailed, protocol.StatusSending)
		return err
	})
	if changed {
		s.d.changed(s.Peer, s.PlaceholderID())
	}
	return err
}

func (s *SendMessage) Rollback(ctx context.Context) error {
	var removed bool
	err := s.d.Store.Update(ctx, func(tx *localstore.Tx) (err error) {
		removed, err = tx.DeleteByNonce(s.d.Self, s.RandomID, protocol.StatusSending, protocol.StatusFailed)
		return err
	})
	if removed {
		s.d.changed(s.Peer, s.PlaceholderID())
	}
	return err
}
