package updates

import (
	"chatsync/internal/models"
	"chatsync/internal/protocol"
)

// PeerFor addresses chat as seen by recipientID. In a direct chat the
// recipient sees the other user, never themselves, except in saved messages.
func PeerFor(chat *models.Chat, recipientID int64) protocol.Peer {
	if other, ok := chat.PeerUserFor(recipientID); ok {
		return protocol.UserPeer(other)
	}
	return protocol.ThreadPeer(chat.ID)
}

// EncodeMessage renders msg for one recipient. The sender nonce is only
// revealed to the author.
func EncodeMessage(chat *models.Chat, msg *models.Message, recipientID int64) protocol.Message {
	out := protocol.Message{
		ID:        msg.MessageID,
		ChatID:    msg.ChatID,
		FromID:    msg.FromID,
		Peer:      PeerFor(chat, recipientID),
		Date:      msg.Date,
		EditDate:  msg.EditDate,
		Text:      msg.Text,
		ReplyToID: msg.ReplyToID,
		Out:       msg.FromID == recipientID,
		Version:   msg.Version,
	}
	if out.Out && msg.RandomID != nil {
		out.RandomID = *msg.RandomID
	}
	return out
}

func EncodeReaction(r *models.Reaction) protocol.Reaction {
	return protocol.Reaction{
		ChatID:    r.ChatID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji,
		Date:      r.Date,
	}
}

// NewMessageUpdates renders a freshly stored message for recipientID. The
// author gets the id assignment strictly before the content.
func NewMessageUpdates(chat *models.Chat, msg *models.Message, recipientID int64) []protocol.Update {
	encoded := EncodeMessage(chat, msg, recipientID)
	if !encoded.Out || msg.RandomID == nil {
		return []protocol.Update{protocol.NewMessageUpdate(encoded)}
	}
	return []protocol.Update{
		protocol.MessageIDAssignedUpdate(protocol.MessageIDAssigned{
			Peer:      encoded.Peer,
			ChatID:    msg.ChatID,
			MessageID: msg.MessageID,
			RandomID:  *msg.RandomID,
		}),
		protocol.NewMessageUpdate(encoded),
	}
}
