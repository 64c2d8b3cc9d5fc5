package models

import "time"

// Message is a persisted message. MessageID is sequential within ChatID.
type Message struct {
	ChatID    int64      `json:"chatId" db:"chat_id"`
	MessageID int64      `json:"messageId" db:"message_id"`
	FromID    int64      `json:"fromId" db:"from_id"`
	Text      *string    `json:"text,omitempty" db:"text"`
	RandomID  *int64     `json:"randomId,omitempty" db:"random_id"`
	ReplyToID *int64     `json:"replyToId,omitempty" db:"reply_to_msg_id"`
	Date      time.Time  `json:"date" db:"date"`
	EditDate  *time.Time `json:"editDate,omitempty" db:"edit_date"`
	Version   int64      `json:"version" db:"version"`
}

// SameSubmission reports whether m was created by an identical send, used to
// tell a duplicate delivery from a reused nonce.
func (m *Message) SameSubmission(chatID int64, text *string) bool {
	if m.ChatID != chatID {
		return false
	}
	if (m.Text == nil) != (text == nil) {
		return false
	}
	return m.Text == nil || *m.Text == *text
}

// Reaction is unique per (chat, message, user, emoji)
type Reaction struct {
	ChatID    int64     `json:"chatId" db:"chat_id"`
	MessageID int64     `json:"messageId" db:"message_id"`
	UserID    int64     `json:"userId" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	Date      time.Time `json:"date" db:"date"`
}

// MessageDraft is what a sender submits, before an id is assigned
type MessageDraft struct {
	ChatID    int64
	FromID    int64
	Text      *string
	RandomID  int64
	ReplyToID *int64
	Date      time.Time
}
