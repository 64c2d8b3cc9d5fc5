package protocol

import "time"

// MessageStatus is the delivery state of a message as seen by its author
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is a message as encoded for one recipient.
// RandomID is only populated when the recipient is the author.
type Message struct {
	ID        int64      `json:"id"`
	ChatID    int64      `json:"chatId"`
	FromID    int64      `json:"fromId"`
	Peer      Peer       `json:"peer"`
	Date      time.Time  `json:"date"`
	EditDate  *time.Time `json:"editDate,omitempty"`
	Text      *string    `json:"text,omitempty"`
	RandomID  int64      `json:"randomId,omitempty"`
	ReplyToID *int64     `json:"replyToId,omitempty"`
	Out       bool       `json:"out"`
	Version   int64      `json:"version"`
}

// Reaction is one user's emoji on one message
type Reaction struct {
	ChatID    int64     `json:"chatId"`
	MessageID int64     `json:"messageId"`
	UserID    int64     `json:"userId"`
	Emoji     string    `json:"emoji"`
	Date      time.Time `json:"date"`
}

// ComposeAction is a transient "user is doing something" signal
type ComposeAction string

const (
	ComposeNone              ComposeAction = "none"
	ComposeTyping            ComposeAction = "typing"
	ComposeUploadingPhoto    ComposeAction = "uploadingPhoto"
	ComposeUploadingDocument ComposeAction = "uploadingDocument"
	ComposeUploadingVideo    ComposeAction = "uploadingVideo"
)

// Valid reports whether a is a known compose action
func (a ComposeAction) Valid() bool {
	switch a {
	case ComposeNone, ComposeTyping, ComposeUploadingPhoto, ComposeUploadingDocument, ComposeUploadingVideo:
		return true
	}
	return false
}

// StringPtr is a small helper for optional text fields
func StringPtr(s string) *string { return &s }
