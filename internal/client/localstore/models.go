package localstore

import (
	"time"

	"chatsync/internal/protocol"
)

// Message is a message row as the client keeps it
type Message struct {
	Peer   protocol.Peer
	ChatID int64 // 0 until the server has told us
	// MessageID is the canonical id, or PlaceholderID(RandomID) while the
	// message is sending or failed
	MessageID int64
	FromID    int64
	RandomID  int64 // 0 when the nonce is unknown (other senders)
	Date      time.Time
	EditDate  *time.Time
	Text      *string
	ReplyToID *int64
	Status    protocol.MessageStatus
	Out       bool
	Version   int64
}

// PlaceholderID is the negative identity a message shows while unconfirmed
func PlaceholderID(randomID int64) int64 { return -randomID }

// Provisional reports whether the row still carries its placeholder id
func (m Message) Provisional() bool { return m.MessageID < 0 }

// Reaction is one user's emoji on a local message
type Reaction struct {
	Peer      protocol.Peer
	MessageID int64
	UserID    int64
	Emoji     string
	Date      time.Time
}
