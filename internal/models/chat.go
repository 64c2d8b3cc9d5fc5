package models

import "time"

// ChatType distinguishes direct chats from threads
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatThread  ChatType = "thread"
)

// Chat is a conversation. Private chats key on the ordered user pair,
// threads optionally belong to a space.
type Chat struct {
	ID        int64     `json:"id" db:"id"`
	Type      ChatType  `json:"type" db:"type"`
	MinUserID *int64    `json:"minUserId,omitempty" db:"min_user_id"`
	MaxUserID *int64    `json:"maxUserId,omitempty" db:"max_user_id"`
	SpaceID   *int64    `json:"spaceId,omitempty" db:"space_id"`
	Public    bool      `json:"public" db:"public_thread"`
	Title     *string   `json:"title,omitempty" db:"title"`
	LastMsgID int64     `json:"lastMsgId" db:"last_msg_id"`
	MsgSeq    int64     `json:"-" db:"msg_seq"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// PeerUserFor returns the other user of a private chat as seen by userID.
// For saved messages both sides are the same user.
func (c *Chat) PeerUserFor(userID int64) (int64, bool) {
	if c.Type != ChatPrivate || c.MinUserID == nil || c.MaxUserID == nil {
		return 0, false
	}
	switch userID {
	case *c.MinUserID:
		return *c.MaxUserID, true
	case *c.MaxUserID:
		return *c.MinUserID, true
	}
	return 0, false
}

// PrivateUsers returns the distinct users of a private chat
func (c *Chat) PrivateUsers() []int64 {
	if c.Type != ChatPrivate || c.MinUserID == nil || c.MaxUserID == nil {
		return nil
	}
	if *c.MinUserID == *c.MaxUserID {
		return []int64{*c.MinUserID}
	}
	return []int64{*c.MinUserID, *c.MaxUserID}
}
