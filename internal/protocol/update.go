package protocol

import (
	"fmt"
	"time"
)

// UpdateKind discriminates the payload carried by an Update
type UpdateKind string

const (
	KindNewMessage           UpdateKind = "newMessage"
	KindMessageIDAssigned    UpdateKind = "messageIdAssigned"
	KindMessageEdited        UpdateKind = "messageEdited"
	KindMessagesDeleted      UpdateKind = "messagesDeleted"
	KindReactionAdded        UpdateKind = "reactionAdded"
	KindReactionDeleted      UpdateKind = "reactionDeleted"
	KindComposeActionChanged UpdateKind = "composeActionChanged"
	KindParticipantAdded     UpdateKind = "participantAdded"
	KindParticipantRemoved   UpdateKind = "participantRemoved"
)

// NewMessage carries the full content of a freshly sent message
type NewMessage struct {
	Message Message `json:"message"`
}

// MessageIDAssigned binds the sender's nonce to the canonical id.
// Only the author's sessions ever receive it.
type MessageIDAssigned struct {
	Peer      Peer  `json:"peer"`
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId"`
	RandomID  int64 `json:"randomId"`
}

type MessageEdited struct {
	Message Message `json:"message"`
}

type MessagesDeleted struct {
	Peer       Peer    `json:"peer"`
	ChatID     int64   `json:"chatId"`
	MessageIDs []int64 `json:"messageIds"`
}

type ReactionAdded struct {
	Peer     Peer     `json:"peer"`
	Reaction Reaction `json:"reaction"`
}

type ReactionDeleted struct {
	Peer      Peer   `json:"peer"`
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	UserID    int64  `json:"userId"`
	Emoji     string `json:"emoji"`
}

type ComposeActionChanged struct {
	Peer   Peer          `json:"peer"`
	UserID int64         `json:"userId"`
	Action ComposeAction `json:"action"`
}

type ParticipantAdded struct {
	Peer   Peer      `json:"peer"`
	ChatID int64     `json:"chatId"`
	UserID int64     `json:"userId"`
	Date   time.Time `json:"date"`
}

type ParticipantRemoved struct {
	Peer   Peer  `json:"peer"`
	ChatID int64 `json:"chatId"`
	UserID int64 `json:"userId"`
}

// Update is one change pushed to a recipient session. Exactly one payload
// field is set and it must match Kind.
type Update struct {
	Kind UpdateKind `json:"kind"`

	NewMessage           *NewMessage           `json:"newMessage,omitempty"`
	MessageIDAssigned    *MessageIDAssigned    `json:"messageIdAssigned,omitempty"`
	MessageEdited        *MessageEdited        `json:"messageEdited,omitempty"`
	MessagesDeleted      *MessagesDeleted      `json:"messagesDeleted,omitempty"`
	ReactionAdded        *ReactionAdded        `json:"reactionAdded,omitempty"`
	ReactionDeleted      *ReactionDeleted      `json:"reactionDeleted,omitempty"`
	ComposeActionChanged *ComposeActionChanged `json:"composeActionChanged,omitempty"`
	ParticipantAdded     *ParticipantAdded     `json:"participantAdded,omitempty"`
	ParticipantRemoved   *ParticipantRemoved   `json:"participantRemoved,omitempty"`
}

func NewMessageUpdate(m Message) Update {
	return Update{Kind: KindNewMessage, NewMessage: &NewMessage{Message: m}}
}

func MessageIDAssignedUpdate(u MessageIDAssigned) Update {
	return Update{Kind: KindMessageIDAssigned, MessageIDAssigned: &u}
}

func MessageEditedUpdate(m Message) Update {
	return Update{Kind: KindMessageEdited, MessageEdited: &MessageEdited{Message: m}}
}

func MessagesDeletedUpdate(u MessagesDeleted) Update {
	return Update{Kind: KindMessagesDeleted, MessagesDeleted: &u}
}

func ReactionAddedUpdate(u ReactionAdded) Update {
	return Update{Kind: KindReactionAdded, ReactionAdded: &u}
}

func ReactionDeletedUpdate(u ReactionDeleted) Update {
	return Update{Kind: KindReactionDeleted, ReactionDeleted: &u}
}

func ComposeActionUpdate(u ComposeActionChanged) Update {
	return Update{Kind: KindComposeActionChanged, ComposeActionChanged: &u}
}

func ParticipantAddedUpdate(u ParticipantAdded) Update {
	return Update{Kind: KindParticipantAdded, ParticipantAdded: &u}
}

func ParticipantRemovedUpdate(u ParticipantRemoved) Update {
	return Update{Kind: KindParticipantRemoved, ParticipantRemoved: &u}
}

// Peer returns the (recipient-relative) peer the update is addressed to
func (u Update) Peer() Peer {
	switch u.Kind {
	case KindNewMessage:
		return u.NewMessage.Message.Peer
	case KindMessageIDAssigned:
		return u.MessageIDAssigned.Peer
	case KindMessageEdited:
		return u.MessageEdited.Message.Peer
	case KindMessagesDeleted:
		return u.MessagesDeleted.Peer
	case KindReactionAdded:
		return u.ReactionAdded.Peer
	case KindReactionDeleted:
		return u.ReactionDeleted.Peer
	case KindComposeActionChanged:
		return u.ComposeActionChanged.Peer
	case KindParticipantAdded:
		return u.ParticipantAdded.Peer
	case KindParticipantRemoved:
		return u.ParticipantRemoved.Peer
	}
	return Peer{}
}

// Critical reports whether dropping the update would lose persisted state.
// Compose actions are transient and may be shed under backpressure.
func (u Update) Critical() bool {
	return u.Kind != KindComposeActionChanged
}

// Validate checks that exactly the payload named by Kind is present
func (u Update) Validate() error {
	set := 0
	for _, present := range []bool{
		u.NewMessage != nil,
		u.MessageIDAssigned != nil,
		u.MessageEdited != nil,
		u.MessagesDeleted != nil,
		u.ReactionAdded != nil,
		u.ReactionDeleted != nil,
		u.ComposeActionChanged != nil,
		u.ParticipantAdded != nil,
		u.ParticipantRemoved != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("update %q must carry exactly one payload, has %d", u.Kind, set)
	}

	var ok bool
	switch u.Kind {
	case KindNewMessage:
		ok = u.NewMessage != nil
	case KindMessageIDAssigned:
		ok = u.MessageIDAssigned != nil
	case KindMessageEdited:
		ok = u.MessageEdited != nil
	case KindMessagesDeleted:
		ok = u.MessagesDeleted != nil
	case KindReactionAdded:
		ok = u.ReactionAdded != nil
	case KindReactionDeleted:
		ok = u.ReactionDeleted != nil
	case KindComposeActionChanged:
		ok = u.ComposeActionChanged != nil
	case KindParticipantAdded:
		ok = u.ParticipantAdded != nil
	case KindParticipantRemoved:
		ok = u.ParticipantRemoved != nil
	default:
		return fmt.Errorf("unknown update kind %q", u.Kind)
	}
	if !ok {
		return fmt.Errorf("update %q carries the wrong payload", u.Kind)
	}
	return u.Peer().Validate()
}
