package protocol

import "time"

// RPC method names, also used as the last path segment of /api/v1/rpc/:method
const (
	MethodSendMessage       = "sendMessage"
	MethodEditMessage       = "editMessage"
	MethodDeleteMessages    = "deleteMessages"
	MethodAddReaction       = "addReaction"
	MethodDeleteReaction    = "deleteReaction"
	MethodSendComposeAction = "sendComposeAction"
	MethodAddParticipant    = "addParticipant"
	MethodRemoveParticipant = "removeParticipant"
)

type SendMessageInput struct {
	Peer      Peer       `json:"peer"`
	Text      *string    `json:"text,omitempty"`
	RandomID  int64      `json:"randomId"`
	ReplyToID *int64     `json:"replyToId,omitempty"`
	SendDate  *time.Time `json:"sendDate,omitempty"`
}

type EditMessageInput struct {
	Peer      Peer   `json:"peer"`
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
}

type DeleteMessagesInput struct {
	Peer       Peer    `json:"peer"`
	MessageIDs []int64 `json:"messageIds"`
}

type ReactionInput struct {
	Peer      Peer   `json:"peer"`
	MessageID int64  `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type SendComposeActionInput struct {
	Peer   Peer          `json:"peer"`
	Action ComposeAction `json:"action"`
}

type ParticipantInput struct {
	Peer   Peer  `json:"peer"`
	UserID int64 `json:"userId"`
}

// UpdatesResult is returned by every mutation: the caller's own updates, in
// the order they were dispatched to the caller's sessions.
type UpdatesResult struct {
	Updates []Update `json:"updates"`
}

// HistoryResult is one page of chat history, newest first
type HistoryResult struct {
	ChatID    int64      `json:"chatId"`
	Messages  []Message  `json:"messages"`
	Reactions []Reaction `json:"reactions"`
	// Newest is true when the page starts at the latest message of the chat
	Newest bool `json:"newest"`
	// Limit is the page size the server applied
	Limit int `json:"limit"`
	// MaxID is the highest id the chat had assigned when the page was read.
	// Ids above it are not covered by the page.
	MaxID int64 `json:"maxId"`
}

// Response is the JSON body shape of every API response
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
}
