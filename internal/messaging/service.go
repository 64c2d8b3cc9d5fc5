// Package messaging implements the server side of every chat mutation:
// validate, persist, resolve recipients, encode per recipient, dispatch.
package messaging

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"chatsync/internal/apperror"
	"chatsync/internal/logging"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
	"chatsync/internal/updates"

	"go.uber.org/zap"
)

const (
	maxTextLength    = 4096
	maxEmojiLength   = 32
	maxDeleteBatch   = 100
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// Store is the persistence the service needs
type Store interface {
	updates.Membership
	UserExists(ctx context.Context, userID int64) (bool, error)
	InsertMessage(ctx context.Context, draft models.MessageDraft) (*models.Message, bool, error)
	MessageByID(ctx context.Context, chatID, messageID int64) (*models.Message, error)
	EditMessage(ctx context.Context, chatID, messageID, fromID int64, text string, date time.Time) (*models.Message, error)
	DeleteMessages(ctx context.Context, chatID, fromID int64, messageIDs []int64) ([]int64, error)
	History(ctx context.Context, chatID, beforeID int64, limit int) ([]models.Message, error)
	Reactions(ctx context.Context, chatID int64, messageIDs []int64) ([]models.Reaction, error)
	AddReaction(ctx context.Context, r models.Reaction) (bool, error)
	DeleteReaction(ctx context.Context, r models.Reaction) (bool, error)
	AddParticipant(ctx context.Context, chatID, userID int64, date time.Time) (bool, error)
	RemoveParticipant(ctx context.Context, chatID, userID int64) (bool, error)
}

type Service struct {
	store    Store
	resolver *updates.Resolver
	dispatch updates.Dispatcher
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewService(store Store, dispatch updates.Dispatcher, log *zap.SugaredLogger) *Service {
	return &Service{
		store:    store,
		resolver: updates.NewResolver(store),
		dispatch: dispatch,
		log:      logging.OrNop(log),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// resolveMember loads the chat behind peer and checks the actor can see it.
// Chats the actor cannot see are reported as not found.
func (s *Service) resolveMember(ctx context.Context, actorID int64, peer protocol.Peer, opts ...updates.ResolveOption) (*models.Chat, updates.UpdateGroup, error) {
	if err := peer.Validate(); err != nil {
		return nil, updates.UpdateGroup{}, apperror.Validation("INVALID_PEER", err.Error())
	}
	chat, group, err := s.resolver.Resolve(ctx, peer, actorID, opts...)
	if err != nil {
		return nil, updates.UpdateGroup{}, err
	}
	if !group.Contains(actorID) {
		return nil, updates.UpdateGroup{}, apperror.NotFound("CHAT_NOT_FOUND", "chat not found")
	}
	return chat, group, nil
}

func validateText(text *string) (string, error) {
	if text == nil || strings.TrimSpace(*text) == "" {
		return "", apperror.Validation("EMPTY_MESSAGE", "message text is required")
	}
	if utf8.RuneCountInString(*text) > maxTextLength {
		return "", apperror.Validation("MESSAGE_TOO_LONG", "message text is too long")
	}
	return *text, nil
}

// SendMessage stores a new message and fans it out. A resubmission with the
// same nonce returns the stored message to the sender only; reusing a nonce
// for different content is a conflict.
func (s *Service) SendMessage(ctx context.Context, actorID int64, in protocol.SendMessageInput) (protocol.UpdatesResult, error) {
	if in.RandomID == 0 {
		return protocol.UpdatesResult{}, apperror.Validation("RANDOM_ID_REQUIRED", "randomId is required")
	}
	if _, err := validateText(in.Text); err != nil {
		return protocol.UpdatesResult{}, err
	}

	chat, group, err := s.resolveMember(ctx, actorID, in.Peer)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	if in.ReplyToID != nil {
		if _, err := s.store.MessageByID(ctx, chat.ID, *in.ReplyToID); err != nil {
			if apperror.Is(err, apperror.KindNotFound) {
				return protocol.UpdatesResult{}, apperror.NotFound("REPLY_NOT_FOUND", "replied message not found")
			}
			return protocol.UpdatesResult{}, err
		}
	}

	msg, created, err := s.store.InsertMessage(ctx, models.MessageDraft{
		ChatID:    chat.ID,
		FromID:    actorID,
		Text:      in.Text,
		RandomID:  in.RandomID,
		ReplyToID: in.ReplyToID,
		Date:      s.now(),
	})
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	if !created {
		if !msg.SameSubmission(chat.ID, in.Text) {
			return protocol.UpdatesResult{}, apperror.Conflict("RANDOM_ID_REUSED", "randomId was already used for another message")
		}
		own := updates.NewMessageUpdates(chat, msg, actorID)
		s.dispatch.PushToUser(actorID, own...)
		s.log.Debugf("duplicate send of message %d in chat %d by user %d", msg.MessageID, chat.ID, actorID)
		return protocol.UpdatesResult{Updates: own}, nil
	}

	own := updates.FanOut(s.dispatch, group, actorID, func(userID int64) []protocol.Update {
		return updates.NewMessageUpdates(chat, msg, userID)
	})
	s.log.Debugf("message %d sent in chat %d by user %d to %d users", msg.MessageID, chat.ID, actorID, len(group.UserIDs))
	return protocol.UpdatesResult{Updates: own}, nil
}

// EditMessage replaces the text of the actor's own message
func (s *Service) EditMessage(ctx context.Context, actorID int64, in protocol.EditMessageInput) (protocol.UpdatesResult, error) {
	if in.MessageID <= 0 {
		return protocol.UpdatesResult{}, apperror.Validation("INVALID_MESSAGE_ID", "messageId is required")
	}
	text, err := validateText(&in.Text)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	chat, group, err := s.resolveMember(ctx, actorID, in.Peer)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	msg, err := s.store.EditMessage(ctx, chat.ID, in.MessageID, actorID, text, s.now())
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	own := updates.FanOut(s.dispatch, group, actorID, func(userID int64) []protocol.Update {
		return []protocol.Update{protocol.MessageEditedUpdate(updates.EncodeMessage(chat, msg, userID))}
	})
	s.log.Debugf("message %d in chat %d edited by user %d (version %d)", msg.MessageID, chat.ID, actorID, msg.Version)
	return protocol.UpdatesResult{Updates: own}, nil
}

// DeleteMessages deletes the actor's own messages among the listed ids
func (s *Service) DeleteMessages(ctx context.Context, actorID int64, in protocol.DeleteMessagesInput) (protocol.UpdatesResult, error) {
	if len(in.MessageIDs) == 0 {
		return protocol.UpdatesResult{}, apperror.Validation("NO_MESSAGES", "messageIds is required")
	}
	if len(in.MessageIDs) > maxDeleteBatch {
		return protocol.UpdatesResult{}, apperror.Validation("TOO_MANY_MESSAGES", "too many messageIds")
	}
	ids := slices.Clone(in.MessageIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if ids[0] <= 0 {
		return protocol.UpdatesResult{}, apperror.Validation("INVALID_MESSAGE_ID", "messageIds must be positive")
	}

	chat, group, err := s.resolveMember(ctx, actorID, in.Peer)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	deleted, err := s.store.DeleteMessages(ctx, chat.ID, actorID, ids)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	if len(deleted) == 0 {
		return protocol.UpdatesResult{}, apperror.NotFound("MESSAGE_NOT_FOUND", "message not found")
	}
	slices.Sort(deleted)

	own := updates.FanOut(s.dispatch, group, actorID, func(userID int64) []protocol.Update {
		return []protocol.Update{protocol.MessagesDeletedUpdate(protocol.MessagesDeleted{
			Peer:       updates.PeerFor(chat, userID),
			ChatID:     chat.ID,
			MessageIDs: deleted,
		})}
	})
	s.log.Debugf("%d messages deleted in chat %d by user %d", len(deleted), chat.ID, actorID)
	return protocol.UpdatesResult{Updates: own}, nil
}

func validateReaction(in protocol.ReactionInput) error {
	if in.MessageID <= 0 {
		return apperror.Validation("INVALID_MESSAGE_ID", "messageId is required")
	}
	if in.Emoji == "" || len(in.Emoji) > maxEmojiLength {
		return apperror.Validation("INVALID_EMOJI", "emoji is required")
	}
	return nil
}

// AddReaction adds the actor's reaction. Adding an existing reaction is a
// no-op that returns no updates.
func (s *Service) AddReaction(ctx context.Context, actorID int64, in protocol.ReactionInput) (protocol.UpdatesResult, error) {
	if err := validateReaction(in); err != nil {
		return protocol.UpdatesResult{}, err
	}
	chat, group, err := s.resolveMember(ctx, actorID, in.Peer)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	if _, err := s.store.MessageByID(ctx, chat.ID, in.MessageID); err != nil {
		return protocol.UpdatesResult{}, err
	}

	reaction := models.Reaction{ChatID: chat.ID, MessageID: in.MessageID, UserID: actorID, Emoji: in.Emoji, Date: s.now()}
	created, err := s.store.AddReaction(ctx, reaction)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	if !created {
		return protocol.UpdatesResult{Updates: []protocol.Update{}}, nil
	}

	encoded := updates.EncodeReaction(&reaction)
	own := updates.FanOut(s.dispatch, group, actorID, func(userID int64) []protocol.Update {
		return []protocol.Update{protocol.ReactionAddedUpdate(protocol.ReactionAdded{
			Peer:     updates.PeerFor(chat, userID),
			Reaction: encoded,
		})}
	})
	return protocol.UpdatesResult{Updates: own}, nil
}

// DeleteReaction removes the actor's reaction; removing a missing one is a no-op
func (s *Service) DeleteReaction(ctx context.Context, actorID int64, in protocol.ReactionInput) (protocol.UpdatesResult, error) {
	if err := validateReaction(in); err != nil {
		return protocol.UpdatesResult{}, err
	}
	chat, group, err := s.resolveMember(ctx, actorID, in.Peer)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	deleted, err := s.store.DeleteReaction(ctx, models.Reaction{ChatID: chat.ID, MessageID: in.MessageID, UserID: actorID, Emoji: in.Emoji})
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	if !deleted {
		return protocol.UpdatesResult{Updates: []protocol.Update{}}, nil
	}

	own := updates.FanOut(s.dispatch, group, actorID, func(userID int64) []protocol.Update {
		return []protocol.Update{protocol.ReactionDeletedUpdate(protocol.ReactionDeleted{
			Peer:      updates.PeerFor(chat, userID),
			ChatID:    chat.ID,
			MessageID: in.MessageID,
			UserID:    actorID,
			Emoji:     in.Emoji,
		})}
	})
	return protocol.UpdatesResult{Updates: own}, nil
}

// SendComposeAction relays a transient compose signal to everyone but the actor
func (s *Service) SendComposeAction(ctx context.Context, actorID int64, in protocol.SendComposeActionInput) (protocol.UpdatesResult, error) {
	if !in.Action.Valid() {
		return protocol.UpdatesResult{}, apperror.Validation("INVALID_ACTION", "unknown compose action")
	}
	chat, group, err := s.resolveMember(ctx, actorID, in.Peer)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	updates.FanOut(s.dispatch, group.Without(actorID), actorID, func(userID int64) []protocol.Update {
		return []protocol.Update{protocol.ComposeActionUpdate(protocol.ComposeActionChanged{
			Peer:   updates.PeerFor(chat, userID),
			UserID: actorID,
			Action: in.Action,
		})}
	})
	return protocol.UpdatesResult{Updates: []protocol.Update{}}, nil
}

// HandleComposeFrame adapts SendComposeAction to the push-stream handler
func (s *Service) HandleComposeFrame(ctx context.Context, userID int64, in protocol.SendComposeActionInput) error {
	_, err := s.SendComposeAction(ctx, userID, in)
	return err
}

func (s *Service) privateThread(ctx context.Context, actorID int64, in protocol.ParticipantInput) (*models.Chat, error) {
	if _, ok := in.Peer.ThreadID(); !ok {
		return nil, apperror.Validation("NOT_A_THREAD", "participants can only be changed on threads")
	}
	if in.UserID <= 0 {
		return nil, apperror.Validation("INVALID_USER_ID", "userId is required")
	}
	chat, _, err := s.resolveMember(ctx, actorID, in.Peer)
	if err != nil {
		return nil, err
	}
	if chat.Type != models.ChatThread || (chat.Public && chat.SpaceID != nil) {
		return nil, apperror.Validation("NOT_PRIVATE_THREAD", "participants can only be changed on private threads")
	}
	return chat, nil
}

// AddParticipant adds a user to a private thread. The new participant is
// part of the group that hears about it.
func (s *Service) AddParticipant(ctx context.Context, actorID int64, in protocol.ParticipantInput) (protocol.UpdatesResult, error) {
	chat, err := s.privateThread(ctx, actorID, in)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	exists, err := s.store.UserExists(ctx, in.UserID)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	if !exists {
		return protocol.UpdatesResult{}, apperror.NotFound("USER_NOT_FOUND", "user not found")
	}

	date := s.now()
	added, err := s.store.AddParticipant(ctx, chat.ID, in.UserID, date)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	if !added {
		return protocol.UpdatesResult{Updates: []protocol.Update{}}, nil
	}

	group, err := s.resolver.ResolveChat(ctx, chat, updates.IncludeUsers(in.UserID))
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	own := updates.FanOut(s.dispatch, group, actorID, func(userID int64) []protocol.Update {
		return []protocol.Update{protocol.ParticipantAddedUpdate(protocol.ParticipantAdded{
			Peer:   protocol.ThreadPeer(chat.ID),
			ChatID: chat.ID,
			UserID: in.UserID,
			Date:   date,
		})}
	})
	s.log.Infof("user %d added to thread %d by user %d", in.UserID, chat.ID, actorID)
	return protocol.UpdatesResult{Updates: own}, nil
}

// RemoveParticipant removes a user from a private thread. The removed user
// is still told about it.
func (s *Service) RemoveParticipant(ctx context.Context, actorID int64, in protocol.ParticipantInput) (protocol.UpdatesResult, error) {
	chat, err := s.privateThread(ctx, actorID, in)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}

	removed, err := s.store.RemoveParticipant(ctx, chat.ID, in.UserID)
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	if !removed {
		return protocol.UpdatesResult{}, apperror.NotFound("PARTICIPANT_NOT_FOUND", "user is not a participant")
	}

	group, err := s.resolver.ResolveChat(ctx, chat, updates.IncludeUsers(in.UserID))
	if err != nil {
		return protocol.UpdatesResult{}, err
	}
	own := updates.FanOut(s.dispatch, group, actorID, func(userID int64) []protocol.Update {
		return []protocol.Update{protocol.ParticipantRemovedUpdate(protocol.ParticipantRemoved{
			Peer:   protocol.ThreadPeer(chat.ID),
			ChatID: chat.ID,
			UserID: in.UserID,
		})}
	})
	s.log.Infof("user %d removed from thread %d by user %d", in.UserID, chat.ID, actorID)
	return protocol.UpdatesResult{Updates: own}, nil
}

// History returns a page of messages addressed for the actor, newest first
func (s *Service) History(ctx context.Context, actorID int64, peer protocol.Peer, beforeID int64, limit int) (protocol.HistoryResult, error) {
	if beforeID < 0 {
		return protocol.HistoryResult{}, apperror.Validation("INVALID_CURSOR", "before must not be negative")
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)

	chat, _, err := s.resolveMember(ctx, actorID, peer)
	if err != nil {
		return protocol.HistoryResult{}, err
	}

	msgs, err := s.store.History(ctx, chat.ID, beforeID, limit)
	if err != nil {
		return protocol.HistoryResult{}, err
	}

	result := protocol.HistoryResult{
		ChatID:    chat.ID,
		Messages:  make([]protocol.Message, 0, len(msgs)),
		Reactions: []protocol.Reaction{},
		Newest:    beforeID == 0,
		Limit:     limit,
		MaxID:     chat.MsgSeq,
	}
	ids := make([]int64, 0, len(msgs))
	for i := range msgs {
		result.Messages = append(result.Messages, updates.EncodeMessage(chat, &msgs[i], actorID))
		ids = append(ids, msgs[i].MessageID)
	}
	if len(ids) == 0 {
		return result, nil
	}

	reactions, err := s.store.Reactions(ctx, chat.ID, ids)
	if err != nil {
		return protocol.HistoryResult{}, err
	}
	for i := range reactions {
		result.Reactions = append(result.Reactions, updates.EncodeReaction(&reactions[i]))
	}
	return result, nil
}
