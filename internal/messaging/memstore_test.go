package messaging

import (
	"context"
	"slices"
	"sync"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
)

type nonceKey struct{ fromID, randomID int64 }

type msgKey struct{ chatID, messageID int64 }

// memStore mirrors the Postgres store semantics in memory
type memStore struct {
	mu           sync.Mutex
	users        map[int64]bool
	chats        map[int64]*models.Chat
	nextChatID   int64
	spaces       map[int64][]int64
	participants map[int64][]int64
	messages     map[msgKey]*models.Message
	nonces       map[nonceKey]msgKey
	reactions    map[models.Reaction]bool
}

func newMemStore(users ...int64) *memStore {
	s := &memStore{
		users:        map[int64]bool{},
		chats:        map[int64]*models.Chat{},
		nextChatID:   100,
		spaces:       map[int64][]int64{},
		participants: map[int64][]int64{},
		messages:     map[msgKey]*models.Message{},
		nonces:       map[nonceKey]msgKey{},
		reactions:    map[models.Reaction]bool{},
	}
	for _, id := range users {
		s.users[id] = true
	}
	return s
}

func (s *memStore) addThread(id int64, spaceID *int64, public bool, participants ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[id] = &models.Chat{ID: id, Type: models.ChatThread, SpaceID: spaceID, Public: public}
	s.participants[id] = participants
}

func (s *memStore) UserExists(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *memStore) ChatByPeer(_ context.Context, actorID int64, peer protocol.Peer) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := peer.ThreadID(); ok {
		chat, found := s.chats[id]
		if !found {
			return nil, apperror.NotFound("NOT_FOUND", "chat not found")
		}
		c := *chat
		return &c, nil
	}
	other, _ := peer.UserID()
	if !s.users[other] {
		return nil, apperror.NotFound("USER_NOT_FOUND", "peer user not found")
	}
	minID, maxID := min(actorID, other), max(actorID, other)
	for _, chat := range s.chats {
		if chat.Type == models.ChatPrivate && *chat.MinUserID == minID && *chat.MaxUserID == maxID {
			c := *chat
			return &c, nil
		}
	}
	s.nextChatID++
	chat := &models.Chat{ID: s.nextChatID, Type: models.ChatPrivate, MinUserID: &minID, MaxUserID: &maxID}
	s.chats[chat.ID] = chat
	c := *chat
	return &c, nil
}

func (s *memStore) SpaceMemberIDs(_ context.Context, spaceID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.spaces[spaceID]), nil
}

func (s *memStore) ChatParticipantIDs(_ context.Context, chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.participants[chatID]), nil
}

func (s *memStore) AddParticipant(_ context.Context, chatID, userID int64, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.participants[chatID], userID) {
		return false, nil
	}
	s.participants[chatID] = append(s.participants[chatID], userID)
	return true, nil
}

func (s *memStore) RemoveParticipant(_ context.Context, chatID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.participants[chatID])
	s.participants[chatID] = slices.DeleteFunc(s.participants[chatID], func(id int64) bool { return id == userID })
	return len(s.participants[chatID]) != before, nil
}

func (s *memStore) InsertMessage(_ context.Context, draft models.MessageDraft) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.nonces[nonceKey{draft.FromID, draft.RandomID}]; ok {
		m := *s.messages[key]
		return &m, false, nil
	}
	chat, ok := s.chats[draft.ChatID]
	if !ok {
		return nil, false, apperror.NotFound("NOT_FOUND", "chat not found")
	}
	chat.MsgSeq++
	chat.LastMsgID = chat.MsgSeq
	randomID := draft.RandomID
	msg := &models.Message{
		ChatID:    draft.ChatID,
		MessageID: chat.MsgSeq,
		FromID:    draft.FromID,
		Text:      draft.Text,
		RandomID:  &randomID,
		ReplyToID: draft.ReplyToID,
		Date:      draft.Date,
		Version:   1,
	}
	key := msgKey{msg.ChatID, msg.MessageID}
	s.messages[key] = msg
	s.nonces[nonceKey{draft.FromID, draft.RandomID}] = key
	m := *msg
	return &m, true, nil
}

func (s *memStore) MessageByID(_ context.Context, chatID, messageID int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[msgKey{chatID, messageID}]
	if !ok {
		return nil, apperror.NotFound("NOT_FOUND", "message not found")
	}
	m := *msg
	return &m, nil
}

func (s *memStore) EditMessage(_ context.Context, chatID, messageID, fromID int64, text string, date time.Time) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[msgKey{chatID, messageID}]
	if !ok || msg.FromID != fromID {
		return nil, apperror.NotFound("NOT_FOUND", "message not found")
	}
	msg.Text = &text
	msg.EditDate = &date
	msg.Version++
	m := *msg
	return &m, nil
}

func (s *memStore) DeleteMessages(_ context.Context, chatID, fromID int64, messageIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []int64
	for _, id := range messageIDs {
		key := msgKey{chatID, id}
		msg, ok := s.messages[key]
		if !ok || msg.FromID != fromID {
			continue
		}
		delete(s.messages, key)
		for r := range s.reactions {
			if r.ChatID == chatID && r.MessageID == id {
				delete(s.reactions, r)
			}
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (s *memStore) History(_ context.Context, chatID, beforeID int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for key, msg := range s.messages {
		if key.chatID == chatID && (beforeID == 0 || key.messageID < beforeID) {
			out = append(out, *msg)
		}
	}
	slices.SortFunc(out, func(a, b models.Message) int { return int(b.MessageID - a.MessageID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Reactions(_ context.Context, chatID int64, messageIDs []int64) ([]models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reaction
	for r := range s.reactions {
		if r.ChatID == chatID && slices.Contains(messageIDs, r.MessageID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func reactionKey(r models.Reaction) models.Reaction {
	r.Date = time.Time{}
	return r
}

func (s *memStore) AddReaction(_ context.Context, r models.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msgKey{r.ChatID, r.MessageID}]; !ok {
		return false, apperror.NotFound("NOT_FOUND", "message not found")
	}
	key := reactionKey(r)
	if s.reactions[key] {
		return false, nil
	}
	s.reactions[key] = true
	return true, nil
}

func (s *memStore) DeleteReaction(_ context.Context, r models.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reactionKey(r)
	if !s.reactions[key] {
		return false, nil
	}
	delete(s.reactions, key)
	return true, nil
}

// recorder is a Dispatcher that keeps every push per user, in order
type recorder struct {
	mu     sync.Mutex
	pushed map[int64][][]protocol.Update
}

func newRecorder() *recorder { return &recorder{pushed: map[int64][][]protocol.Update{}} }

func (r *recorder) PushToUser(userID int64, updates ...protocol.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed[userID] = append(r.pushed[userID], updates)
}

func (r *recorder) flat(userID int64) []protocol.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Update
	for _, batch := range r.pushed[userID] {
		out = append(out, batch...)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = map[int64][][]protocol.Update{}
}
