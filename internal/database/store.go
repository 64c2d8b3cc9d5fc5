package database

import (
	"context"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/models"
	"chatsync/internal/protocol"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	chatColumns     = `id, type, min_user_id, max_user_id, space_id, public_thread, title, last_msg_id, msg_seq, created_at`
	messageColumns  = `chat_id, message_id, from_id, text, random_id, reply_to_msg_id, date, edit_date, version`
	reactionColumns = `chat_id, message_id, user_id, emoji, date`
)

// Store is the server persistence layer. Concurrency control is scoped to
// the chat row being written; there is no lock across chats.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SetOnline records presence when a user's first session opens or last closes
func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET is_online = $1, last_seen = $2 WHERE id = $3
	`, online, time.Now(), userID)
	return apperror.FromStore(err, "user")
}

func (s *Store) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists)
	return exists, apperror.FromStore(err, "user")
}

func (s *Store) ChatByID(ctx context.Context, chatID int64) (*models.Chat, error) {
	rows, _ := s.pool.Query(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, chatID)
	chat, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Chat])
	if err != nil {
		return nil, apperror.FromStore(err, "chat")
	}
	return chat, nil
}

// ChatByPeer resolves the chat the actor means by peer. A direct chat is
// created on first use; a peer equal to the actor is the saved-messages chat.
func (s *Store) ChatByPeer(ctx context.Context, actorID int64, peer protocol.Peer) (*models.Chat, error) {
	if threadID, ok := peer.ThreadID(); ok {
		return s.ChatByID(ctx, threadID)
	}

	otherID, ok := peer.UserID()
	if !ok {
		return nil, apperror.Validation("INVALID_PEER", "peer is required")
	}
	exists, err := s.UserExists(ctx, otherID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperror.NotFound("USER_NOT_FOUND", "peer user not found")
	}

	minID, maxID := actorID, otherID
	if minID > maxID {
		minID, maxID = maxID, minID
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO chats (type, min_user_id, max_user_id)
		VALUES ('private', $1, $2)
		ON CONFLICT (min_user_id, max_user_id) WHERE type = 'private' DO NOTHING
	`, minID, maxID)
	if err != nil {
		return nil, apperror.FromStore(err, "chat")
	}

	rows, _ := s.pool.Query(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE type = 'private' AND min_user_id = $1 AND max_user_id = $2
	`, minID, maxID)
	chat, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Chat])
	if err != nil {
		return nil, apperror.FromStore(err, "chat")
	}
	return chat, nil
}

// SpaceMemberIDs returns members of a space allowed to see its public threads
func (s *Store) SpaceMemberIDs(ctx context.Context, spaceID int64) ([]int64, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT user_id FROM space_members
		WHERE space_id = $1 AND can_access_public_chats
		ORDER BY user_id
	`, spaceID)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, apperror.FromStore(err, "space members")
}

func (s *Store) ChatParticipantIDs(ctx context.Context, chatID int64) ([]int64, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT user_id FROM chat_participants WHERE chat_id = $1 ORDER BY user_id
	`, chatID)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, apperror.FromStore(err, "participants")
}

// AddParticipant reports false when the user was already a participant
func (s *Store) AddParticipant(ctx context.Context, chatID, userID int64, date time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chat_participants (chat_id, user_id, date)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id) DO NOTHING
	`, chatID, userID, date)
	if err != nil {
		return false, apperror.FromStore(err, "participant")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RemoveParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM chat_participants WHERE chat_id = $1 AND user_id = $2
	`, chatID, userID)
	if err != nil {
		return false, apperror.FromStore(err, "participant")
	}
	return tag.RowsAffected() == 1, nil
}

// InsertMessage assigns the next id in the chat and stores the message.
// When (fromId, randomId) already exists the stored message is returned with
// created=false and nothing is written.
func (s *Store) InsertMessage(ctx context.Context, draft models.MessageDraft) (*models.Message, bool, error) {
	if existing, err := s.messageByNonce(ctx, draft.FromID, draft.RandomID); err == nil {
		return existing, false, nil
	} else if !apperror.Is(err, apperror.KindNotFound) {
		return nil, false, err
	}

	msg, err := s.insertMessageTx(ctx, draft)
	if apperror.Is(err, apperror.KindConflict) {
		// a concurrent submission with the same nonce won the race
		existing, lookupErr := s.messageByNonce(ctx, draft.FromID, draft.RandomID)
		if lookupErr != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

func (s *Store) insertMessageTx(ctx context.Context, draft models.MessageDraft) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `SELECT msg_seq FROM chats WHERE id = $1 FOR UPDATE`, draft.ChatID).Scan(&seq)
	if err != nil {
		return nil, apperror.FromStore(err, "chat")
	}
	next := seq + 1

	rows, _ := tx.Query(ctx, `
		INSERT INTO messages (chat_id, message_id, from_id, text, random_id, reply_to_msg_id, date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		draft.ChatID, next, draft.FromID, draft.Text, draft.RandomID, draft.ReplyToID, draft.Date)
	msg, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Message])
	if err != nil {
		return nil, apperror.FromStore(err, "message")
	}

	_, err = tx.Exec(ctx, `UPDATE chats SET msg_seq = $1, last_msg_id = $1 WHERE id = $2`, next, draft.ChatID)
	if err != nil {
		return nil, apperror.FromStore(err, "chat")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.FromStore(err, "message")
	}
	return msg, nil
}

func (s *Store) messageByNonce(ctx context.Context, fromID, randomID int64) (*models.Message, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE from_id = $1 AND random_id = $2
	`, fromID, randomID)
	msg, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Message])
	if err != nil {
		return nil, apperror.FromStore(err, "message")
	}
	return msg, nil
}

func (s *Store) MessageByID(ctx context.Context, chatID, messageID int64) (*models.Message, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE chat_id = $1 AND message_id = $2
	`, chatID, messageID)
	msg, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Message])
	if err != nil {
		return nil, apperror.FromStore(err, "message")
	}
	return msg, nil
}

// EditMessage replaces the text of a message written by fromID and bumps its
// version. The row update is the serialization point between racing edits.
func (s *Store) EditMessage(ctx context.Context, chatID, messageID, fromID int64, text string, date time.Time) (*models.Message, error) {
	rows, _ := s.pool.Query(ctx, `
		UPDATE messages SET text = $1, edit_date = $2, version = version + 1
		WHERE chat_id = $3 AND message_id = $4 AND from_id = $5
		RETURNING `+messageColumns,
		text, date, chatID, messageID, fromID)
	msg, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Message])
	if err != nil {
		return nil, apperror.FromStore(err, "message")
	}
	return msg, nil
}

// DeleteMessages removes the listed messages written by fromID and returns
// the ids actually deleted. The chat's last message pointer moves back.
func (s *Store) DeleteMessages(ctx context.Context, chatID, fromID int64, messageIDs []int64) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM chats WHERE id = $1 FOR UPDATE`, chatID); err != nil {
		return nil, apperror.FromStore(err, "chat")
	}

	rows, _ := tx.Query(ctx, `
		DELETE FROM messages
		WHERE chat_id = $1 AND from_id = $2 AND message_id = ANY($3)
		RETURNING message_id
	`, chatID, fromID, messageIDs)
	deleted, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, apperror.FromStore(err, "message")
	}

	if len(deleted) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE chats
			SET last_msg_id = COALESCE((SELECT MAX(message_id) FROM messages WHERE chat_id = $1), 0)
			WHERE id = $1
		`, chatID)
		if err != nil {
			return nil, apperror.FromStore(err, "chat")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.Internal(err)
	}
	return deleted, nil
}

// History returns up to limit messages older than beforeID (0 means latest),
// newest first.
func (s *Store) History(ctx context.Context, chatID, beforeID int64, limit int) ([]models.Message, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = $1 AND ($2::bigint = 0 OR message_id < $2)
		ORDER BY message_id DESC
		LIMIT $3
	`, chatID, beforeID, limit)
	msgs, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Message])
	if err != nil {
		return nil, apperror.FromStore(err, "messages")
	}
	return msgs, nil
}

func (s *Store) Reactions(ctx context.Context, chatID int64, messageIDs []int64) ([]models.Reaction, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+reactionColumns+` FROM reactions
		WHERE chat_id = $1 AND message_id = ANY($2)
		ORDER BY message_id, date
	`, chatID, messageIDs)
	reactions, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Reaction])
	if err != nil {
		return nil, apperror.FromStore(err, "reactions")
	}
	return reactions, nil
}

// AddReaction reports false when the same reaction already existed
func (s *Store) AddReaction(ctx context.Context, r models.Reaction) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO reactions (chat_id, message_id, user_id, emoji, date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chat_id, message_id, user_id, emoji) DO NOTHING
	`, r.ChatID, r.MessageID, r.UserID, r.Emoji, r.Date)
	if err != nil {
		return false, apperror.FromStore(err, "message")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteReaction(ctx context.Context, r models.Reaction) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM reactions
		WHERE chat_id = $1 AND message_id = $2 AND user_id = $3 AND emoji = $4
	`, r.ChatID, r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return false, apperror.FromStore(err, "reaction")
	}
	return tag.RowsAffected() == 1, nil
}

// CreateUser, CreateSpace, AddSpaceMember and CreateThread provision the
// directory data that membership resolution reads.

func (s *Store) CreateUser(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO users (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	return id, apperror.FromStore(err, "user")
}

func (s *Store) CreateSpace(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO spaces (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	return id, apperror.FromStore(err, "space")
}

func (s *Store) AddSpaceMember(ctx context.Context, spaceID, userID int64, canAccessPublic bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO space_members (space_id, user_id, can_access_public_chats)
		VALUES ($1, $2, $3)
		ON CONFLICT (space_id, user_id) DO UPDATE SET can_access_public_chats = EXCLUDED.can_access_public_chats
	`, spaceID, userID, canAccessPublic)
	return apperror.FromStore(err, "space member")
}

// CreateThread creates a thread; private threads start with the given participants
func (s *Store) CreateThread(ctx context.Context, title string, spaceID *int64, public bool, participants []int64) (*models.Chat, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	defer tx.Rollback(ctx)

	rows, _ := tx.Query(ctx, `
		INSERT INTO chats (type, space_id, public_thread, title)
		VALUES ('thread', $1, $2, $3)
		RETURNING `+chatColumns,
		spaceID, public, title)
	chat, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Chat])
	if err != nil {
		return nil, apperror.FromStore(err, "chat")
	}

	for _, userID := range participants {
		_, err := tx.Exec(ctx, `
			INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, chat.ID, userID)
		if err != nil {
			return nil, apperror.FromStore(err, "participant")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.Internal(err)
	}
	return chat, nil
}
