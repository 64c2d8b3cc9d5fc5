package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/protocol"
)

// Tx is a scoped store transaction handed to Update and View callbacks
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

const messageColumns = `peer_type, peer_id, message_id, chat_id, from_id, random_id, date,
	edit_date, text, reply_to_id, status, out, version`

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m         Message
		kind      string
		peerID    int64
		randomID  sql.NullInt64
		date      int64
		editDate  sql.NullInt64
		text      sql.NullString
		replyToID sql.NullInt64
		status    string
	)
	err := row.Scan(&kind, &peerID, &m.MessageID, &m.ChatID, &m.FromID, &randomID, &date,
		&editDate, &text, &replyToID, &status, &m.Out, &m.Version)
	if err != nil {
		return Message{}, err
	}

	peer, err := protocol.NewPeer(protocol.PeerKind(kind), peerID)
	if err != nil {
		return Message{}, fmt.Errorf("stored message has bad peer: %w", err)
	}
	m.Peer = peer
	m.RandomID = randomID.Int64
	m.Date = fromMillis(date)
	if editDate.Valid {
		t := fromMillis(editDate.Int64)
		m.EditDate = &t
	}
	if text.Valid {
		m.Text = &text.String
	}
	if replyToID.Valid {
		m.ReplyToID = &replyToID.Int64
	}
	m.Status = protocol.MessageStatus(status)
	return m, nil
}

func nullInt(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: v != 0} }

func nullIntPtr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// SetChatID remembers which server chat a peer maps to
func (t *Tx) SetChatID(peer protocol.Peer, chatID int64) error {
	if chatID == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO chats (peer_type, peer_id, chat_id) VALUES (?, ?, ?)
		ON CONFLICT(peer_type, peer_id) DO UPDATE SET chat_id = excluded.chat_id
	`, string(peer.Kind()), peer.ID(), chatID)
	if err != nil {
		return fmt.Errorf("set chat id: %w", err)
	}
	// Rows written before the chat id was known pick it up here
	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE messages SET chat_id = ? WHERE peer_type = ? AND peer_id = ? AND chat_id = 0
	`, chatID, string(peer.Kind()), peer.ID())
	if err != nil {
		return fmt.Errorf("set chat id: %w", err)
	}
	return nil
}

// ChatID returns the server chat id of peer, if known
func (t *Tx) ChatID(peer protocol.Peer) (int64, bool, error) {
	var chatID int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT chat_id FROM chats WHERE peer_type = ? AND peer_id = ?
	`, string(peer.Kind()), peer.ID()).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("chat id: %w", err)
	}
	return chatID, true, nil
}

// PutMessage writes m, replacing any row that collides with it on either
// (peer, message id) or (sender, nonce)
func (t *Tx) PutMessage(m Message) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(m.Peer.Kind()), m.Peer.ID(), m.MessageID, m.ChatID, m.FromID, nullInt(m.RandomID),
		toMillis(m.Date), nullTime(m.EditDate), nullString(m.Text), nullIntPtr(m.ReplyToID),
		string(m.Status), m.Out, m.Version,
	)
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// Message looks a row up by its current id
func (t *Tx) Message(peer protocol.Peer, messageID int64) (Message, bool, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE peer_type = ? AND peer_id = ? AND message_id = ?
	`, string(peer.Kind()), peer.ID(), messageID)
	return oneMessage(row)
}

// MessageByNonce looks a row up by its sender and nonce
func (t *Tx) MessageByNonce(fromID, randomID int64) (Message, bool, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+messageColumns+` FROM messages WHERE from_id = ? AND random_id = ?
	`, fromID, randomID)
	return oneMessage(row)
}

func oneMessage(row *sql.Row) (Message, bool, error) {
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("read message: %w", err)
	}
	return m, true, nil
}

// Readdress rewrites the identity of the row holding (fromID, randomID) in
// place, marking it sent
func (t *Tx) Readdress(fromID, randomID, chatID, messageID int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE messages SET message_id = ?, chat_id = ?, status = ?
		WHERE from_id = ? AND random_id = ?
	`, messageID, chatID, string(protocol.StatusSent), fromID, randomID)
	if err != nil {
		return fmt.Errorf("readdress message: %w", err)
	}
	return nil
}

// SetStatusByNonce moves the (fromID, randomID) row to status when its
// current status is one of from. It reports whether a row changed.
func (t *Tx) SetStatusByNonce(fromID, randomID int64, status protocol.MessageStatus, from ...protocol.MessageStatus) (bool, error) {
	query, args := inStatuses(`
		UPDATE messages SET status = ? WHERE from_id = ? AND random_id = ?`, from)
	res, err := t.tx.ExecContext(t.ctx, query, append([]any{string(status), fromID, randomID}, args...)...)
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteByNonce removes the (fromID, randomID) row when its status is one
// of from. It reports whether a row was removed.
func (t *Tx) DeleteByNonce(fromID, randomID int64, from ...protocol.MessageStatus) (bool, error) {
	query, args := inStatuses(`
		DELETE FROM messages WHERE from_id = ? AND random_id = ?`, from)
	res, err := t.tx.ExecContext(t.ctx, query, append([]any{fromID, randomID}, args...)...)
	if err != nil {
		return false, fmt.Errorf("delete by nonce: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func inStatuses(query string, statuses []protocol.MessageStatus) (string, []any) {
	if len(statuses) == 0 {
		return query, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return query + " AND status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")", args
}

// DeleteMessage removes a row and its reactions
func (t *Tx) DeleteMessage(peer protocol.Peer, messageID int64) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM messages WHERE peer_type = ? AND peer_id = ? AND message_id = ?
	`, string(peer.Kind()), peer.ID(), messageID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM reactions WHERE peer_type = ? AND peer_id = ? AND message_id = ?
	`, string(peer.Kind()), peer.ID(), messageID); err != nil {
		return false, fmt.Errorf("delete reactions: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Messages lists a chat's rows, newest first. Provisional rows sort by date
// with the rest.
func (t *Tx) Messages(peer protocol.Peer, limit int) ([]Message, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE peer_type = ? AND peer_id = ?
		ORDER BY date DESC, message_id DESC
		LIMIT ?
	`, string(peer.Kind()), peer.ID(), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MessagesByStatus lists rows in any chat with the given status
func (t *Tx) MessagesByStatus(status protocol.MessageStatus) ([]Message, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY date
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SentIDsBetween returns the canonical ids of sent rows with lo <= id <= hi
func (t *Tx) SentIDsBetween(peer protocol.Peer, lo, hi int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT message_id FROM messages
		WHERE peer_type = ? AND peer_id = ? AND status = ? AND message_id BETWEEN ? AND ?
		ORDER BY message_id
	`, string(peer.Kind()), peer.ID(), string(protocol.StatusSent), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("list sent ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PutReaction stores r; a duplicate is a no-op
func (t *Tx) PutReaction(r Reaction) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO reactions (peer_type, peer_id, message_id, user_id, emoji, date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, string(r.Peer.Kind()), r.Peer.ID(), r.MessageID, r.UserID, r.Emoji, toMillis(r.Date))
	if err != nil {
		return fmt.Errorf("put reaction: %w", err)
	}
	return nil
}

func (t *Tx) DeleteReaction(r Reaction) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM reactions
		WHERE peer_type = ? AND peer_id = ? AND message_id = ? AND user_id = ? AND emoji = ?
	`, string(r.Peer.Kind()), r.Peer.ID(), r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return false, fmt.Errorf("delete reaction: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Reactions lists the reactions on one message in insertion order
func (t *Tx) Reactions(peer protocol.Peer, messageID int64) ([]Reaction, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT user_id, emoji, date FROM reactions
		WHERE peer_type = ? AND peer_id = ? AND message_id = ?
		ORDER BY date, user_id, emoji
	`, string(peer.Kind()), peer.ID(), messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		r := Reaction{Peer: peer, MessageID: messageID}
		var date int64
		if err := rows.Scan(&r.UserID, &r.Emoji, &date); err != nil {
			return nil, err
		}
		r.Date = fromMillis(date)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceReactions makes rs the full reaction set of one message
func (t *Tx) ReplaceReactions(peer protocol.Peer, messageID int64, rs []Reaction) error {
	if _, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM reactions WHERE peer_type = ? AND peer_id = ? AND message_id = ?
	`, string(peer.Kind()), peer.ID(), messageID); err != nil {
		return fmt.Errorf("replace reactions: %w", err)
	}
	for _, r := range rs {
		if err := t.PutReaction(r); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) PutParticipant(peer protocol.Peer, userID int64, date time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO participants (peer_type, peer_id, user_id, date) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, string(peer.Kind()), peer.ID(), userID, toMillis(date))
	if err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}

func (t *Tx) DeleteParticipant(peer protocol.Peer, userID int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM participants WHERE peer_type = ? AND peer_id = ? AND user_id = ?
	`, string(peer.Kind()), peer.ID(), userID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

// Participants lists the known participants of a thread in ascending order
func (t *Tx) Participants(peer protocol.Peer) ([]int64, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT user_id FROM participants WHERE peer_type = ? AND peer_id = ? ORDER BY user_id
	`, string(peer.Kind()), peer.ID())
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Peers lists every chat the store holds messages or a chat id for
func (t *Tx) Peers() ([]protocol.Peer, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT peer_type, peer_id FROM chats
		UNION
		SELECT DISTINCT peer_type, peer_id FROM messages
		ORDER BY peer_type, peer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []protocol.Peer
	for rows.Next() {
		var kind string
		var id int64
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		peer, err := protocol.NewPeer(protocol.PeerKind(kind), id)
		if err != nil {
			return nil, fmt.Errorf("list peers: %w", err)
		}
		out = append(out, peer)
	}
	return out, rows.Err()
}
