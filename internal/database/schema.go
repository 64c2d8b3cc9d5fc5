package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	is_online  BOOLEAN NOT NULL DEFAULT false,
	last_seen  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS spaces (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS space_members (
	space_id                BIGINT NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
	user_id                 BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	can_access_public_chats BOOLEAN NOT NULL DEFAULT true,
	joined_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (space_id, user_id)
);

CREATE TABLE IF NOT EXISTS chats (
	id            BIGSERIAL PRIMARY KEY,
	type          TEXT NOT NULL CHECK (type IN ('private', 'thread')),
	min_user_id   BIGINT REFERENCES users(id),
	max_user_id   BIGINT REFERENCES users(id),
	space_id      BIGINT REFERENCES spaces(id) ON DELETE CASCADE,
	public_thread BOOLEAN NOT NULL DEFAULT false,
	title         TEXT,
	last_msg_id   BIGINT NOT NULL DEFAULT 0,
	msg_seq       BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS chats_private_pair
	ON chats (min_user_id, max_user_id) WHERE type = 'private';

CREATE TABLE IF NOT EXISTS chat_participants (
	chat_id BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	date    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chat_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	chat_id         BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	message_id      BIGINT NOT NULL,
	from_id         BIGINT NOT NULL REFERENCES users(id),
	text            TEXT,
	random_id       BIGINT,
	reply_to_msg_id BIGINT,
	date            TIMESTAMPTZ NOT NULL,
	edit_date       TIMESTAMPTZ,
	version         BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (chat_id, message_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_sender_nonce
	ON messages (from_id, random_id) WHERE random_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS reactions (
	chat_id    BIGINT NOT NULL,
	message_id BIGINT NOT NULL,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	emoji      TEXT NOT NULL,
	date       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chat_id, message_id, user_id, emoji),
	FOREIGN KEY (chat_id, message_id) REFERENCES messages(chat_id, message_id) ON DELETE CASCADE
);
`

// Migrate creates the schema if it does not exist yet
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
