package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatsync/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	bob  = protocol.UserPeer(2)
	date = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func sending(randomID int64, text string) Message {
	return Message{
		Peer:      bob,
		MessageID: PlaceholderID(randomID),
		FromID:    1,
		RandomID:  randomID,
		Date:      date,
		Text:      protocol.StringPtr(text),
		Status:    protocol.StatusSending,
		Out:       true,
	}
}

func TestPutAndReadMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.PutMessage(sending(42, "hello"))
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		m, ok, err := tx.Message(bob, -42)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, m.Provisional())
		assert.Equal(t, "hello", *m.Text)
		assert.Equal(t, protocol.StatusSending, m.Status)
		assert.True(t, m.Out)
		assert.Equal(t, date, m.Date)
		assert.Nil(t, m.EditDate)

		byNonce, ok, err := tx.MessageByNonce(1, 42)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, m, byNonce)

		_, ok, err = tx.Message(bob, 7)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestPutMessageReplacesOnEitherKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.PutMessage(sending(42, "hello")); err != nil {
			return err
		}
		// Same nonce, canonical id: the placeholder row is replaced
		confirmed := sending(42, "hello")
		confirmed.MessageID = 1001
		confirmed.Status = protocol.StatusSent
		return tx.PutMessage(confirmed)
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		list, err := tx.Messages(bob, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(1001), list[0].MessageID)
		return nil
	}))
}

func TestReaddressKeepsRowInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.PutMessage(sending(42, "hello")); err != nil {
			return err
		}
		return tx.Readdress(1, 42, 9, 1001)
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		m, ok, err := tx.Message(bob, 1001)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, protocol.StatusSent, m.Status)
		assert.Equal(t, int64(9), m.ChatID)
		assert.Equal(t, int64(42), m.RandomID)

		_, ok, err = tx.Message(bob, -42)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestStatusAndDeleteByNonceRespectCurrentStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.PutMessage(sending(42, "hello")); err != nil {
			return err
		}
		changed, err := tx.SetStatusByNonce(1, 42, protocol.StatusFailed, protocol.StatusSending)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = tx.SetStatusByNonce(1, 42, protocol.StatusFailed, protocol.StatusSending)
		require.NoError(t, err)
		assert.False(t, changed)

		deleted, err := tx.DeleteByNonce(1, 42, protocol.StatusSending)
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = tx.DeleteByNonce(1, 42, protocol.StatusSending, protocol.StatusFailed)
		require.NoError(t, err)
		assert.True(t, deleted)
		return nil
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.PutMessage(sending(42, "hello")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		list, err := tx.Messages(bob, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	}))
}

func TestChatIDBackfillsRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.PutMessage(sending(42, "hello")); err != nil {
			return err
		}
		return tx.SetChatID(bob, 9)
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		chatID, ok, err := tx.ChatID(bob)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(9), chatID)

		m, _, err := tx.Message(bob, -42)
		require.NoError(t, err)
		assert.Equal(t, int64(9), m.ChatID)
		return nil
	}))
}

func TestReactionsAndRanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		for _, id := range []int64{1, 2, 3} {
			m := sending(100+id, "m")
			m.MessageID = id
			m.Status = protocol.StatusSent
			if err := tx.PutMessage(m); err != nil {
				return err
			}
		}
		r := Reaction{Peer: bob, MessageID: 2, UserID: 1, Emoji: "👍", Date: date}
		if err := tx.PutReaction(r); err != nil {
			return err
		}
		// duplicate is a no-op
		return tx.PutReaction(r)
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		rs, err := tx.Reactions(bob, 2)
		require.NoError(t, err)
		assert.Len(t, rs, 1)

		ids, err := tx.SentIDsBetween(bob, 2, 3)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, ids)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		deleted, err := tx.DeleteMessage(bob, 2)
		require.NoError(t, err)
		assert.True(t, deleted)
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		rs, err := tx.Reactions(bob, 2)
		require.NoError(t, err)
		assert.Empty(t, rs)
		return nil
	}))
}

func TestPeersListsKnownChats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	thread := protocol.ThreadPeer(4)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.SetChatID(thread, 11); err != nil {
			return err
		}
		return tx.PutMessage(sending(5, "hi"))
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		peers, err := tx.Peers()
		require.NoError(t, err)
		assert.ElementsMatch(t, []protocol.Peer{bob, thread}, peers)
		return nil
	}))
}
