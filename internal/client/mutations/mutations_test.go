package mutations

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/client/localstore"
	"chatsync/internal/client/reconcile"
	"chatsync/internal/client/txn"
	"chatsync/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self = int64(1)

var (
	bob  = protocol.UserPeer(2)
	date = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// fakeRPC answers like the server would for a single chat
type fakeRPC struct {
	mu     sync.Mutex
	calls  []string
	nextID int64
	err    map[string]error
	block  chan struct{}
}

func newFakeRPC() *fakeRPC { return &fakeRPC{nextID: 1001, err: map[string]error{}} }

func (f *fakeRPC) record(method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err := f.err[method]
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeRPC) fail(method string, err error) {
	f.mu.Lock()
	f.err[method] = err
	f.mu.Unlock()
}

func (f *fakeRPC) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRPC) SendMessage(_ context.Context, in protocol.SendMessageInput) (protocol.UpdatesResult, error) {
	if err := f.record(protocol.MethodSendMessage); err != nil {
		return protocol.UpdatesResult{}, err
	}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.mu.Unlock()

	m := protocol.Message{ID: id, ChatID: 7, FromID: self, Peer: in.Peer, Date: *in.SendDate,
		Text: in.Text, RandomID: in.RandomID, Out: true, Version: 1}
	return protocol.UpdatesResult{Updates: []protocol.Update{
		protocol.MessageIDAssignedUpdate(protocol.MessageIDAssigned{Peer: in.Peer, ChatID: 7, MessageID: id, RandomID: in.RandomID}),
		protocol.NewMessageUpdate(m),
	}}, nil
}

func (f *fakeRPC) EditMessage(_ context.Context, in protocol.EditMessageInput) (protocol.UpdatesResult, error) {
	if err := f.record(protocol.MethodEditMessage); err != nil {
		return protocol.UpdatesResult{}, err
	}
	edited := date.Add(time.Minute)
	m := protocol.Message{ID: in.MessageID, ChatID: 7, FromID: self, Peer: in.Peer, Date: date,
		EditDate: &edited, Text: protocol.StringPtr(in.Text), Out: true, Version: 2}
	return protocol.UpdatesResult{Updates: []protocol.Update{protocol.MessageEditedUpdate(m)}}, nil
}

func (f *fakeRPC) DeleteMessages(_ context.Context, in protocol.DeleteMessagesInput) (protocol.UpdatesResult, error) {
	if err := f.record(protocol.MethodDeleteMessages); err != nil {
		return protocol.UpdatesResult{}, err
	}
	return protocol.UpdatesResult{Updates: []protocol.Update{
		protocol.MessagesDeletedUpdate(protocol.MessagesDeleted{Peer: in.Peer, ChatID: 7, MessageIDs: in.MessageIDs}),
	}}, nil
}

func (f *fakeRPC) AddReaction(_ context.Context, in protocol.ReactionInput) (protocol.UpdatesResult, error) {
	if err := f.record(protocol.MethodAddReaction); err != nil {
		return protocol.UpdatesResult{}, err
	}
	return protocol.UpdatesResult{Updates: []protocol.Update{
		protocol.ReactionAddedUpdate(protocol.ReactionAdded{Peer: in.Peer, Reaction: protocol.Reaction{
			ChatID: 7, MessageID: in.MessageID, UserID: self, Emoji: in.Emoji, Date: date}}),
	}}, nil
}

func (f *fakeRPC) DeleteReaction(_ context.Context, in protocol.ReactionInput) (protocol.UpdatesResult, error) {
	if err := f.record(protocol.MethodDeleteReaction); err != nil {
		return protocol.UpdatesResult{}, err
	}
	return protocol.UpdatesResult{Updates: []protocol.Update{
		protocol.ReactionDeletedUpdate(protocol.ReactionDeleted{Peer: in.Peer, ChatID: 7, MessageID: in.MessageID, UserID: self, Emoji: in.Emoji}),
	}}, nil
}

type fixture struct {
	store  *localstore.Store
	rpc    *fakeRPC
	deps   *Deps
	engine *txn.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	nonce := int64(40)
	var mu sync.Mutex
	f := &fixture{store: store, rpc: newFakeRPC()}
	f.deps = &Deps{
		Store:      store,
		RPC:        f.rpc,
		Reconciler: reconcile.New(store, self, nil, nil, nil),
		Self:       self,
		Now:        func() time.Time { return date },
		Nonce: func() int64 {
			mu.Lock()
			defer mu.Unlock()
			nonce++
			return nonce
		},
	}
	f.engine = txn.NewEngine(txn.WithConfig(txn.Config{MaxRetries: 0, RetryDelay: time.Millisecond, ExecutionTimeout: time.Second}))
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) run(t *testing.T, tx txn.Transaction) (txn.State, error) {
	t.Helper()
	h, err := f.engine.Submit(context.Background(), tx)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := h.Wait(ctx)
	require.NoError(t, ctx.Err())
	return state, err
}

func (f *fixture) rows(t *testing.T) []localstore.Message {
	t.Helper()
	var out []localstore.Message
	require.NoError(t, f.store.View(context.Background(), func(tx *localstore.Tx) (err error) {
		out, err = tx.Messages(bob, 100)
		return err
	}))
	return out
}

func (f *fixture) seed(t *testing.T, m localstore.Message) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(tx *localstore.Tx) error { return tx.PutMessage(m) }))
}

func sentRow(id, from int64, text string) localstore.Message {
	return localstore.Message{Peer: bob, ChatID: 7, MessageID: id, FromID: from, Date: date,
		Text: protocol.StringPtr(text), Status: protocol.StatusSent, Out: from == self, Version: 1}
}

func TestSendShowsPlaceholderThenCanonicalRow(t *testing.T) {
	f := newFixture(t)
	f.rpc.block = make(chan struct{})

	send := f.deps.SendMessage(bob, "hello", nil)
	assert.Equal(t, int64(41), send.RandomID)
	h, err := f.engine.Submit(context.Background(), send)
	require.NoError(t, err)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-41), rows[0].MessageID)
	assert.Equal(t, protocol.StatusSending, rows[0].Status)

	close(f.rpc.block)
	state, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, txn.StateSucceeded, state)

	rows = f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1001), rows[0].MessageID)
	assert.Equal(t, protocol.StatusSent, rows[0].Status)
	assert.Equal(t, "hello", *rows[0].Text)
}

func TestEmptyTextNeverReachesServer(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Submit(context.Background(), f.deps.SendMessage(bob, "   ", nil))
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Empty(t, f.rows(t))
	assert.Empty(t, f.rpc.called())
}

func TestFailedSendStaysVisibleAndRetries(t *testing.T) {
	f := newFixture(t)
	f.rpc.fail(protocol.MethodSendMessage, apperror.Network(assert.AnError))

	send := f.deps.SendMessage(bob, "hello", nil)
	state, err := f.run(t, send)
	assert.Error(t, err)
	assert.Equal(t, txn.StateFailed, state)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, protocol.StatusFailed, rows[0].Status)
	require.NoError(t, f.store.View(context.Background(), func(tx *localstore.Tx) error {
		ids, err := tx.SentIDsBetween(bob, 1, 1<<62)
		assert.Empty(t, ids)
		return err
	}))

	f.rpc.fail(protocol.MethodSendMessage, nil)
	retry, err := f.deps.RetrySend(context.Background(), bob, send.PlaceholderID())
	require.NoError(t, err)
	assert.NotEqual(t, send.RandomID, retry.RandomID)
	state, err = f.run(t, retry)
	require.NoError(t, err)
	assert.Equal(t, txn.StateSucceeded, state)

	rows = f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, protocol.StatusSent, rows[0].Status)
	assert.Equal(t, retry.RandomID, rows[0].RandomID)
}

func TestRetryOfPendingSendIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, localstore.Message{Peer: bob, MessageID: -9, FromID: self, RandomID: 9, Date: date,
		Text: protocol.StringPtr("x"), Status: protocol.StatusSending, Out: true})

	_, err := f.deps.RetrySend(context.Background(), bob, -9)
	assert.Equal(t, "MESSAGE_PENDING", apperror.CodeOf(err))
}

func TestEditOfFailedSendFoldsIntoRow(t *testing.T) {
	f := newFixture(t)
	f.rpc.fail(protocol.MethodSendMessage, apperror.Validation("X", "rejected"))

	send := f.deps.SendMessage(bob, "helo", nil)
	edit := f.deps.EditMessage(bob, send.PlaceholderID(), "hello")

	hSend, err := f.engine.Submit(context.Background(), send)
	require.NoError(t, err)
	hEdit, err := f.engine.Submit(context.Background(), edit)
	require.NoError(t, err)

	_, err = hSend.Wait(context.Background())
	assert.Error(t, err)
	state, err := hEdit.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, txn.StateSucceeded, state)

	assert.Equal(t, []string{protocol.MethodSendMessage}, f.rpc.called())
	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", *rows[0].Text)
	assert.Equal(t, protocol.StatusFailed, rows[0].Status)
}

func TestEditOfPendingSendTargetsAssignedID(t *testing.T) {
	f := newFixture(t)
	send := f.deps.SendMessage(bob, "helo", nil)
	edit := f.deps.EditMessage(bob, send.PlaceholderID(), "hello")

	_, err := f.engine.Submit(context.Background(), send)
	require.NoError(t, err)
	state, err := f.run(t, edit)
	require.NoError(t, err)
	assert.Equal(t, txn.StateSucceeded, state)

	assert.Equal(t, []string{protocol.MethodSendMessage, protocol.MethodEditMessage}, f.rpc.called())
	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1001), rows[0].MessageID)
	assert.Equal(t, "hello", *rows[0].Text)
	assert.Equal(t, int64(2), rows[0].Version)
}

func TestRejectedEditRestoresText(t *testing.T) {
	f := newFixture(t)
	f.seed(t, sentRow(5, self, "before"))
	f.rpc.fail(protocol.MethodEditMessage, apperror.NotFound("NOT_FOUND", "gone"))

	state, err := f.run(t, f.deps.EditMessage(bob, 5, "after"))
	assert.Error(t, err)
	assert.Equal(t, txn.StateRolledBack, state)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "before", *rows[0].Text)
	assert.Nil(t, rows[0].EditDate)
}

func TestEditOfOthersMessageIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, sentRow(5, 2, "theirs"))

	_, err := f.engine.Submit(context.Background(), f.deps.EditMessage(bob, 5, "mine now"))
	assert.Equal(t, "NOT_AUTHOR", apperror.CodeOf(err))
	assert.Empty(t, f.rpc.called())
}

func TestDeleteRemovesAndRestoresOnFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, sentRow(5, self, "a"))
	f.seed(t, sentRow(6, self, "b"))
	require.NoError(t, f.store.Update(context.Background(), func(tx *localstore.Tx) error {
		return tx.PutReaction(localstore.Reaction{Peer: bob, MessageID: 6, UserID: 2, Emoji: "👍", Date: date})
	}))

	state, err := f.run(t, f.deps.DeleteMessages(bob, 5))
	require.NoError(t, err)
	assert.Equal(t, txn.StateSucceeded, state)
	require.Len(t, f.rows(t), 1)

	f.rpc.fail(protocol.MethodDeleteMessages, apperror.Validation("X", "rejected"))
	state, err = f.run(t, f.deps.DeleteMessages(bob, 6))
	assert.Error(t, err)
	assert.Equal(t, txn.StateRolledBack, state)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(6), rows[0].MessageID)

	rs := reactions(t, f, 6)
	require.Len(t, rs, 1)
	assert.Equal(t, "👍", rs[0].Emoji)
	assert.Equal(t, int64(2), rs[0].UserID)
}

func TestDeleteNotFoundIsNotRestored(t *testing.T) {
	f := newFixture(t)
	f.seed(t, sentRow(5, self, "a"))
	f.rpc.fail(protocol.MethodDeleteMessages, apperror.NotFound("NOT_FOUND", "gone"))

	_, err := f.run(t, f.deps.DeleteMessages(bob, 5))
	assert.Error(t, err)
	assert.Empty(t, f.rows(t))
}

func TestDeleteOfUnsentMessages(t *testing.T) {
	f := newFixture(t)
	f.seed(t, localstore.Message{Peer: bob, MessageID: -9, FromID: self, RandomID: 9, Date: date,
		Text: protocol.StringPtr("x"), Status: protocol.StatusSending, Out: true})
	f.seed(t, localstore.Message{Peer: bob, MessageID: -10, FromID: self, RandomID: 10, Date: date,
		Text: protocol.StringPtr("y"), Status: protocol.StatusFailed, Out: true})

	_, err := f.engine.Submit(context.Background(), f.deps.DeleteMessages(bob, -9))
	assert.Equal(t, "MESSAGE_PENDING", apperror.CodeOf(err))

	state, err := f.run(t, f.deps.DeleteMessages(bob, -10))
	require.NoError(t, err)
	assert.Equal(t, txn.StateSucceeded, state)
	assert.Empty(t, f.rpc.called())

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-9), rows[0].MessageID)
}

func reactions(t *testing.T, f *fixture, id int64) []localstore.Reaction {
	t.Helper()
	var out []localstore.Reaction
	require.NoError(t, f.store.View(context.Background(), func(tx *localstore.Tx) (err error) {
		out, err = tx.Reactions(bob, id)
		return err
	}))
	return out
}

func TestReactionRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t, sentRow(5, 2, "a"))

	_, err := f.run(t, f.deps.AddReaction(bob, 5, "👍"))
	require.NoError(t, err)
	require.Len(t, reactions(t, f, 5), 1)

	_, err = f.run(t, f.deps.DeleteReaction(bob, 5, "👍"))
	require.NoError(t, err)
	assert.Empty(t, reactions(t, f, 5))
}

func TestRejectedReactionIsRolledBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t, sentRow(5, 2, "a"))
	f.rpc.fail(protocol.MethodAddReaction, apperror.NotFound("NOT_FOUND", "gone"))

	state, err := f.run(t, f.deps.AddReaction(bob, 5, "👍"))
	assert.Error(t, err)
	assert.Equal(t, txn.StateRolledBack, state)
	assert.Empty(t, reactions(t, f, 5))

	_, err = f.engine.Submit(context.Background(), f.deps.AddReaction(bob, -3, "👍"))
	assert.Equal(t, "MESSAGE_PENDING", apperror.CodeOf(err))
}

func TestFactoriesRebuildJournaledTransactions(t *testing.T) {
	f := newFixture(t)
	factories := f.deps.Factories()

	send := f.deps.SendMessage(bob, "hello", nil)
	payload, err := json.Marshal(send)
	require.NoError(t, err)

	tx, err := factories[KindSendMessage](payload)
	require.NoError(t, err)
	rebuilt, ok := tx.(*SendMessage)
	require.True(t, ok)
	assert.Equal(t, send.RandomID, rebuilt.RandomID)
	assert.Equal(t, bob, rebuilt.Lane())
	assert.Same(t, f.deps, rebuilt.d)

	for _, kind := range []string{KindSendMessage, KindEditMessage, KindDeleteMessages, KindAddReaction, KindDeleteReaction} {
		assert.Contains(t, factories, kind)
	}
}
