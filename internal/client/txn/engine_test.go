package txn

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// calls is a shared, ordered log of hook invocations
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	c.log = append(c.log, s)
	c.mu.Unlock()
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *calls) count(s string) int {
	n := 0
	for _, v := range c.list() {
		if v == s {
			n++
		}
	}
	return n
}

type fakeTx struct {
	Name   string `json:"name"`
	PeerID int64  `json:"peerId"`

	calls    *calls
	optErr   error
	execute  func(ctx context.Context, attempt int) (protocol.UpdatesResult, error)
	attempts int
	rollback bool
}

func (f *fakeTx) Kind() string        { return "fake" }
func (f *fakeTx) Lane() protocol.Peer { return protocol.UserPeer(f.PeerID) }

func (f *fakeTx) Configure(cfg *Config) {
	if f.rollback {
		cfg.RollbackOnFail = true
	}
}

func (f *fakeTx) Optimistic(context.Context) error {
	f.calls.add(f.Name + ":optimistic")
	return f.optErr
}

func (f *fakeTx) Execute(ctx context.Context) (protocol.UpdatesResult, error) {
	f.calls.add(f.Name + ":execute")
	f.attempts++
	if f.execute == nil {
		return protocol.UpdatesResult{}, nil
	}
	return f.execute(ctx, f.attempts)
}

func (f *fakeTx) DidSucceed(context.Context, protocol.UpdatesResult) error {
	f.calls.add(f.Name + ":didSucceed")
	return nil
}

func (f *fakeTx) DidFail(context.Context, error) error {
	f.calls.add(f.Name + ":didFail")
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.calls.add(f.Name + ":rollback")
	return nil
}

func fastConfig() Config {
	return Config{MaxRetries: 3, RetryDelay: time.Millisecond, ExecutionTimeout: time.Second}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(append([]Option{WithConfig(fastConfig())}, opts...)...)
	t.Cleanup(e.Close)
	return e
}

func waitDone(t *testing.T, h *Handle) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return state
}

func TestSuccessRunsHooksInOrder(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t)

	h, err := e.Submit(context.Background(), &fakeTx{Name: "a", PeerID: 1, calls: c})
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, waitDone(t, h))
	assert.NoError(t, h.Err())
	assert.Equal(t, []string{"a:optimistic", "a:execute", "a:didSucceed"}, c.list())
	assert.Empty(t, e.Pending())
}

func TestOptimisticFailureAbortsBeforeExecute(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t)
	boom := errors.New("disk full")

	h, err := e.Submit(context.Background(), &fakeTx{Name: "a", PeerID: 1, calls: c, optErr: boom})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, StateFailed, waitDone(t, h))
	assert.Equal(t, []string{"a:optimistic"}, c.list())
}

func TestRetryableErrorsAreRetried(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t)

	tx := &fakeTx{Name: "a", PeerID: 1, calls: c, execute: func(_ context.Context, attempt int) (protocol.UpdatesResult, error) {
		if attempt < 3 {
			return protocol.UpdatesResult{}, apperror.Network(errors.New("connection reset"))
		}
		return protocol.UpdatesResult{}, nil
	}}
	h, err := e.Submit(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, waitDone(t, h))
	assert.Equal(t, 3, c.count("a:execute"))
}

func TestRetriesAreBounded(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t)

	tx := &fakeTx{Name: "a", PeerID: 1, calls: c, execute: func(context.Context, int) (protocol.UpdatesResult, error) {
		return protocol.UpdatesResult{}, apperror.Internal(errors.New("db down"))
	}}
	h, err := e.Submit(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, waitDone(t, h))
	assert.Equal(t, 4, c.count("a:execute")) // first try + MaxRetries
	assert.Equal(t, 1, c.count("a:didFail"))
	assert.Zero(t, c.count("a:rollback"))
}

func TestRejectedFailsWithoutRetry(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t)
	rejected := apperror.Validation("TEXT_REQUIRED", "text is required")

	reject := func(context.Context, int) (protocol.UpdatesResult, error) {
		return protocol.UpdatesResult{}, rejected
	}

	h, err := e.Submit(context.Background(), &fakeTx{Name: "a", PeerID: 1, calls: c, execute: reject})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, waitDone(t, h))
	assert.ErrorIs(t, h.Err(), rejected)

	h, err = e.Submit(context.Background(), &fakeTx{Name: "b", PeerID: 1, calls: c, execute: reject, rollback: true})
	require.NoError(t, err)
	assert.Equal(t, StateRolledBack, waitDone(t, h))

	assert.Equal(t, []string{
		"a:optimistic", "a:execute", "a:didFail",
		"b:optimistic", "b:execute", "b:didFail", "b:rollback",
	}, c.list())
}

func TestTimeoutIsUnknownOutcome(t *testing.T) {
	c := &calls{}
	resynced := make(chan protocol.Peer, 1)
	e := newTestEngine(t,
		WithConfig(Config{MaxRetries: 1, RetryDelay: time.Millisecond, ExecutionTimeout: 20 * time.Millisecond}),
		WithResync(func(_ context.Context, peer protocol.Peer) { resynced <- peer }),
	)

	hang := func(ctx context.Context, _ int) (protocol.UpdatesResult, error) {
		<-ctx.Done()
		return protocol.UpdatesResult{}, ctx.Err()
	}
	h, err := e.Submit(context.Background(), &fakeTx{Name: "a", PeerID: 4, calls: c, execute: hang})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, waitDone(t, h))
	assert.True(t, apperror.IsTimeout(h.Err()))
	assert.Equal(t, 2, c.count("a:execute"))

	select {
	case peer := <-resynced:
		assert.Equal(t, protocol.UserPeer(4), peer)
	case <-time.After(time.Second):
		t.Fatal("resync hook not called")
	}
}

func TestEarlierTimeoutStillTriggersResync(t *testing.T) {
	c := &calls{}
	resynced := make(chan protocol.Peer, 1)
	e := newTestEngine(t,
		WithConfig(Config{MaxRetries: 1, RetryDelay: time.Millisecond, ExecutionTimeout: 20 * time.Millisecond}),
		WithResync(func(_ context.Context, peer protocol.Peer) { resynced <- peer }),
	)

	// the first attempt may have landed; the retry never reaches the server
	flaky := func(ctx context.Context, attempt int) (protocol.UpdatesResult, error) {
		if attempt == 1 {
			<-ctx.Done()
			return protocol.UpdatesResult{}, ctx.Err()
		}
		return protocol.UpdatesResult{}, apperror.Network(errors.New("connection refused"))
	}
	h, err := e.Submit(context.Background(), &fakeTx{Name: "a", PeerID: 4, calls: c, execute: flaky})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, waitDone(t, h))
	assert.False(t, apperror.IsTimeout(h.Err()))

	select {
	case peer := <-resynced:
		assert.Equal(t, protocol.UserPeer(4), peer)
	case <-time.After(time.Second):
		t.Fatal("resync hook not called")
	}
}

func TestRejectionDoesNotResync(t *testing.T) {
	resynced := make(chan protocol.Peer, 1)
	e := newTestEngine(t, WithResync(func(_ context.Context, peer protocol.Peer) { resynced <- peer }))

	reject := func(context.Context, int) (protocol.UpdatesResult, error) {
		return protocol.UpdatesResult{}, apperror.Validation("TEXT_REQUIRED", "text is required")
	}
	h, err := e.Submit(context.Background(), &fakeTx{Name: "a", PeerID: 4, calls: &calls{}, execute: reject})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, waitDone(t, h))

	select {
	case <-resynced:
		t.Fatal("a rejected call has a known outcome")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLaneExecutesInSubmissionOrder(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t)
	release := make(chan struct{})

	first := &fakeTx{Name: "first", PeerID: 1, calls: c, execute: func(context.Context, int) (protocol.UpdatesResult, error) {
		<-release
		return protocol.UpdatesResult{}, nil
	}}
	h1, err := e.Submit(context.Background(), first)
	require.NoError(t, err)
	h2, err := e.Submit(context.Background(), &fakeTx{Name: "second", PeerID: 1, calls: c})
	require.NoError(t, err)

	// Another chat is not held up by the blocked lane
	other, err := e.Submit(context.Background(), &fakeTx{Name: "other", PeerID: 2, calls: c})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, waitDone(t, other))

	// Both optimistic steps ran at submit time
	assert.Equal(t, StateApplied, h2.State())
	assert.Zero(t, c.count("second:execute"))

	close(release)
	assert.Equal(t, StateSucceeded, waitDone(t, h1))
	assert.Equal(t, StateSucceeded, waitDone(t, h2))

	var order []string
	for _, call := range c.list() {
		if call == "first:execute" || call == "second:execute" {
			order = append(order, call)
		}
	}
	assert.Equal(t, []string{"first:execute", "second:execute"}, order)
}

func TestCancelQueuedTransactionRollsBack(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t)
	release := make(chan struct{})
	defer close(release)

	_, err := e.Submit(context.Background(), &fakeTx{Name: "first", PeerID: 1, calls: c, execute: func(context.Context, int) (protocol.UpdatesResult, error) {
		<-release
		return protocol.UpdatesResult{}, nil
	}})
	require.NoError(t, err)
	h, err := e.Submit(context.Background(), &fakeTx{Name: "second", PeerID: 1, calls: c})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(h.ID))

	assert.Equal(t, StateRolledBack, waitDone(t, h))
	assert.ErrorIs(t, h.Err(), ErrCancelled)
	assert.Equal(t, 1, c.count("second:rollback"))
	assert.Zero(t, c.count("second:execute"))

	assert.Error(t, e.Cancel(h.ID))
}

func TestCancelInFlightStillReconciles(t *testing.T) {
	c := &calls{}
	e := newTestEngine(t)

	started := make(chan struct{})
	release := make(chan error)
	inFlight := func(context.Context, int) (protocol.UpdatesResult, error) {
		started <- struct{}{}
		return protocol.UpdatesResult{}, <-release
	}

	h, err := e.Submit(context.Background(), &fakeTx{Name: "ok", PeerID: 1, calls: c, execute: inFlight})
	require.NoError(t, err)
	<-started
	require.NoError(t, e.Cancel(h.ID))
	release <- nil
	assert.Equal(t, StateSucceeded, waitDone(t, h))
	assert.Zero(t, c.count("ok:rollback"))

	h, err = e.Submit(context.Background(), &fakeTx{Name: "bad", PeerID: 1, calls: c, execute: inFlight})
	require.NoError(t, err)
	<-started
	require.NoError(t, e.Cancel(h.ID))
	release <- apperror.Network(errors.New("reset"))
	assert.Equal(t, StateRolledBack, waitDone(t, h))
	assert.Equal(t, 1, c.count("bad:execute"))
}

func TestJournalKeepsPendingUntilDone(t *testing.T) {
	j, err := OpenPebbleJournal(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()

	c := &calls{}
	e := newTestEngine(t, WithJournal(j))
	release := make(chan struct{})

	h, err := e.Submit(context.Background(), &fakeTx{Name: "a", PeerID: 3, calls: c, execute: func(context.Context, int) (protocol.UpdatesResult, error) {
		<-release
		return protocol.UpdatesResult{}, nil
	}})
	require.NoError(t, err)

	records, err := j.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, h.ID, records[0].ID)
	assert.Equal(t, "fake", records[0].Kind)
	assert.Equal(t, "user:3", records[0].Lane)
	assert.JSONEq(t, `{"name":"a","peerId":3}`, string(records[0].Payload))

	close(release)
	waitDone(t, h)

	records, err = j.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRestoreExecutesWithoutOptimistic(t *testing.T) {
	j, err := OpenPebbleJournal(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"older", "newer"} {
		require.NoError(t, j.Put(Record{
			ID:          name,
			Kind:        "fake",
			Payload:     json.RawMessage(`{"name":"` + name + `","peerId":1}`),
			SubmittedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, j.Put(Record{ID: "mystery", Kind: "unknown", Payload: json.RawMessage(`{}`), SubmittedAt: base}))

	c := &calls{}
	factory := func(payload json.RawMessage) (Transaction, error) {
		tx := &fakeTx{calls: c}
		return tx, json.Unmarshal(payload, tx)
	}
	e := newTestEngine(t, WithJournal(j), WithFactories(map[string]Factory{"fake": factory}))

	n, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending := e.Pending()
	for _, h := range pending {
		waitDone(t, h)
	}
	assert.Eventually(t, func() bool { return c.count("newer:didSucceed") == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"older:execute", "older:didSucceed", "newer:execute", "newer:didSucceed"}, c.list())

	records, err := j.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSubmitRejectsInvalidLane(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Submit(context.Background(), &fakeTx{Name: "a", calls: &calls{}})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}
