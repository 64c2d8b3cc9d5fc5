package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCancelled is the failure cause of a cancelled transaction
var ErrCancelled = errors.New("transaction cancelled")

// Handle tracks one submitted transaction
type Handle struct {
	ID          string
	SubmittedAt time.Time

	tx  Transaction
	cfg Config

	mu        sync.Mutex
	state     State
	err       error
	cancelled chan struct{}
	cancelOne sync.Once
	done      chan struct{}
}

func newHandle(id string, tx Transaction, cfg Config, submittedAt time.Time) *Handle {
	return &Handle{
		ID:          id,
		SubmittedAt: submittedAt,
		tx:          tx,
		cfg:         cfg,
		state:       StateCreated,
		cancelled:   make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (h *Handle) Kind() string { return h.tx.Kind() }

func (h *Handle) Lane() protocol.Peer { return h.tx.Lane() }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err is the failure cause once the transaction failed
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the engine is finished with the transaction
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the transaction finishes or ctx ends
func (h *Handle) Wait(ctx context.Context) (State, error) {
	select {
	case <-h.done:
		return h.State(), h.Err()
	case <-ctx.Done():
		return h.State(), ctx.Err()
	}
}

func (h *Handle) fire(e Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	to, err := next(h.state, e)
	if err != nil {
		return false
	}
	h.state = to
	return true
}

// fireFrom applies e only when the handle is currently in from
func (h *Handle) fireFrom(from State, e Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	to, err := next(h.state, e)
	if err != nil {
		return false
	}
	h.state = to
	return true
}

func (h *Handle) isCancelled() bool {
	select {
	case <-h.cancelled:
		return true
	default:
		return false
	}
}

// lane serializes the transactions of one chat
type lane struct {
	apply sync.Mutex // held while an optimistic step runs
	queue *queue
}

// Engine applies transactions optimistically and executes them on per-chat
// lanes. Lanes of different chats execute concurrently.
type Engine struct {
	defaults  Config
	journal   Journal
	factories map[string]Factory
	onUnknown func(ctx context.Context, peer protocol.Peer)
	log       *zap.SugaredLogger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lanes   map[string]*lane
	pending map[string]*Handle
}

type Option func(*Engine)

func WithConfig(cfg Config) Option { return func(e *Engine) { e.defaults = cfg } }

func WithJournal(j Journal) Option { return func(e *Engine) { e.journal = j } }

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = logging.OrNop(l) } }

// WithFactories registers how journaled transactions are rebuilt by kind
func WithFactories(f map[string]Factory) Option {
	return func(e *Engine) {
		for kind, fn := range f {
			e.factories[kind] = fn
		}
	}
}

// WithResync sets the hook called when a transaction gives up after a
// timeout. The server may have applied it, so the chat should be refetched.
func WithResync(fn func(ctx context.Context, peer protocol.Peer)) Option {
	return func(e *Engine) { e.onUnknown = fn }
}

func NewEngine(opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		defaults:  DefaultConfig(),
		journal:   nopJournal{},
		factories: map[string]Factory{},
		log:       logging.Nop(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     map[string]*lane{},
		pending:   map[string]*Handle{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close stops all lanes. Transactions still executing stay in the journal
// and are picked up by Restore on the next start.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) configFor(tx Transaction) Config {
	cfg := e.defaults
	if c, ok := tx.(Configurer); ok {
		c.Configure(&cfg)
	}
	return cfg
}

func (e *Engine) lane(peer protocol.Peer) *lane {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := peer.String()
	l, ok := e.lanes[key]
	if !ok {
		l = &lane{queue: newQueue()}
		e.lanes[key] = l
		e.wg.Add(1)
		go e.runLane(l)
	}
	return l
}

// Submit applies tx optimistically and queues it for execution. A failing
// optimistic step is returned as is and nothing is sent.
func (e *Engine) Submit(ctx context.Context, tx Transaction) (*Handle, error) {
	if err := tx.Lane().Validate(); err != nil {
		return nil, apperror.Validation("INVALID_PEER", err.Error())
	}
	if e.ctx.Err() != nil {
		return nil, errors.New("transaction engine closed")
	}

	h := newHandle(uuid.NewString(), tx, e.configFor(tx), e.now())
	l := e.lane(tx.Lane())

	l.apply.Lock()
	err := tx.Optimistic(ctx)
	l.apply.Unlock()
	if err != nil {
		h.fire(EventReject)
		e.finish(h, err)
		return h, fmt.Errorf("optimistic %s: %w", tx.Kind(), err)
	}
	h.fire(EventSubmit)

	payload, err := json.Marshal(tx)
	if err == nil {
		err = e.journal.Put(Record{
			ID:          h.ID,
			Kind:        tx.Kind(),
			Lane:        tx.Lane().String(),
			Payload:     payload,
			SubmittedAt: h.SubmittedAt,
		})
	}
	if err != nil {
		// The transaction still runs; it only won't survive a restart
		e.log.Warnf("failed to journal transaction %s: %v", h.ID, err)
	}

	e.enqueue(l, h)
	e.log.Debugw("transaction submitted", "txID", h.ID, "kind", tx.Kind(), "peer", tx.Lane().String())
	return h, nil
}

// Restore queues the journaled transactions left by a previous run. Their
// optimistic state is already in the local store, so only execution runs.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	records, err := e.journal.List()
	if err != nil {
		return 0, fmt.Errorf("list journal: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		factory, ok := e.factories[rec.Kind]
		if !ok {
			e.log.Warnf("dropping journaled transaction %s of unknown kind %q", rec.ID, rec.Kind)
			e.journal.Delete(rec.ID)
			continue
		}
		tx, err := factory(rec.Payload)
		if err != nil {
			e.log.Warnf("dropping unreadable transaction %s: %v", rec.ID, err)
			e.journal.Delete(rec.ID)
			continue
		}

		h := newHandle(rec.ID, tx, e.configFor(tx), rec.SubmittedAt)
		h.fire(EventSubmit)
		e.enqueue(e.lane(tx.Lane()), h)
		restored++
	}
	if restored > 0 {
		e.log.Infof("restored %d pending transactions", restored)
	}
	return restored, nil
}

func (e *Engine) enqueue(l *lane, h *Handle) {
	e.mu.Lock()
	e.pending[h.ID] = h
	e.mu.Unlock()
	l.queue.push(h)
}

// Pending returns the transactions not yet finished, oldest first
func (e *Engine) Pending() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Handle, 0, len(e.pending))
	for _, h := range e.pending {
		out = append(out, h)
	}
	sortHandles(out)
	return out
}

// Cancel stops a pending transaction and rolls it back. A remote call
// already in flight is not aborted; its outcome is still reconciled.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	h, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return apperror.NotFound("TX_NOT_FOUND", "no pending transaction "+id)
	}

	h.cancelOne.Do(func() { close(h.cancelled) })

	// Not started yet: fail it now instead of waiting for the lane
	if h.fireFrom(StateApplied, EventReject) {
		e.fail(h, ErrCancelled, true)
	}
	return nil
}

func (e *Engine) runLane(l *lane) {
	defer e.wg.Done()
	for {
		if h, ok := l.queue.pop(); ok {
			e.run(h)
			continue
		}
		select {
		case <-l.queue.signal:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) run(h *Handle) {
	if e.ctx.Err() != nil {
		return
	}
	if !h.fire(EventExecute) {
		// cancelled while queued
		return
	}

	var lastErr error
	// set once any attempt may have reached the server without an answer
	unknown := false
	for attempt := 0; ; attempt++ {
		result, err := e.execute(h)
		if err == nil {
			e.succeed(h, result)
			return
		}
		lastErr = err
		unknown = unknown || apperror.Is(err, apperror.KindNetwork)
		if e.ctx.Err() != nil {
			// shutting down; the journal keeps it
			return
		}
		if !apperror.IsRetryable(err) || attempt >= h.cfg.MaxRetries || h.isCancelled() {
			break
		}

		e.log.Infow("transaction will retry", "txID", h.ID, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(h.cfg.RetryDelay):
		case <-h.cancelled:
			lastErr = ErrCancelled
		case <-e.ctx.Done():
			return
		}
		if errors.Is(lastErr, ErrCancelled) {
			break
		}
	}

	h.fire(EventReject)
	e.fail(h, lastErr, h.cfg.RollbackOnFail || h.isCancelled())

	if unknown && e.onUnknown != nil {
		e.onUnknown(e.ctx, h.tx.Lane())
	}
}

func (e *Engine) execute(h *Handle) (protocol.UpdatesResult, error) {
	ctx, cancel := context.WithTimeout(e.ctx, h.cfg.ExecutionTimeout)
	defer cancel()

	result, err := h.tx.Execute(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !apperror.IsTimeout(err) {
		// outcome unknown: the server may have applied it
		err = apperror.Network(context.DeadlineExceeded)
	}
	return result, err
}

func (e *Engine) succeed(h *Handle, result protocol.UpdatesResult) {
	if err := h.tx.DidSucceed(e.ctx, result); err != nil {
		e.log.Errorw("failed to reconcile transaction result", "txID", h.ID, "error", err)
	}
	h.fire(EventAck)
	e.finish(h, nil)
	e.log.Debugw("transaction succeeded", "txID", h.ID, "kind", h.tx.Kind())
}

// fail runs the failure hooks of a transaction already in StateFailed
func (e *Engine) fail(h *Handle, cause error, rollback bool) {
	if err := h.tx.DidFail(e.ctx, cause); err != nil {
		e.log.Errorw("didFail hook failed", "txID", h.ID, "error", err)
	}
	if rollback {
		if err := h.tx.Rollback(e.ctx); err != nil {
			e.log.Errorw("rollback failed", "txID", h.ID, "error", err)
		} else {
			h.fire(EventRollback)
		}
	}
	e.finish(h, cause)
	e.log.Warnw("transaction failed", "txID", h.ID, "kind", h.tx.Kind(), "rolledBack", rollback, "error", cause)
}

func (e *Engine) finish(h *Handle, cause error) {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return
	default:
	}
	h.err = cause
	close(h.done)
	h.mu.Unlock()

	e.mu.Lock()
	delete(e.pending, h.ID)
	e.mu.Unlock()

	if err := e.journal.Delete(h.ID); err != nil {
		e.log.Warnf("failed to remove transaction %s from journal: %v", h.ID, err)
	}
}
