// Package txn runs optimistic transactions: apply locally, call the server,
// then reconcile or roll back. Transactions on one chat run on a single
// lane, one at a time, in submission order.
package txn

import (
	"context"
	"encoding/json"
	"time"

	"chatsync/internal/protocol"
)

// Transaction is one optimistic mutation. The engine calls its hooks in
// order: Optimistic once, Execute one or more times, then DidSucceed, or
// DidFail optionally followed by Rollback.
type Transaction interface {
	// Kind names the transaction type for the journal
	Kind() string
	// Lane is the chat the transaction writes to
	Lane() protocol.Peer

	// Optimistic writes the provisional state locally. No I/O besides the
	// local store.
	Optimistic(ctx context.Context) error
	Execute(ctx context.Context) (protocol.UpdatesResult, error)
	DidSucceed(ctx context.Context, result protocol.UpdatesResult) error
	DidFail(ctx context.Context, cause error) error
	Rollback(ctx context.Context) error
}

// Config is the retry policy of a transaction
type Config struct {
	MaxRetries       int
	RetryDelay       time.Duration
	ExecutionTimeout time.Duration
	// RollbackOnFail removes the provisional state when the transaction
	// fails instead of leaving it visible as failed
	RollbackOnFail bool
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:       30,
		RetryDelay:       5 * time.Second,
		ExecutionTimeout: 10 * time.Second,
	}
}

// Configurer lets a transaction adjust the engine's default policy
type Configurer interface {
	Configure(cfg *Config)
}

// Factory rebuilds a journaled transaction from its payload
type Factory func(payload json.RawMessage) (Transaction, error)
