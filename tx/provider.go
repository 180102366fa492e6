package tx

import "context"

// Tx is a storage transaction. Mutations made through a Tx are isolated
// from other transactions until Commit.
type Tx interface {
	// Commit makes the transaction's mutations durable and visible.
	// Returns txflow.ErrTxConflict on a write conflict (retryable) or
	// txflow.ErrTxAborted on an invariant violation (not retryable).
	Commit(ctx context.Context) error

	// Rollback discards the transaction's mutations. Safe to call after
	// Commit; it is then a no-op.
	Rollback(ctx context.Context) error
}

// Provider opens storage transactions. Every store backend implements it.
type Provider interface {
	BeginTx(ctx context.Context) (Tx, error)
}
