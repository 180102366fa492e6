package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xraph/txflow"
	txpkg "github.com/xraph/txflow/tx"
)

// BeginTx opens a SERIALIZABLE transaction. Serialization failures and
// deadlocks surface as txflow.ErrTxConflict on Commit so the coordinator
// can retry the whole unit of work.
func (s *Store) BeginTx(ctx context.Context) (txpkg.Tx, error) {
	bunTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("txflow/bun: begin tx: %w", err)
	}
	return &Tx{tx: bunTx}, nil
}

// Tx wraps a bun transaction and translates PostgreSQL error codes into
// the coordinator's sentinel errors.
type Tx struct {
	tx   bun.Tx
	done bool
}

// Bun returns the underlying bun.Tx for running queries inside the
// transaction.
func (t *Tx) Bun() bun.Tx { return t.tx }

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return txflow.ErrTxClosed
	}
	t.done = true

	if err := t.tx.Commit(); err != nil {
		return translateDriverError(err)
	}
	return nil
}

// Rollback discards the transaction. A no-op after Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("txflow/bun: rollback: %w", err)
	}
	return nil
}

// translateDriverError maps SQLSTATE classes to sentinel errors:
// serialization failures and deadlocks (40001, 40P01) are retryable
// conflicts; integrity violations (class 23) are non-retryable aborts.
func translateDriverError(err error) error {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		code := pgErr.Field('C')
		switch {
		case code == "40001" || code == "40P01":
			return fmt.Errorf("%w: %s", txflow.ErrTxConflict, pgErr.Field('M'))
		case strings.HasPrefix(code, "23"):
			return fmt.Errorf("%w: %s", txflow.ErrTxAborted, pgErr.Field('M'))
		}
	}
	return fmt.Errorf("txflow/bun: commit: %w", err)
}
