package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/txflow"
	txpkg "github.com/xraph/txflow/tx"
)

// BeginTx opens a SERIALIZABLE transaction. Serialization failures and
// deadlocks surface as txflow.ErrTxConflict on Commit so the coordinator
// can retry the whole unit of work.
func (s *Store) BeginTx(ctx context.Context) (txpkg.Tx, error) {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("txflow/postgres: begin tx: %w", err)
	}
	return &Tx{tx: pgxTx}, nil
}

// Tx wraps a pgx transaction and translates PostgreSQL error codes into
// the coordinator's sentinel errors.
type Tx struct {
	tx   pgx.Tx
	done bool
}

// Pgx returns the underlying pgx.Tx for running queries inside the
// transaction.
func (t *Tx) Pgx() pgx.Tx { return t.tx }

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return txflow.ErrTxClosed
	}
	t.done = true

	if err := t.tx.Commit(ctx); err != nil {
		return translatePgError(err)
	}
	return nil
}

// Rollback discards the transaction. A no-op after Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("txflow/postgres: rollback: %w", err)
	}
	return nil
}

// translatePgError maps SQLSTATE classes to sentinel errors:
// serialization failures and deadlocks (40001, 40P01) are retryable
// conflicts; integrity violations (class 23) are non-retryable aborts.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %s", txflow.ErrTxConflict, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %s", txflow.ErrTxAborted, pgErr.Message)
		}
	}
	return fmt.Errorf("txflow/postgres: commit: %w", err)
}
