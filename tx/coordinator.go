package tx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/bus"
	"github.com/xraph/txflow/hook"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// DefaultConflictRetries is how many times Run re-executes a unit of
// work after a commit conflict before giving up.
const DefaultConflictRetries = 3

// Coordinator creates units of work bound to storage transactions and
// wires their deferred actions to the job store and event bus.
type Coordinator struct {
	provider Provider
	jobs     job.Store
	bus      bus.Bus
	hooks    *hook.Registry
	logger   *slog.Logger
	config   txflow.Config

	conflictRetries int
	retryDelay      time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithConflictRetries sets how many times Run retries on ErrTxConflict.
func WithConflictRetries(n int) CoordinatorOption {
	return func(c *Coordinator) { c.conflictRetries = n }
}

// WithRetryDelay sets the pause between conflict retries in Run.
func WithRetryDelay(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.retryDelay = d }
}

// NewCoordinator creates a transaction coordinator. hooks may be nil.
func NewCoordinator(provider Provider, jobs job.Store, b bus.Bus, hooks *hook.Registry, logger *slog.Logger, cfg txflow.Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		provider:        provider,
		jobs:            jobs,
		bus:             b,
		hooks:           hooks,
		logger:          logger,
		config:          cfg,
		conflictRetries: DefaultConflictRetries,
		retryDelay:      10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin opens a storage transaction and returns an active unit of work
// bound to it.
func (c *Coordinator) Begin(ctx context.Context) (*UnitOfWork, error) {
	storageTx, err := c.provider.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &UnitOfWork{
		id:      id.NewTxnID(),
		tx:      storageTx,
		coord:   c,
		started: time.Now(),
		state:   StateActive,
	}, nil
}

// Run executes fn inside a fresh unit of work. If fn returns an error
// the unit of work is rolled back and the error returned. Otherwise Run
// commits; on ErrTxConflict the whole cycle is retried from Begin, up to
// the configured retry budget. ErrTxAborted and other errors are never
// retried.
func (c *Coordinator) Run(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.conflictRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying unit of work after conflict",
				slog.Int("attempt", attempt),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		uow, err := c.Begin(ctx)
		if err != nil {
			return err
		}

		if err := fn(ctx, uow); err != nil {
			if rbErr := uow.Rollback(ctx); rbErr != nil {
				c.logger.Warn("rollback after callback error failed",
					slog.String("txn_id", uow.ID().String()),
					slog.String("error", rbErr.Error()),
				)
			}
			return err
		}

		err = uow.Commit(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, txflow.ErrTxConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
