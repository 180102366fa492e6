package tx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/bus"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// State is the lifecycle state of a unit of work.
type State string

const (
	// StateActive means the unit of work accepts mutations and deferred
	// actions.
	StateActive State = "active"
	// StateCommitted means the storage transaction committed and deferred
	// actions have run.
	StateCommitted State = "committed"
	// StateRolledBack means the storage transaction was discarded and no
	// deferred action ran.
	StateRolledBack State = "rolled_back"
)

// Action is a deferred side effect registered on a unit of work. It runs
// after the storage commit succeeds.
type Action struct {
	Name string
	Fn   func(ctx context.Context) error
}

// UnitOfWork binds a storage transaction to a set of deferred post-commit
// actions. It is not safe for concurrent use by multiple goroutines; each
// unit of work belongs to the request that began it.
type UnitOfWork struct {
	id      id.TxnID
	tx      Tx
	coord   *Coordinator
	started time.Time

	mu      sync.Mutex
	state   State
	actions []Action
}

// ID returns the unit of work's identifier.
func (u *UnitOfWork) ID() id.TxnID { return u.id }

// Tx exposes the underlying storage transaction for mutations.
func (u *UnitOfWork) Tx() Tx { return u.tx }

// State returns the current lifecycle state.
func (u *UnitOfWork) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Defer registers a named deferred action. Actions run in registration
// order after a successful commit, exactly once. Returns ErrTxClosed if
// the unit of work already reached a terminal state.
func (u *UnitOfWork) Defer(name string, fn func(ctx context.Context) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateActive {
		return txflow.ErrTxClosed
	}
	u.actions = append(u.actions, Action{Name: name, Fn: fn})
	return nil
}

// EnqueueOnCommit registers a deferred action that enqueues the given job
// after commit. Missing job fields (ID, Entity, State, RunAt) are filled
// with defaults at registration time.
func (u *UnitOfWork) EnqueueOnCommit(j *job.Job) error {
	if j.ID.IsNil() {
		j.ID = id.NewJobID()
	}
	if j.Entity.CreatedAt.IsZero() {
		j.Entity = txflow.NewEntity()
	}
	if j.State == "" {
		j.State = job.StateQueued
	}
	if j.Queue == "" {
		j.Queue = "default"
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = u.coord.config.MaxAttempts
	}
	if j.RunAt.IsZero() {
		j.RunAt = time.Now().UTC()
	}

	return u.Defer("enqueue:"+j.Name, func(ctx context.Context) error {
		if err := u.coord.jobs.EnqueueJob(ctx, j); err != nil {
			return err
		}
		if u.coord.hooks != nil {
			u.coord.hooks.EmitJobEnqueued(ctx, j)
		}
		return nil
	})
}

// PublishOnCommit registers a deferred action that publishes the given
// event after commit.
func (u *UnitOfWork) PublishOnCommit(evt *bus.Event) error {
	return u.Defer("publish:"+evt.Type, func(ctx context.Context) error {
		return u.coord.bus.Publish(ctx, evt)
	})
}

// Commit commits the storage transaction and, on success, runs all
// deferred actions in registration order. Action failures are logged and
// never roll back the already-committed storage state.
//
// On storage failure the unit of work transitions to rolled_back and the
// classified storage error (ErrTxConflict, ErrTxAborted, or the raw
// error) is returned. Calling Commit on a terminal unit of work returns
// ErrTxClosed.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.state != StateActive {
		u.mu.Unlock()
		return txflow.ErrTxClosed
	}

	if err := u.tx.Commit(ctx); err != nil {
		u.state = StateRolledBack
		actions := len(u.actions)
		u.mu.Unlock()

		u.coord.logger.Debug("unit of work commit failed",
			slog.String("txn_id", u.id.String()),
			slog.Int("deferred_actions_discarded", actions),
			slog.String("error", err.Error()),
		)
		if u.coord.hooks != nil {
			u.coord.hooks.EmitTxRolledBack(ctx, u.id, err)
		}
		return err
	}

	u.state = StateCommitted
	actions := u.actions
	u.actions = nil
	u.mu.Unlock()

	elapsed := time.Since(u.started)
	if u.coord.hooks != nil {
		u.coord.hooks.EmitTxCommitted(ctx, u.id, elapsed)
	}

	for _, a := range actions {
		u.runAction(ctx, a)
	}
	return nil
}

// runAction executes a deferred action with panic recovery. The storage
// commit already happened, so failures are surfaced in the log only.
func (u *UnitOfWork) runAction(ctx context.Context, a Action) {
	defer func() {
		if r := recover(); r != nil {
			u.coord.logger.Error("deferred action panic",
				slog.String("txn_id", u.id.String()),
				slog.String("action", a.Name),
				slog.Any("panic", r),
			)
		}
	}()

	if err := a.Fn(ctx); err != nil {
		u.coord.logger.Error("deferred action failed",
			slog.String("txn_id", u.id.String()),
			slog.String("action", a.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Rollback discards the storage transaction. Rolling back an already
// rolled-back unit of work is a no-op success; rolling back a committed
// one returns ErrTxClosed.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	switch u.state {
	case StateRolledBack:
		u.mu.Unlock()
		return nil
	case StateCommitted:
		u.mu.Unlock()
		return txflow.ErrTxClosed
	case StateActive:
	}
	u.state = StateRolledBack
	u.actions = nil
	u.mu.Unlock()

	err := u.tx.Rollback(ctx)
	if u.coord.hooks != nil {
		u.coord.hooks.EmitTxRolledBack(ctx, u.id, err)
	}
	return err
}
