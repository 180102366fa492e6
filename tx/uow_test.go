package tx_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/bus"
	"github.com/xraph/txflow/hook"
	"github.com/xraph/txflow/job"
	"github.com/xraph/txflow/tx"
)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

type fakeTx struct {
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(_ context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}

// fakeProvider hands out pre-built transactions in sequence.
type fakeProvider struct {
	mu   sync.Mutex
	txs  []*fakeTx
	next int
}

func (p *fakeProvider) BeginTx(_ context.Context) (tx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.txs) {
		p.txs = append(p.txs, &fakeTx{})
	}
	t := p.txs[p.next]
	p.next++
	return t, nil
}

func (p *fakeProvider) beginCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// fakeJobStore records enqueued jobs. Other Store methods are unused in
// these tests and panic via the embedded nil interface.
type fakeJobStore struct {
	job.Store
	mu       sync.Mutex
	enqueued []*job.Job
}

func (s *fakeJobStore) EnqueueJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, j)
	return nil
}

func newCoordinator(t *testing.T, p tx.Provider) (*tx.Coordinator, *fakeJobStore, *bus.InProc) {
	t.Helper()
	jobs := &fakeJobStore{}
	b := bus.NewInProc(slog.Default())
	t.Cleanup(func() { b.Close() })
	hooks := hook.NewRegistry(slog.Default())
	c := tx.NewCoordinator(p, jobs, b, hooks, slog.Default(), txflow.DefaultConfig())
	return c, jobs, b
}

// ──────────────────────────────────────────────────
// Commit / Rollback
// ──────────────────────────────────────────────────

func TestUnitOfWork_CommitRunsActionsInOrder(t *testing.T) {
	p := &fakeProvider{}
	c, _, _ := newCoordinator(t, p)
	ctx := context.Background()

	uow, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		if err := uow.Defer(name, func(_ context.Context) error {
			order = append(order, name)
			return nil
		}); err != nil {
			t.Fatalf("Defer(%s): %v", name, err)
		}
	}

	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if uow.State() != tx.StateCommitted {
		t.Errorf("State = %q, want %q", uow.State(), tx.StateCommitted)
	}

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("expected %d actions, got %d: %v", len(want), len(order), order)
	}
	for i, w := range want {
		if order[i] != w {
			t.Errorf("order[%d] = %q, want %q", i, order[i], w)
		}
	}
}

func TestUnitOfWork_ActionFailureDoesNotAffectOthers(t *testing.T) {
	p := &fakeProvider{}
	c, _, _ := newCoordinator(t, p)
	ctx := context.Background()

	uow, _ := c.Begin(ctx)

	ran := make(map[string]bool)
	uow.Defer("failing", func(_ context.Context) error {
		ran["failing"] = true
		return errors.New("side effect failed")
	})
	uow.Defer("panicking", func(_ context.Context) error {
		ran["panicking"] = true
		panic("side effect panic")
	})
	uow.Defer("healthy", func(_ context.Context) error {
		ran["healthy"] = true
		return nil
	})

	// Commit succeeds even when actions fail: storage is already durable.
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for _, name := range []string{"failing", "panicking", "healthy"} {
		if !ran[name] {
			t.Errorf("action %q did not run", name)
		}
	}
}

func TestUnitOfWork_CommitFailureDiscardsActions(t *testing.T) {
	p := &fakeProvider{txs: []*fakeTx{{commitErr: txflow.ErrTxConflict}}}
	c, _, _ := newCoordinator(t, p)
	ctx := context.Background()

	uow, _ := c.Begin(ctx)

	ran := false
	uow.Defer("never", func(_ context.Context) error {
		ran = true
		return nil
	})

	err := uow.Commit(ctx)
	if !errors.Is(err, txflow.ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict, got %v", err)
	}
	if uow.State() != tx.StateRolledBack {
		t.Errorf("State = %q, want %q", uow.State(), tx.StateRolledBack)
	}
	if ran {
		t.Error("deferred action ran despite commit failure")
	}
}

func TestUnitOfWork_TerminalStateRejectsFurtherUse(t *testing.T) {
	p := &fakeProvider{}
	c, _, _ := newCoordinator(t, p)
	ctx := context.Background()

	uow, _ := c.Begin(ctx)
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := uow.Commit(ctx); !errors.Is(err, txflow.ErrTxClosed) {
		t.Errorf("second Commit: expected ErrTxClosed, got %v", err)
	}
	if err := uow.Rollback(ctx); !errors.Is(err, txflow.ErrTxClosed) {
		t.Errorf("Rollback after Commit: expected ErrTxClosed, got %v", err)
	}
	if err := uow.Defer("late", func(_ context.Context) error { return nil }); !errors.Is(err, txflow.ErrTxClosed) {
		t.Errorf("Defer after Commit: expected ErrTxClosed, got %v", err)
	}
}

func TestUnitOfWork_RollbackIdempotent(t *testing.T) {
	p := &fakeProvider{}
	c, _, _ := newCoordinator(t, p)
	ctx := context.Background()

	uow, _ := c.Begin(ctx)

	ran := false
	uow.Defer("never", func(_ context.Context) error {
		ran = true
		return nil
	})

	if err := uow.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if uow.State() != tx.StateRolledBack {
		t.Errorf("State = %q, want %q", uow.State(), tx.StateRolledBack)
	}
	// Second rollback is a no-op success.
	if err := uow.Rollback(ctx); err != nil {
		t.Fatalf("second Rollback: %v", err)
	}
	if ran {
		t.Error("deferred action ran despite rollback")
	}
	if !p.txs[0].rolledBack {
		t.Error("storage transaction was not rolled back")
	}
}

func TestUnitOfWork_ActionsRunExactlyOnce(t *testing.T) {
	p := &fakeProvider{}
	c, _, _ := newCoordinator(t, p)
	ctx := context.Background()

	uow, _ := c.Begin(ctx)

	count := 0
	uow.Defer("once", func(_ context.Context) error {
		count++
		return nil
	})

	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// A second commit fails and must not re-run the action.
	uow.Commit(ctx)

	if count != 1 {
		t.Errorf("action ran %d times, want 1", count)
	}
}

// ──────────────────────────────────────────────────
// EnqueueOnCommit / PublishOnCommit
// ──────────────────────────────────────────────────

func TestUnitOfWork_EnqueueOnCommit(t *testing.T) {
	p := &fakeProvider{}
	c, jobs, _ := newCoordinator(t, p)
	ctx := context.Background()

	uow, _ := c.Begin(ctx)

	j := &job.Job{Name: "reconcile", Payload: []byte(`{}`)}
	if err := uow.EnqueueOnCommit(j); err != nil {
		t.Fatalf("EnqueueOnCommit: %v", err)
	}

	// Not enqueued until commit.
	jobs.mu.Lock()
	n := len(jobs.enqueued)
	jobs.mu.Unlock()
	if n != 0 {
		t.Fatalf("job enqueued before commit")
	}

	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(jobs.enqueued))
	}
	got := jobs.enqueued[0]
	if got.ID.IsNil() {
		t.Error("expected job ID to be assigned")
	}
	if got.State != job.StateQueued {
		t.Errorf("State = %q, want %q", got.State, job.StateQueued)
	}
	if got.Queue != "default" {
		t.Errorf("Queue = %q, want %q", got.Queue, "default")
	}
	if got.MaxAttempts != txflow.DefaultConfig().MaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", got.MaxAttempts, txflow.DefaultConfig().MaxAttempts)
	}
	if got.RunAt.IsZero() {
		t.Error("expected RunAt to be set")
	}
}

func TestUnitOfWork_EnqueueOnCommit_DiscardedOnRollback(t *testing.T) {
	p := &fakeProvider{}
	c, jobs, _ := newCoordinator(t, p)
	ctx := context.Background()

	uow, _ := c.Begin(ctx)
	uow.EnqueueOnCommit(&job.Job{Name: "never"})
	uow.Rollback(ctx)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.enqueued) != 0 {
		t.Fatalf("job enqueued despite rollback")
	}
}

func TestUnitOfWork_PublishOnCommit(t *testing.T) {
	p := &fakeProvider{}
	c, _, b := newCoordinator(t, p)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	b.Subscribe("orders", func(_ context.Context, evt *bus.Event) error {
		received <- evt
		return nil
	})

	uow, _ := c.Begin(ctx)
	uow.PublishOnCommit(&bus.Event{Channel: "orders", Type: "order.created", Payload: []byte(`{"id":1}`)})

	select {
	case <-received:
		t.Fatal("event published before commit")
	case <-time.After(50 * time.Millisecond):
	}

	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	select {
	case evt := <-received:
		if evt.Type != "order.created" {
			t.Errorf("Type = %q, want %q", evt.Type, "order.created")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never published after commit")
	}
}
