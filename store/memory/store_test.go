package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/cron"
	"github.com/xraph/txflow/dlq"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newJob(name, queue string, state job.State, priority int) *job.Job {
	j := &job.Job{
		Entity:      txflow.NewEntity(),
		ID:          id.NewJobID(),
		Name:        name,
		Queue:       queue,
		Payload:     []byte(`{"test":true}`),
		State:       state,
		Priority:    priority,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC().Add(-time.Second), // eligible immediately
	}
	return j
}

func TestJobEnqueueAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("test-job", "default", job.StateQueued, 0)

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "enqueue new job",
			fn:      func() error { return s.EnqueueJob(ctx, j) },
			wantErr: nil,
		},
		{
			name:    "enqueue duplicate job",
			fn:      func() error { return s.EnqueueJob(ctx, j) },
			wantErr: txflow.ErrJobAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Verify Get.
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != j.Name {
		t.Fatalf("got name %q, want %q", got.Name, j.Name)
	}

	// Get non-existent.
	_, err = s.GetJob(ctx, id.NewJobID())
	if !errors.Is(err, txflow.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestClaimJobs_PriorityOrder(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	j1 := newJob("low", "default", job.StateQueued, 1)
	j2 := newJob("high", "default", job.StateQueued, 10)
	j3 := newJob("other-queue", "emails", job.StateQueued, 100)

	for _, j := range []*job.Job{j1, j2, j3} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, workerID, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed jobs, got %d", len(claimed))
	}

	// Highest priority first.
	if claimed[0].Name != "high" {
		t.Errorf("first claimed = %q, want %q", claimed[0].Name, "high")
	}

	// Claimed jobs carry lease and worker stamps.
	for _, j := range claimed {
		if j.State != job.StateRunning {
			t.Errorf("claimed job state = %q, want running", j.State)
		}
		if j.WorkerID.String() != workerID.String() {
			t.Errorf("claimed job worker = %q, want %q", j.WorkerID, workerID)
		}
		if j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(time.Now().UTC()) {
			t.Error("expected future LeaseExpiresAt on claimed job")
		}
	}
}

func TestClaimJobs_NoDoubleClaim(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := s.EnqueueJob(ctx, newJob("bulk", "default", job.StateQueued, 0)); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	// Many concurrent claimants; every job must be claimed exactly once.
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 30*time.Second, 5)
			if err != nil {
				t.Errorf("ClaimJobs: %v", err)
				return
			}
			mu.Lock()
			for _, j := range claimed {
				seen[j.ID.String()]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

func TestClaimJobs_SkipsFutureRunAt(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("future", "default", job.StateRetrying, 0)
	j.RunAt = time.Now().UTC().Add(1 * time.Hour)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 30*time.Second, 10)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected 0 claimed jobs for future RunAt, got %d", len(claimed))
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name      string
		state     job.State
		wantOK    bool
		wantState job.State
	}{
		{"queued is cancellable", job.StateQueued, true, job.StateCancelled},
		{"retrying is cancellable", job.StateRetrying, true, job.StateCancelled},
		{"running is not", job.StateRunning, false, job.StateRunning},
		{"succeeded is not", job.StateSucceeded, false, job.StateSucceeded},
		{"dead_lettered is not", job.StateDeadLettered, false, job.StateDeadLettered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newJob("cancel-me", "default", tt.state, 0)
			if err := s.EnqueueJob(ctx, j); err != nil {
				t.Fatalf("EnqueueJob: %v", err)
			}

			ok, err := s.CancelJob(ctx, j.ID)
			if err != nil {
				t.Fatalf("CancelJob: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("CancelJob ok = %v, want %v", ok, tt.wantOK)
			}

			got, err := s.GetJob(ctx, j.ID)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.State != tt.wantState {
				t.Errorf("state after cancel = %q, want %q", got.State, tt.wantState)
			}
		})
	}

	// Cancel non-existent.
	_, err := s.CancelJob(ctx, id.NewJobID())
	if !errors.Is(err, txflow.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRenewLease(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	j := newJob("leased", "default", job.StateQueued, 0)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, workerID, 50*time.Millisecond, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimJobs: claimed=%d err=%v", len(claimed), err)
	}

	// Owner can renew.
	if err := s.RenewLease(ctx, j.ID, workerID, 30*time.Second); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}

	// A different worker cannot renew.
	err = s.RenewLease(ctx, j.ID, id.NewWorkerID(), 30*time.Second)
	if !errors.Is(err, txflow.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for foreign renew, got %v", err)
	}
}

func TestReclaimExpired(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	j := newJob("expiring", "default", job.StateQueued, 0)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	// Claim with a lease that expires immediately.
	claimed, err := s.ClaimJobs(ctx, []string{"default"}, workerID, 1*time.Millisecond, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimJobs: claimed=%d err=%v", len(claimed), err)
	}

	time.Sleep(10 * time.Millisecond)

	n, err := s.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateQueued {
		t.Errorf("reclaimed state = %q, want queued", got.State)
	}
	if got.LeaseExpiresAt != nil {
		t.Error("expected LeaseExpiresAt cleared after reclaim")
	}

	// Reclaimed job is claimable again.
	claimed, err = s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 30*time.Second, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("re-claim after reclaim: claimed=%d err=%v", len(claimed), err)
	}
}

func TestListAndCountJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.EnqueueJob(ctx, newJob("a", "default", job.StateQueued, 0)); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	if err := s.EnqueueJob(ctx, newJob("b", "emails", job.StateQueued, 0)); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	listed, err := s.ListJobsByState(ctx, job.StateQueued, job.ListOpts{Queue: "default"})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(listed))
	}

	count, err := s.CountJobs(ctx, job.CountOpts{State: job.StateQueued})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 queued jobs, got %d", count)
	}
}

// ──────────────────────────────────────────────────
// Transaction tests
// ──────────────────────────────────────────────────

func TestTx_CommitVisibility(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	txn, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	mt := txn.(*Tx)
	mt.Set("balance:acct1", []byte("100"))

	// Not visible to another transaction before commit.
	other, _ := s.BeginTx(ctx)
	if _, ok := other.(*Tx).Get("balance:acct1"); ok {
		t.Fatal("uncommitted write visible to other transaction")
	}
	if err := other.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Visible after commit.
	reader, _ := s.BeginTx(ctx)
	data, ok := reader.(*Tx).Get("balance:acct1")
	if !ok || string(data) != "100" {
		t.Fatalf("expected committed value 100, got %q ok=%v", data, ok)
	}
}

func TestTx_ConflictOnConcurrentWrite(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	// Seed a key.
	seed, _ := s.BeginTx(ctx)
	seed.(*Tx).Set("counter", []byte("0"))
	if err := seed.Commit(ctx); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	// Two transactions read the same key.
	t1, _ := s.BeginTx(ctx)
	t2, _ := s.BeginTx(ctx)
	t1.(*Tx).Get("counter")
	t2.(*Tx).Get("counter")

	t1.(*Tx).Set("counter", []byte("1"))
	t2.(*Tx).Set("counter", []byte("2"))

	if err := t1.Commit(ctx); err != nil {
		t.Fatalf("first Commit: %v", err)
	}

	// Second commit sees a stale read and must conflict.
	err := t2.Commit(ctx)
	if !errors.Is(err, txflow.ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict, got %v", err)
	}
}

func TestTx_RollbackDiscards(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	txn, _ := s.BeginTx(ctx)
	txn.(*Tx).Set("ghost", []byte("x"))
	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	reader, _ := s.BeginTx(ctx)
	if _, ok := reader.(*Tx).Get("ghost"); ok {
		t.Fatal("rolled-back write should not be visible")
	}
}

func TestTx_CommitAfterCommit(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	txn, _ := s.BeginTx(ctx)
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := txn.Commit(ctx); !errors.Is(err, txflow.ErrTxClosed) {
		t.Fatalf("expected ErrTxClosed on double commit, got %v", err)
	}
	// Rollback after commit is a no-op.
	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("Rollback after Commit: %v", err)
	}
}

// ──────────────────────────────────────────────────
// DLQ Store tests
// ──────────────────────────────────────────────────

func newDLQEntry(queue string, failedAt time.Time) *dlq.Entry {
	return &dlq.Entry{
		ID:          id.NewDLQID(),
		JobID:       id.NewJobID(),
		JobName:     "failed-job",
		Queue:       queue,
		Payload:     []byte(`{}`),
		Error:       "boom",
		Attempts:    3,
		MaxAttempts: 3,
		FailedAt:    failedAt,
		CreatedAt:   failedAt,
	}
}

func TestDLQPushGetReplay(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	entry := newDLQEntry("default", time.Now().UTC())
	if err := s.PushDLQ(ctx, entry); err != nil {
		t.Fatalf("PushDLQ: %v", err)
	}

	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.JobName != "failed-job" {
		t.Fatalf("got job name %q", got.JobName)
	}
	if got.ReplayedAt != nil {
		t.Fatal("new entry should not be replayed")
	}

	if err := s.ReplayDLQ(ctx, entry.ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	got, _ = s.GetDLQ(ctx, entry.ID)
	if got.ReplayedAt == nil {
		t.Fatal("expected ReplayedAt set after replay")
	}

	_, err = s.GetDLQ(ctx, id.NewDLQID())
	if !errors.Is(err, txflow.ErrDLQNotFound) {
		t.Fatalf("expected ErrDLQNotFound, got %v", err)
	}
}

func TestDLQPurge(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	old := newDLQEntry("default", time.Now().UTC().Add(-48*time.Hour))
	recent := newDLQEntry("default", time.Now().UTC())
	for _, e := range []*dlq.Entry{old, recent} {
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("PushDLQ: %v", err)
		}
	}

	purged, err := s.PurgeDLQ(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}

	count, err := s.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining, got %d", count)
	}
}

// ──────────────────────────────────────────────────
// Cron Store tests
// ──────────────────────────────────────────────────

func newCronEntry(name string) *cron.Entry {
	return &cron.Entry{
		Entity:   txflow.NewEntity(),
		ID:       id.NewCronID(),
		Name:     name,
		Schedule: "@every 1m",
		JobName:  "tick",
		Enabled:  true,
	}
}

func TestCronRegisterDuplicate(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.RegisterCron(ctx, newCronEntry("nightly")); err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}
	err := s.RegisterCron(ctx, newCronEntry("nightly"))
	if !errors.Is(err, txflow.ErrDuplicateCron) {
		t.Fatalf("expected ErrDuplicateCron, got %v", err)
	}
}

func TestCronLock(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	entry := newCronEntry("locked")
	if err := s.RegisterCron(ctx, entry); err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}

	w1 := id.NewWorkerID()
	w2 := id.NewWorkerID()

	ok, err := s.AcquireCronLock(ctx, entry.ID, w1, 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}

	// Second worker blocked while lock held.
	ok, err = s.AcquireCronLock(ctx, entry.ID, w2, 30*time.Second)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if ok {
		t.Fatal("expected second worker to be blocked")
	}

	// Holder can re-acquire.
	ok, err = s.AcquireCronLock(ctx, entry.ID, w1, 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("re-acquire: ok=%v err=%v", ok, err)
	}

	// After release, second worker succeeds.
	if err := s.ReleaseCronLock(ctx, entry.ID, w1); err != nil {
		t.Fatalf("ReleaseCronLock: %v", err)
	}
	ok, err = s.AcquireCronLock(ctx, entry.ID, w2, 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("lock after release: ok=%v err=%v", ok, err)
	}
}
