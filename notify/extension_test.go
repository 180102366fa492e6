package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/txflow/bus"
	"github.com/xraph/txflow/hook"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
	"github.com/xraph/txflow/notify"
)

// ── Helpers ─────────────────────────────────────────

// collector subscribes to bus channels and records delivered events.
type collector struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *collector) handle(_ context.Context, evt *bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

// lastEvent waits for the most recent event of the given type to be
// delivered. Delivery is asynchronous, so poll briefly.
func (c *collector) lastEvent(t *testing.T, eventType string) *bus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for i := len(c.events) - 1; i >= 0; i-- {
			if c.events[i].Type == eventType {
				evt := c.events[i]
				c.mu.Unlock()
				return evt
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event delivered", eventType)
	return nil
}

func (c *collector) countByType(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

func newTestBus(t *testing.T) (*bus.InProc, *collector) {
	t.Helper()
	b := bus.NewInProc(slog.Default())
	t.Cleanup(func() { _ = b.Close() })

	c := &collector{}
	b.Subscribe(notify.ChannelJobs, c.handle)
	b.Subscribe(notify.ChannelTransactions, c.handle)
	b.Subscribe(notify.ChannelCron, c.handle)
	return b, c
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		Name:     "send-email",
		Queue:    "default",
		State:    job.StateQueued,
		Attempts: 1,
	}
}

// ── Tests ───────────────────────────────────────────

func TestNotifyExtension_Name(t *testing.T) {
	b, _ := newTestBus(t)
	h := notify.New(b)
	if h.Name() != "notify" {
		t.Errorf("expected name %q, got %q", "notify", h.Name())
	}
}

func TestNotifyExtension_JobEnqueued(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)

	j := newTestJob()
	if err := h.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventJobEnqueued)
	if evt.Channel != notify.ChannelJobs {
		t.Errorf("Channel: want %q, got %q", notify.ChannelJobs, evt.Channel)
	}
	if evt.Origin != "txflow" {
		t.Errorf("Origin: want %q, got %q", "txflow", evt.Origin)
	}

	var payload map[string]any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["job_id"] != j.ID.String() {
		t.Errorf("job_id: want %q, got %v", j.ID.String(), payload["job_id"])
	}
	if payload["queue"] != "default" {
		t.Errorf("queue: want %q, got %v", "default", payload["queue"])
	}
}

func TestNotifyExtension_JobSucceeded(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)

	if err := h.OnJobSucceeded(context.Background(), newTestJob(), 150*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventJobSucceeded)
	var payload struct {
		ElapsedMs int64 `json:"elapsed_ms"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ElapsedMs != 150 {
		t.Errorf("elapsed_ms: want 150, got %d", payload.ElapsedMs)
	}
}

func TestNotifyExtension_JobFailed(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)

	if err := h.OnJobFailed(context.Background(), newTestJob(), errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventJobFailed)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Error != "boom" {
		t.Errorf("error: want %q, got %q", "boom", payload.Error)
	}
}

func TestNotifyExtension_JobRetrying(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)
	nextRun := time.Now().Add(time.Minute)

	if err := h.OnJobRetrying(context.Background(), newTestJob(), 2, nextRun); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventJobRetrying)
	var payload struct {
		Attempt   int    `json:"attempt"`
		NextRunAt string `json:"next_run_at"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Attempt != 2 {
		t.Errorf("attempt: want 2, got %d", payload.Attempt)
	}
	if payload.NextRunAt == "" {
		t.Error("next_run_at: want non-empty")
	}
}

func TestNotifyExtension_JobDeadLettered(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)

	if err := h.OnJobDeadLettered(context.Background(), newTestJob(), errors.New("terminal")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventJobDeadLettered)
	if evt.Channel != notify.ChannelJobs {
		t.Errorf("Channel: want %q, got %q", notify.ChannelJobs, evt.Channel)
	}
}

func TestNotifyExtension_TxCommitted(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)
	txnID := id.NewTxnID()

	if err := h.OnTxCommitted(context.Background(), txnID, 20*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventTxCommitted)
	if evt.Channel != notify.ChannelTransactions {
		t.Errorf("Channel: want %q, got %q", notify.ChannelTransactions, evt.Channel)
	}
	var payload struct {
		TxnID string `json:"txn_id"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.TxnID != txnID.String() {
		t.Errorf("txn_id: want %q, got %q", txnID.String(), payload.TxnID)
	}
}

func TestNotifyExtension_TxRolledBack(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)

	if err := h.OnTxRolledBack(context.Background(), id.NewTxnID(), errors.New("conflict")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventTxRolledBack)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Error != "conflict" {
		t.Errorf("error: want %q, got %q", "conflict", payload.Error)
	}
}

func TestNotifyExtension_CronFired(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)
	jobID := id.NewJobID()

	if err := h.OnCronFired(context.Background(), "daily-cleanup", jobID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventCronFired)
	if evt.Channel != notify.ChannelCron {
		t.Errorf("Channel: want %q, got %q", notify.ChannelCron, evt.Channel)
	}
	var payload struct {
		EntryName string `json:"entry_name"`
		JobID     string `json:"job_id"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.EntryName != "daily-cleanup" || payload.JobID != jobID.String() {
		t.Errorf("payload: got %+v", payload)
	}
}

func TestNotifyExtension_WithEvents_FiltersDisabled(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b, notify.WithEvents(notify.EventJobSucceeded))

	ctx := context.Background()
	j := newTestJob()

	// Enqueued is NOT in the enabled set — should be silently skipped.
	if err := h.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Succeeded IS enabled — should be published.
	if err := h.OnJobSucceeded(ctx, j, 50*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.lastEvent(t, notify.EventJobSucceeded)
	if n := c.countByType(notify.EventJobEnqueued); n != 0 {
		t.Errorf("expected 0 enqueued events (disabled), got %d", n)
	}
}

func TestNotifyExtension_WithChannelAndOrigin(t *testing.T) {
	b := bus.NewInProc(slog.Default())
	t.Cleanup(func() { _ = b.Close() })

	c := &collector{}
	b.Subscribe("audit", c.handle)

	h := notify.New(b,
		notify.WithOrigin("worker-7"),
		notify.WithChannel(notify.EventJobFailed, "audit"),
	)

	if err := h.OnJobFailed(context.Background(), newTestJob(), errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := c.lastEvent(t, notify.EventJobFailed)
	if evt.Channel != "audit" {
		t.Errorf("Channel: want %q, got %q", "audit", evt.Channel)
	}
	if evt.Origin != "worker-7" {
		t.Errorf("Origin: want %q, got %q", "worker-7", evt.Origin)
	}
}

func TestNotifyExtension_ViaRegistry(t *testing.T) {
	b, c := newTestBus(t)
	h := notify.New(b)

	reg := hook.NewRegistry(slog.Default())
	reg.Register(h)

	ctx := context.Background()
	j := newTestJob()

	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobStarted(ctx, j)
	reg.EmitJobSucceeded(ctx, j, 50*time.Millisecond)
	reg.EmitJobFailed(ctx, j, errors.New("fail"))
	reg.EmitJobRetrying(ctx, j, 1, time.Now())
	reg.EmitJobDeadLettered(ctx, j, errors.New("dead"))
	reg.EmitTxCommitted(ctx, id.NewTxnID(), time.Second)
	reg.EmitTxRolledBack(ctx, id.NewTxnID(), errors.New("rolled back"))
	reg.EmitCronFired(ctx, "hourly", id.NewJobID())

	allTypes := []string{
		notify.EventJobEnqueued,
		notify.EventJobStarted,
		notify.EventJobSucceeded,
		notify.EventJobFailed,
		notify.EventJobRetrying,
		notify.EventJobDeadLettered,
		notify.EventTxCommitted,
		notify.EventTxRolledBack,
		notify.EventCronFired,
	}

	for _, et := range allTypes {
		c.lastEvent(t, et)
	}
}
