package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/txflow/bus"
	"github.com/xraph/txflow/hook"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// Compile-time interface checks.
var (
	_ hook.Extension       = (*Extension)(nil)
	_ hook.JobEnqueued     = (*Extension)(nil)
	_ hook.JobStarted      = (*Extension)(nil)
	_ hook.JobSucceeded    = (*Extension)(nil)
	_ hook.JobFailed       = (*Extension)(nil)
	_ hook.JobRetrying     = (*Extension)(nil)
	_ hook.JobDeadLettered = (*Extension)(nil)
	_ hook.TxCommitted     = (*Extension)(nil)
	_ hook.TxRolledBack    = (*Extension)(nil)
	_ hook.CronFired       = (*Extension)(nil)
)

// Extension publishes lifecycle events on the event bus. Each lifecycle
// hook emits a typed event via [bus.Bus.Publish].
type Extension struct {
	bus      bus.Bus
	origin   string
	enabled  map[string]bool   // nil = all enabled
	channels map[string]string // per-type channel overrides
}

// New creates an Extension that publishes lifecycle events through the
// provided bus.
func New(b bus.Bus, opts ...Option) *Extension {
	h := &Extension{bus: b, origin: "txflow"}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements hook.Extension.
func (h *Extension) Name() string { return "notify" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements hook.JobEnqueued.
func (h *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return h.publish(ctx, EventJobEnqueued, newJobPayload(j))
}

// OnJobStarted implements hook.JobStarted.
func (h *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return h.publish(ctx, EventJobStarted, newJobPayload(j))
}

// OnJobSucceeded implements hook.JobSucceeded.
func (h *Extension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return h.publish(ctx, EventJobSucceeded, &jobSucceededPayload{
		jobPayload: *newJobPayload(j),
		ElapsedMs:  elapsed.Milliseconds(),
	})
}

// OnJobFailed implements hook.JobFailed.
func (h *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return h.publish(ctx, EventJobFailed, &jobFailedPayload{
		jobPayload: *newJobPayload(j),
		Error:      jobErr.Error(),
	})
}

// OnJobRetrying implements hook.JobRetrying.
func (h *Extension) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	return h.publish(ctx, EventJobRetrying, &jobRetryingPayload{
		jobPayload: *newJobPayload(j),
		Attempt:    attempt,
		NextRunAt:  nextRunAt.UTC().Format(time.RFC3339),
	})
}

// OnJobDeadLettered implements hook.JobDeadLettered.
func (h *Extension) OnJobDeadLettered(ctx context.Context, j *job.Job, jobErr error) error {
	return h.publish(ctx, EventJobDeadLettered, &jobFailedPayload{
		jobPayload: *newJobPayload(j),
		Error:      jobErr.Error(),
	})
}

// ── Transaction lifecycle hooks ─────────────────────

// OnTxCommitted implements hook.TxCommitted.
func (h *Extension) OnTxCommitted(ctx context.Context, txnID id.TxnID, elapsed time.Duration) error {
	return h.publish(ctx, EventTxCommitted, &txPayload{
		TxnID:     txnID.String(),
		ElapsedMs: elapsed.Milliseconds(),
	})
}

// OnTxRolledBack implements hook.TxRolledBack.
func (h *Extension) OnTxRolledBack(ctx context.Context, txnID id.TxnID, txErr error) error {
	return h.publish(ctx, EventTxRolledBack, &txPayload{
		TxnID: txnID.String(),
		Error: txErr.Error(),
	})
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements hook.CronFired.
func (h *Extension) OnCronFired(ctx context.Context, entryName string, jobID id.JobID) error {
	return h.publish(ctx, EventCronFired, &cronPayload{
		EntryName: entryName,
		JobID:     jobID.String(),
	})
}

// ── Internal helpers ────────────────────────────────

// publish emits an event on the bus if the event type is enabled.
func (h *Extension) publish(ctx context.Context, eventType string, data any) error {
	if h.enabled != nil && !h.enabled[eventType] {
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("notify: marshal %s payload: %w", eventType, err)
	}

	channel := defaultChannels[eventType]
	if override, ok := h.channels[eventType]; ok {
		channel = override
	}

	return h.bus.Publish(ctx, &bus.Event{
		Channel: channel,
		Type:    eventType,
		Payload: payload,
		Origin:  h.origin,
	})
}

// ── Payload types ───────────────────────────────────

type jobPayload struct {
	JobID    string `json:"job_id"`
	JobName  string `json:"job_name"`
	Queue    string `json:"queue"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
}

func newJobPayload(j *job.Job) *jobPayload {
	return &jobPayload{
		JobID:    j.ID.String(),
		JobName:  j.Name,
		Queue:    j.Queue,
		State:    string(j.State),
		Attempts: j.Attempts,
	}
}

type jobSucceededPayload struct {
	jobPayload
	ElapsedMs int64 `json:"elapsed_ms"`
}

type jobFailedPayload struct {
	jobPayload
	Error string `json:"error"`
}

type jobRetryingPayload struct {
	jobPayload
	Attempt   int    `json:"attempt"`
	NextRunAt string `json:"next_run_at"`
}

type txPayload struct {
	TxnID     string `json:"txn_id"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

type cronPayload struct {
	EntryName string `json:"entry_name"`
	JobID     string `json:"job_id"`
}
