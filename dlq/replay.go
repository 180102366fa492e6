package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// Replay re-enqueues a DLQ entry as a new queued job and marks the
// entry as replayed. The new job gets a fresh ID, a full attempt
// budget, and runs immediately.
//
// If marking the entry replayed fails after the job was enqueued, Replay
// returns the new job together with the error: the job will run, but the
// entry still shows up as replayable.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:      txflow.NewEntity(),
		ID:          id.NewJobID(),
		Name:        entry.JobName,
		Queue:       entry.Queue,
		Payload:     entry.Payload,
		State:       job.StateQueued,
		MaxAttempts: entry.MaxAttempts,
		RunAt:       now,
	}

	if err := s.jobStore.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// Job already enqueued; hand it back with the error.
		return j, fmt.Errorf("txflow: mark dlq entry replayed: %w", err)
	}

	return j, nil
}
