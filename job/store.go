package job

import (
	"context"
	"time"

	"github.com/xraph/txflow/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs.
//
// Claims are lease-based: ClaimJobs atomically transitions jobs to running
// and stamps WorkerID and LeaseExpiresAt. The owning worker must call
// RenewLease before the lease expires or ReclaimExpired will return the
// job to queued for another worker to claim.
type Store interface {
	// EnqueueJob persists a new job in queued state.
	EnqueueJob(ctx context.Context, j *Job) error

	// ClaimJobs atomically claims up to limit due jobs (queued or retrying
	// with RunAt <= now) from the given queues, sets them to running with
	// the given worker and lease, and returns them. Jobs are ordered by
	// priority (descending) then RunAt (ascending). No job is ever returned
	// to two concurrent claimants.
	ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, lease time.Duration, limit int) ([]*Job, error)

	// GetJob retrieves a job by ID. Returns txflow.ErrJobNotFound if absent.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// CancelJob transitions a queued or retrying job to cancelled.
	// Returns true if the job was cancelled, false if it was already in a
	// state that cannot be cancelled (running or terminal). The check and
	// transition are atomic.
	CancelJob(ctx context.Context, jobID id.JobID) (bool, error)

	// ListJobsByState returns jobs matching the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// RenewLease extends the lease on a running job owned by workerID.
	// Fails if the job is no longer running or owned by a different worker.
	RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lease time.Duration) error

	// ReclaimExpired returns running jobs whose lease has expired to the
	// queued state so another worker can claim them, and reports how many
	// were reclaimed.
	ReclaimExpired(ctx context.Context) (int, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
