package job

import (
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting to be claimed by a worker.
	StateQueued State = "queued"
	// StateRunning means a worker holds a lease and is executing the job.
	StateRunning State = "running"
	// StateSucceeded means the job finished successfully.
	StateSucceeded State = "succeeded"
	// StateRetrying means the job failed but has attempts remaining and is
	// scheduled for re-execution at RunAt.
	StateRetrying State = "retrying"
	// StateDeadLettered means the job exhausted its attempt budget and was
	// moved to the dead letter queue.
	StateDeadLettered State = "dead_lettered"
	// StateCancelled means the job was explicitly cancelled before running.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state from which no further
// transitions occur.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateDeadLettered, StateCancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a job in state s may be cancelled.
// Running jobs cannot be cancelled mid-execution; only jobs waiting for
// a worker (queued or retrying) are eligible.
func (s State) Cancellable() bool {
	return s == StateQueued || s == StateRetrying
}

// Job represents a durable unit of work to be processed by a worker.
type Job struct {
	txflow.Entity

	ID             id.JobID      `json:"id"`
	Name           string        `json:"name"`
	Queue          string        `json:"queue"`
	Payload        []byte        `json:"payload"`
	State          State         `json:"state"`
	Priority       int           `json:"priority"`
	MaxAttempts    int           `json:"max_attempts"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error,omitempty"`
	WorkerID       id.WorkerID   `json:"worker_id,omitempty"`
	RunAt          time.Time     `json:"run_at"`
	LeaseExpiresAt *time.Time    `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// AttemptsRemaining reports whether the job still has budget for another
// execution after Attempts executions have been consumed.
func (j *Job) AttemptsRemaining() bool {
	return j.Attempts < j.MaxAttempts
}
