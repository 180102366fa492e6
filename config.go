package txflow

import "time"

// Config holds configuration for the Runtime.
type Config struct {
	// WorkerPoolSize is the maximum number of jobs processed concurrently.
	WorkerPoolSize int

	// Queues is the list of queues the worker pool will poll.
	Queues []string

	// PollInterval is how often idle workers poll for new jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// MaxAttempts is the default total number of executions a job gets
	// before it is dead-lettered. Attempt 1 is the first run.
	MaxAttempts int

	// BaseBackoff is the base delay for the exponential retry backoff.
	BaseBackoff time.Duration

	// BackoffCeiling caps the computed retry delay.
	BackoffCeiling time.Duration

	// ClaimLease is how long a worker owns a claimed job before the claim
	// expires and the job becomes reclaimable.
	ClaimLease time.Duration

	// LeaseRenewInterval is how often running jobs renew their lease.
	// Must be shorter than ClaimLease.
	LeaseRenewInterval time.Duration

	// CallTimeout is the default timeout for outbound service calls.
	CallTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:     10,
		Queues:             []string{"default"},
		PollInterval:       1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		MaxAttempts:        3,
		BaseBackoff:        1 * time.Second,
		BackoffCeiling:     1 * time.Minute,
		ClaimLease:         30 * time.Second,
		LeaseRenewInterval: 10 * time.Second,
		CallTimeout:        5 * time.Second,
	}
}
