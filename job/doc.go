// Package job defines the job entity, state machine, typed definitions,
// and store interface.
//
// # Job Entity
//
// A [Job] represents a durable unit of work. It embeds [txflow.Entity] for
// timestamps, carries a typed payload (JSON), and progresses through a
// state machine:
//
//	queued → running → succeeded
//	queued → running → retrying → running → ...
//	queued → running → dead_lettered
//	queued → cancelled
//	retrying → cancelled
//
// Fields of note:
//   - Queue: which queue the job belongs to (default: "default")
//   - Priority: higher values are claimed first
//   - MaxAttempts / Attempts: controls the execution budget; Attempts
//     counts executions, so a job with MaxAttempts=3 runs at most 3 times
//   - RunAt: earliest time the job may be claimed
//   - LeaseExpiresAt: while running, the deadline by which the owning
//     worker must renew its claim or lose the job
//   - Timeout: per-job execution deadline (zero = unlimited)
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs:
//
//	var SendEmail = job.NewDefinition("send_email",
//	    func(ctx context.Context, input EmailInput) error {
//	        return mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	)
//
// # Registry
//
// [Registry] maps job names to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, SendEmail)
//	job.RegisterDefinition(registry, GenerateReport)
//
// The engine package provides higher-level engine.Register and
// engine.Enqueue wrappers.
package job
