package cron

// Definition describes a recurring entry that enqueues a job on each
// tick. T is the payload type and must marshal to JSON.
type Definition[T any] struct {
	// Name uniquely identifies the entry across scheduler instances.
	Name string

	// Schedule is a cron expression, "*/5 * * * *" style, or a
	// descriptor like "@every 30s".
	Schedule string

	// JobName selects the registered job to enqueue.
	JobName string

	// Payload is enqueued with every tick's job.
	Payload T

	// Queue routes the job somewhere other than the default queue.
	// Optional.
	Queue string
}
