// Package txflow provides a transactional async workflow engine for Go:
// atomic state mutation through a unit of work, durable background jobs
// with retry, backoff, and dead-lettering, at-least-once event fan-out,
// and lazily-wired service calls with explicit timeouts.
//
// txflow is designed as a library, not a service. Import it, configure a
// store, and register jobs as ordinary Go functions.
//
// # Quick Start
//
//	rt, err := txflow.New(
//	    txflow.WithStore(memory.New()),
//	    txflow.WithWorkerPoolSize(20),
//	)
//
// # Architecture
//
// txflow follows a composable store pattern where each subsystem (tx, job,
// dlq, cron) defines its own store interface. A single backend implements
// all of them.
//
// The central pattern is the consistency boundary: a caller opens a unit of
// work, mutates durable state, and registers deferred actions (job enqueues,
// event publishes) that fire exactly once, strictly after a successful
// commit, and never on rollback.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package txflow
