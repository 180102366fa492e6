// Package cron provides recurring job scheduling backed by the store.
//
// Cron entries live in the database and are fired by a tick loop. A
// per-entry distributed lock in the store guarantees at-most-once firing
// per tick even when multiple instances are running.
//
// # Entry
//
// An [Entry] represents a recurring job schedule:
//   - Schedule: standard cron expression (e.g., "0 9 * * 1-5") or a
//     descriptor like "@every 30s"
//   - JobName: the registered job definition to enqueue when fired
//   - Queue: target queue (defaults to "default")
//   - Payload: static JSON payload passed to every triggered job
//   - Enabled: whether the entry fires
//   - LockedBy / LockedUntil: distributed lock fields (managed internally)
//
// # Registering a Cron
//
// Use engine.RegisterCron to add a cron entry at startup:
//
//	engine.RegisterCron(ctx, eng, &cron.Definition[ReportInput]{
//	    Name:     "daily-report",
//	    Schedule: "0 9 * * *",
//	    JobName:  "generate-report",
//	    Payload:  ReportInput{Format: "pdf"},
//	})
//
// # Scheduler
//
// The [Scheduler] evaluates due entries on every tick, acquires a lock on
// each entry, enqueues the corresponding job, and updates LastRunAt and
// NextRunAt. The [hook.CronFired] extension hook fires after each enqueue.
package cron
