// Package notify bridges engine lifecycle events to the event bus. When
// registered as an extension, it publishes typed events (job.succeeded,
// tx.committed, etc.) at every lifecycle point so subscribers can react
// without polling the store.
//
// Usage:
//
//	b := bus.NewInProc(logger)
//	engine.WithExtension(notify.New(b))
//
// To restrict which events are published:
//
//	engine.WithExtension(notify.New(b,
//	    notify.WithEvents(
//	        notify.EventJobSucceeded,
//	        notify.EventJobDeadLettered,
//	    ),
//	))
package notify
