// Package tx provides transactional units of work with deferred
// post-commit actions.
//
// A [UnitOfWork] wraps a storage transaction from a [Provider]. Business
// code mutates state through the transaction, registers side effects with
// [UnitOfWork.Defer] (or the EnqueueOnCommit / PublishOnCommit helpers),
// and then commits. Side effects run only after the storage commit
// succeeds, in registration order, exactly once. If the transaction rolls
// back, no deferred action runs.
//
//	uow, err := coord.Begin(ctx)
//	if err != nil { ... }
//	defer uow.Rollback(ctx)
//
//	// mutate through uow.Tx() ...
//	uow.EnqueueOnCommit(reconcileJob)
//	uow.PublishOnCommit(&bus.Event{Channel: "orders", Type: "order.created"})
//
//	if err := uow.Commit(ctx); err != nil { ... }
//
// Commit failures are classified: [txflow.ErrTxConflict] means the store
// detected a write conflict and the whole unit of work may be retried
// from Begin; [txflow.ErrTxAborted] means a data invariant was violated
// and retrying without correcting the input will fail again.
// [Coordinator.Run] wraps the begin/commit/rollback cycle and retries
// automatically on conflict.
package tx
