package txflow

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("txflow: no store configured")
	ErrStoreClosed     = errors.New("txflow: store closed")
	ErrMigrationFailed = errors.New("txflow: migration failed")

	// Transaction errors.
	// ErrTxConflict means the storage layer detected a write conflict
	// (optimistic version mismatch, serialization failure). The caller may
	// retry the whole unit of work from Begin.
	ErrTxConflict = errors.New("txflow: transaction conflict")
	// ErrTxAborted means a mutation violated a data invariant. Retrying
	// without correcting the input will fail again.
	ErrTxAborted = errors.New("txflow: transaction aborted")
	// ErrTxClosed means the unit of work already reached a terminal state.
	ErrTxClosed = errors.New("txflow: unit of work closed")

	// Bus errors.
	ErrBusClosed = errors.New("txflow: event bus closed")

	// Not found errors.
	ErrJobNotFound  = errors.New("txflow: job not found")
	ErrDLQNotFound  = errors.New("txflow: dlq entry not found")
	ErrCronNotFound = errors.New("txflow: cron entry not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("txflow: job already exists")
	ErrDuplicateCron    = errors.New("txflow: duplicate cron entry")

	// State errors.
	ErrInvalidState        = errors.New("txflow: invalid state transition")
	ErrMaxAttemptsExceeded = errors.New("txflow: max attempts exceeded")

	// Service call errors.
	// ErrCallTimeout means the outbound call did not complete within its
	// timeout. ErrUnreachable means the transport could not reach the
	// target at all. Application-level failures reported by the target are
	// surfaced as *proxy.RemoteError instead.
	ErrCallTimeout        = errors.New("txflow: call timeout")
	ErrUnreachable        = errors.New("txflow: service unreachable")
	ErrServiceNotFound    = errors.New("txflow: service not found")
	ErrServiceNotResolved = errors.New("txflow: service handle not resolved")
)
