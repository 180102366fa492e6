package dlq

import (
	"context"
	"time"

	"github.com/xraph/txflow/id"
)

// ListOpts shapes a DLQ listing.
type ListOpts struct {
	// Limit caps the result size; zero is unlimited.
	Limit int
	// Offset skips that many entries first.
	Offset int
	// Queue restricts results to one queue; empty matches all.
	Queue string
}

// Store is what a backend must provide to persist dead-lettered jobs.
type Store interface {
	// PushDLQ records a dead-lettered job.
	PushDLQ(ctx context.Context, entry *Entry) error

	// ListDLQ returns entries matching opts in a backend-stable order.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ fetches one entry by ID.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ReplayDLQ stamps an entry as replayed. Re-enqueueing the job is
	// the service's job, not the store's.
	ReplayDLQ(ctx context.Context, entryID id.DLQID) error

	// PurgeDLQ drops entries that failed before the cutoff and reports
	// how many were removed.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ reports the number of entries currently held.
	CountDLQ(ctx context.Context) (int64, error)
}
