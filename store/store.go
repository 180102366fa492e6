// Package store defines the aggregate persistence interface. Each subsystem
// (job, dlq, cron) defines its own store interface, and tx.Provider supplies
// the transactional boundary. The composite Store composes them all.
// Backends: Postgres, Bun, Redis, and Memory.
package store

import (
	"context"

	"github.com/xraph/txflow/cron"
	"github.com/xraph/txflow/dlq"
	"github.com/xraph/txflow/job"
	"github.com/xraph/txflow/tx"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, bun, redis, memory) implements all of them.
type Store interface {
	tx.Provider
	job.Store
	dlq.Store
	cron.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
