package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/cron"
	"github.com/xraph/txflow/id"
)

const cronColumns = `id, name, schedule, job_name, queue, payload, last_run_at,
	next_run_at, COALESCE(locked_by, ''), locked_until, enabled, created_at, updated_at`

// RegisterCron persists a new cron entry.
func (s *Store) RegisterCron(ctx context.Context, entry *cron.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO txflow_cron_entries (
			id, name, schedule, job_name, queue, payload, last_run_at,
			next_run_at, locked_by, locked_until, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		entry.ID, entry.Name, entry.Schedule, entry.JobName, entry.Queue,
		entry.Payload, entry.LastRunAt, entry.NextRunAt,
		nilIfEmpty(entry.LockedBy), entry.LockedUntil, entry.Enabled,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", txflow.ErrDuplicateCron, entry.Name)
		}
		return fmt.Errorf("txflow/postgres: register cron: %w", err)
	}
	return nil
}

// GetCron retrieves a cron entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM txflow_cron_entries WHERE id = $1`, entryID)

	entry, err := scanCron(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", txflow.ErrCronNotFound, entryID)
		}
		return nil, fmt.Errorf("txflow/postgres: get cron: %w", err)
	}
	return entry, nil
}

// ListCrons returns all cron entries.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cronColumns+` FROM txflow_cron_entries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("txflow/postgres: list crons: %w", err)
	}
	defer rows.Close()

	var entries []*cron.Entry
	for rows.Next() {
		entry, scanErr := scanCron(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("txflow/postgres: scan cron entry: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txflow/postgres: iterate crons: %w", err)
	}
	return entries, nil
}

// AcquireCronLock acquires the per-entry lock if it is free, expired, or
// already held by the same worker. The check and grant are one UPDATE.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE txflow_cron_entries SET
			locked_by = $2,
			locked_until = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_until < NOW() OR locked_by = $2)
	`, entryID, workerID.String(), ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("txflow/postgres: acquire cron lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseCronLock releases the lock if held by workerID.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE txflow_cron_entries SET
			locked_by = NULL,
			locked_until = NULL,
			updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
	`, entryID, workerID.String())
	if err != nil {
		return fmt.Errorf("txflow/postgres: release cron lock: %w", err)
	}
	return nil
}

// UpdateCronLastRun records when a cron entry last fired.
func (s *Store) UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE txflow_cron_entries SET
			last_run_at = $2,
			updated_at = NOW()
		WHERE id = $1
	`, entryID, at)
	if err != nil {
		return fmt.Errorf("txflow/postgres: update cron last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", txflow.ErrCronNotFound, entryID)
	}
	return nil
}

// UpdateCronEntry updates a cron entry.
func (s *Store) UpdateCronEntry(ctx context.Context, entry *cron.Entry) error {
	entry.Touch()

	tag, err := s.pool.Exec(ctx, `
		UPDATE txflow_cron_entries SET
			name = $2, schedule = $3, job_name = $4, queue = $5, payload = $6,
			last_run_at = $7, next_run_at = $8, locked_by = $9,
			locked_until = $10, enabled = $11, updated_at = $12
		WHERE id = $1
	`,
		entry.ID, entry.Name, entry.Schedule, entry.JobName, entry.Queue,
		entry.Payload, entry.LastRunAt, entry.NextRunAt,
		nilIfEmpty(entry.LockedBy), entry.LockedUntil, entry.Enabled,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("txflow/postgres: update cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", txflow.ErrCronNotFound, entry.ID)
	}
	return nil
}

// DeleteCron removes a cron entry by ID.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM txflow_cron_entries WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("txflow/postgres: delete cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", txflow.ErrCronNotFound, entryID)
	}
	return nil
}

func scanCron(row pgx.Row) (*cron.Entry, error) {
	var entry cron.Entry
	err := row.Scan(
		&entry.ID, &entry.Name, &entry.Schedule, &entry.JobName, &entry.Queue,
		&entry.Payload, &entry.LastRunAt, &entry.NextRunAt, &entry.LockedBy,
		&entry.LockedUntil, &entry.Enabled, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
