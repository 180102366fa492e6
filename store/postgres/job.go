package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// jobColumns is the canonical column list for scanJob.
const jobColumns = `id, name, queue, payload, state, priority, max_attempts, attempts,
	COALESCE(last_error, ''), worker_id, run_at, lease_expires_at, started_at,
	completed_at, timeout, created_at, updated_at`

// EnqueueJob persists a new job in queued state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO txflow_jobs (
			id, name, queue, payload, state, priority, max_attempts, attempts,
			last_error, worker_id, run_at, lease_expires_at, started_at,
			completed_at, timeout, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		j.ID, j.Name, j.Queue, j.Payload, string(j.State), j.Priority,
		j.MaxAttempts, j.Attempts, nilIfEmpty(j.LastError), j.WorkerID,
		j.RunAt, j.LeaseExpiresAt, j.StartedAt, j.CompletedAt,
		int64(j.Timeout), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", txflow.ErrJobAlreadyExists, j.ID)
		}
		return fmt.Errorf("txflow/postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimJobs atomically claims up to limit due jobs using FOR UPDATE SKIP
// LOCKED so concurrent claimants never receive the same job.
func (s *Store) ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, lease time.Duration, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	queueFilter := ""
	args := []any{workerID, lease.Seconds(), limit}
	if len(queues) > 0 {
		queueFilter = "AND queue = ANY($4)"
		args = append(args, queues)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		WITH due AS (
			SELECT id FROM txflow_jobs
			WHERE state IN ('queued', 'retrying')
			  AND run_at <= NOW()
			  %s
			ORDER BY priority DESC, run_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE txflow_jobs j SET
			state = 'running',
			worker_id = $1,
			lease_expires_at = NOW() + make_interval(secs => $2),
			started_at = NOW(),
			updated_at = NOW()
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.name, j.queue, j.payload, j.state, j.priority,
			j.max_attempts, j.attempts, COALESCE(j.last_error, ''), j.worker_id,
			j.run_at, j.lease_expires_at, j.started_at, j.completed_at,
			j.timeout, j.created_at, j.updated_at
	`, queueFilter), args...)
	if err != nil {
		return nil, fmt.Errorf("txflow/postgres: claim jobs: %w", err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].RunAt.Before(jobs[k].RunAt)
	})

	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM txflow_jobs WHERE id = $1`, jobID)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", txflow.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("txflow/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	j.Touch()

	tag, err := s.pool.Exec(ctx, `
		UPDATE txflow_jobs SET
			name = $2, queue = $3, payload = $4, state = $5, priority = $6,
			max_attempts = $7, attempts = $8, last_error = $9, worker_id = $10,
			run_at = $11, lease_expires_at = $12, started_at = $13,
			completed_at = $14, timeout = $15, updated_at = $16
		WHERE id = $1
	`,
		j.ID, j.Name, j.Queue, j.Payload, string(j.State), j.Priority,
		j.MaxAttempts, j.Attempts, nilIfEmpty(j.LastError), j.WorkerID,
		j.RunAt, j.LeaseExpiresAt, j.StartedAt, j.CompletedAt,
		int64(j.Timeout), j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("txflow/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", txflow.ErrJobNotFound, j.ID)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM txflow_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("txflow/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", txflow.ErrJobNotFound, jobID)
	}
	return nil
}

// CancelJob transitions a queued or retrying job to cancelled. The state
// check and the transition are a single UPDATE so a concurrent claim
// cannot race it.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE txflow_jobs SET
			state = 'cancelled',
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND state IN ('queued', 'retrying')
	`, jobID)
	if err != nil {
		return false, fmt.Errorf("txflow/postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Not cancellable; distinguish missing from wrong state.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM txflow_jobs WHERE id = $1)`, jobID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("txflow/postgres: cancel job: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", txflow.ErrJobNotFound, jobID)
	}
	return false, nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM txflow_jobs WHERE state = $1`
	args := []any{string(state)}

	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("txflow/postgres: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// RenewLease extends the lease on a running job owned by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE txflow_jobs SET
			lease_expires_at = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND state = 'running'
	`, jobID, workerID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("txflow/postgres: renew lease: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM txflow_jobs WHERE id = $1)`, jobID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("txflow/postgres: renew lease: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", txflow.ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: job %s is not running under worker %s", txflow.ErrInvalidState, jobID, workerID)
}

// ReclaimExpired returns running jobs with expired leases to queued.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE txflow_jobs SET
			state = 'queued',
			worker_id = NULL,
			lease_expires_at = NULL,
			started_at = NULL,
			updated_at = NOW()
		WHERE state = 'running' AND lease_expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("txflow/postgres: reclaim expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM txflow_jobs WHERE 1=1`
	var args []any

	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if opts.State != "" {
		args = append(args, string(opts.State))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("txflow/postgres: count jobs: %w", err)
	}
	return count, nil
}

// scanJob scans a single job row in jobColumns order.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j       job.Job
		state   string
		timeout int64
	)

	err := row.Scan(
		&j.ID, &j.Name, &j.Queue, &j.Payload, &state, &j.Priority,
		&j.MaxAttempts, &j.Attempts, &j.LastError, &j.WorkerID,
		&j.RunAt, &j.LeaseExpiresAt, &j.StartedAt, &j.CompletedAt,
		&timeout, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(state)
	j.Timeout = time.Duration(timeout)
	return &j, nil
}

// collectJobs drains rows into a slice, closing rows when done.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("txflow/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txflow/postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}
