package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// EnqueueJob persists a new job in queued state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return txflow.ErrJobAlreadyExists
		}
		return fmt.Errorf("txflow/bun: enqueue job: %w", err)
	}
	return nil
}

// ClaimJobs atomically claims up to limit due jobs from the given queues,
// stamping the worker and lease. Uses SELECT FOR UPDATE SKIP LOCKED via
// raw SQL so concurrent claimants never receive the same job.
func (s *Store) ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, lease time.Duration, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	queueFilter := ""
	if len(queues) > 0 {
		queueFilter = "AND queue = ANY(?3)"
	}

	var models []jobModel
	_, err := s.db.NewRaw(fmt.Sprintf(`
		WITH claimed AS (
			UPDATE txflow_jobs
			SET state = 'running',
			    worker_id = ?0,
			    lease_expires_at = NOW() + make_interval(secs => ?1),
			    started_at = NOW(),
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM txflow_jobs
				WHERE state IN ('queued', 'retrying')
				  AND run_at <= NOW()
				  %s
				ORDER BY priority DESC, run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?2
			)
			RETURNING *
		)
		SELECT * FROM claimed ORDER BY priority DESC, run_at ASC`, queueFilter),
		workerID.String(), lease.Seconds(), limit, pgdialect.Array(queues),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("txflow/bun: claim jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("txflow/bun: claim convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, txflow.ErrJobNotFound
		}
		return nil, fmt.Errorf("txflow/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("txflow/bun: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return txflow.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewDelete().
		TableExpr("txflow_jobs").
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("txflow/bun: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return txflow.ErrJobNotFound
	}
	return nil
}

// CancelJob transitions a queued or retrying job to cancelled. The state
// check and the transition are a single UPDATE so a concurrent claim
// cannot race it.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (bool, error) {
	res, err := s.db.NewUpdate().
		TableExpr("txflow_jobs").
		Set("state = 'cancelled'").
		Set("completed_at = NOW()").
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Where("state IN ('queued', 'retrying')").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("txflow/bun: cancel job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return true, nil
	}

	// Not cancellable; distinguish missing from wrong state.
	exists, existErr := s.db.NewSelect().
		TableExpr("txflow_jobs").
		Where("id = ?", jobID.String()).
		Exists(ctx)
	if existErr != nil {
		return false, fmt.Errorf("txflow/bun: check job exists: %w", existErr)
	}
	if !exists {
		return false, txflow.ErrJobNotFound
	}
	return false, nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("state = ?", string(state))

	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}

	q = q.Order("created_at ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("txflow/bun: list jobs by state: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("txflow/bun: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// RenewLease extends the lease on a running job owned by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lease time.Duration) error {
	res, err := s.db.NewUpdate().
		TableExpr("txflow_jobs").
		Set("lease_expires_at = NOW() + make_interval(secs => ?)", lease.Seconds()).
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Where("worker_id = ?", workerID.String()).
		Where("state = 'running'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("txflow/bun: renew lease: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return nil
	}

	exists, existErr := s.db.NewSelect().
		TableExpr("txflow_jobs").
		Where("id = ?", jobID.String()).
		Exists(ctx)
	if existErr != nil {
		return fmt.Errorf("txflow/bun: check job exists: %w", existErr)
	}
	if !exists {
		return txflow.ErrJobNotFound
	}
	return fmt.Errorf("%w: job %s is not running under worker %s", txflow.ErrInvalidState, jobID, workerID)
}

// ReclaimExpired returns running jobs with expired leases to queued.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	res, err := s.db.NewUpdate().
		TableExpr("txflow_jobs").
		Set("state = 'queued'").
		Set("worker_id = NULL").
		Set("lease_expires_at = NULL").
		Set("started_at = NULL").
		Set("updated_at = NOW()").
		Where("state = 'running'").
		Where("lease_expires_at < NOW()").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("txflow/bun: reclaim expired: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("txflow_jobs")

	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("txflow/bun: count jobs: %w", err)
	}
	return int64(count), nil
}
