package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// EnqueueJob stores the job as a Hash and adds it to the queue's Sorted Set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("txflow/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return txflow.ErrJobAlreadyExists
	}

	fields := jobToMap(j)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.SAdd(ctx, queueNamesKey, j.Queue)

	// Score: priority-major, run_at-minor. Lowest score pops first.
	score := jobScore(j.Priority, j.RunAt)
	pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{Score: score, Member: jID})

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("txflow/redis: enqueue job: %w", err)
	}
	return nil
}

// ClaimJobs pops up to limit due jobs from the given queues, marks them
// running, and stamps the worker and lease. Jobs whose RunAt is in the
// future are pushed back with their original score. The pop and the
// running mark are separate commands; a crash between them strands the
// job hash outside its queue set, and ReclaimExpired restores it.
func (s *Store) ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, lease time.Duration, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	if len(queues) == 0 {
		names, err := s.client.SMembers(ctx, queueNamesKey).Result()
		if err != nil {
			return nil, fmt.Errorf("txflow/redis: claim queue names: %w", err)
		}
		queues = names
	}

	claimedAt := now()
	leaseUntil := claimedAt.Add(lease)
	var jobs []*job.Job

	for _, q := range queues {
		if len(jobs) >= limit {
			break
		}
		remaining := limit - len(jobs)
		qk := queueKey(q)

		members, err := s.client.ZPopMin(ctx, qk, int64(remaining)).Result()
		if err != nil {
			return nil, fmt.Errorf("txflow/redis: claim zpopmin: %w", err)
		}

		for _, z := range members {
			jID, ok := z.Member.(string)
			if !ok {
				continue
			}

			key := jobKey(jID)
			j, getErr := s.getJobByKey(ctx, key)
			if getErr != nil {
				if errors.Is(getErr, txflow.ErrJobNotFound) {
					continue // hash gone, drop the dangling member
				}
				return nil, getErr
			}

			// Not due yet: return to the set with its original score.
			if j.RunAt.After(claimedAt) {
				if addErr := s.client.ZAdd(ctx, qk, z).Err(); addErr != nil {
					return nil, fmt.Errorf("txflow/redis: claim requeue: %w", addErr)
				}
				continue
			}

			_, setErr := s.client.HSet(ctx, key,
				"state", string(job.StateRunning),
				"worker_id", workerID.String(),
				"lease_expires_at", leaseUntil.Format(time.RFC3339Nano),
				"started_at", claimedAt.Format(time.RFC3339Nano),
				"updated_at", claimedAt.Format(time.RFC3339Nano),
			).Result()
			if setErr != nil {
				return nil, fmt.Errorf("txflow/redis: claim update: %w", setErr)
			}

			j.State = job.StateRunning
			j.WorkerID = workerID
			j.LeaseExpiresAt = &leaseUntil
			started := claimedAt
			j.StartedAt = &started
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("txflow/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return txflow.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = now().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	// A job returning to a claimable state must be back in its queue set.
	if j.State == job.StateQueued || j.State == job.StateRetrying {
		pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{
			Score:  jobScore(j.Priority, j.RunAt),
			Member: jID,
		})
	} else {
		pipe.ZRem(ctx, queueKey(j.Queue), jID)
	}
	// Lease cleared: remove stale hash fields.
	if j.LeaseExpiresAt == nil {
		pipe.HDel(ctx, key, "lease_expires_at")
	}
	if j.StartedAt == nil {
		pipe.HDel(ctx, key, "started_at")
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("txflow/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	// Get queue name before deleting to remove from sorted set.
	q, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if isRedisNil(err) {
			return txflow.ErrJobNotFound
		}
		return fmt.Errorf("txflow/redis: delete job get queue: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, queueKey(q), jID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("txflow/redis: delete job: %w", err)
	}
	return nil
}

// CancelJob transitions a queued or retrying job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (bool, error) {
	key := jobKey(jobID.String())
	j, err := s.getJobByKey(ctx, key)
	if err != nil {
		return false, err
	}

	if !j.State.Cancellable() {
		return false, nil
	}

	completedAt := now()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(job.StateCancelled),
		"completed_at", completedAt.Format(time.RFC3339Nano),
		"updated_at", completedAt.Format(time.RFC3339Nano),
	)
	pipe.ZRem(ctx, queueKey(j.Queue), jobID.String())
	if _, execErr := pipe.Exec(ctx); execErr != nil {
		return false, fmt.Errorf("txflow/redis: cancel job: %w", execErr)
	}
	return true, nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("txflow/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		jobs = append(jobs, j)
	}

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// RenewLease extends the lease on a running job owned by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lease time.Duration) error {
	key := jobKey(jobID.String())
	j, err := s.getJobByKey(ctx, key)
	if err != nil {
		return err
	}

	if j.State != job.StateRunning || j.WorkerID.String() != workerID.String() {
		return fmt.Errorf("%w: job %s is not running under worker %s", txflow.ErrInvalidState, jobID, workerID)
	}

	t := now()
	_, err = s.client.HSet(ctx, key,
		"lease_expires_at", t.Add(lease).Format(time.RFC3339Nano),
		"updated_at", t.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("txflow/redis: renew lease: %w", err)
	}
	return nil
}

// ReclaimExpired returns running jobs with expired leases to queued. It
// also restores claimable jobs whose member is missing from their queue
// set: a crash between the claim's queue pop and its running mark leaves
// the job hash queued but unreachable, and this is the path that heals it.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	cutoff := now()

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("txflow/redis: reclaim smembers: %w", err)
	}

	reclaimed := 0
	for _, jID := range ids {
		key := jobKey(jID)
		j, getErr := s.getJobByKey(ctx, key)
		if getErr != nil {
			continue
		}

		switch j.State {
		case job.StateRunning:
			if j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(cutoff) {
				continue
			}

			pipe := s.client.TxPipeline()
			pipe.HSet(ctx, key,
				"state", string(job.StateQueued),
				"worker_id", "",
				"updated_at", cutoff.Format(time.RFC3339Nano),
			)
			pipe.HDel(ctx, key, "lease_expires_at", "started_at")
			pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{
				Score:  jobScore(j.Priority, j.RunAt),
				Member: jID,
			})
			if _, execErr := pipe.Exec(ctx); execErr != nil {
				return reclaimed, fmt.Errorf("txflow/redis: reclaim update: %w", execErr)
			}
			reclaimed++

		case job.StateQueued, job.StateRetrying:
			// Claimable jobs must have a member in their queue set.
			scoreErr := s.client.ZScore(ctx, queueKey(j.Queue), jID).Err()
			if scoreErr == nil {
				continue
			}
			if !isRedisNil(scoreErr) {
				return reclaimed, fmt.Errorf("txflow/redis: reclaim zscore: %w", scoreErr)
			}
			if addErr := s.client.ZAdd(ctx, queueKey(j.Queue), goredis.Z{
				Score:  jobScore(j.Priority, j.RunAt),
				Member: jID,
			}).Err(); addErr != nil {
				return reclaimed, fmt.Errorf("txflow/redis: reclaim restore member: %w", addErr)
			}
			reclaimed++

		default:
			continue
		}
	}
	return reclaimed, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("txflow/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

// jobScore computes a sorted-set score from priority and run_at.
// Lower score = claimed first. Priority is negated so higher priority
// jobs sort first; a fractional time component keeps FIFO within a
// priority band.
func jobScore(priority int, runAt time.Time) float64 {
	return float64(-priority) + float64(runAt.UnixMilli())/1e15
}

func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":           j.ID.String(),
		"name":         j.Name,
		"queue":        j.Queue,
		"payload":      string(j.Payload),
		"state":        string(j.State),
		"priority":     strconv.Itoa(j.Priority),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"attempts":     strconv.Itoa(j.Attempts),
		"last_error":   j.LastError,
		"worker_id":    j.WorkerID.String(),
		"run_at":       j.RunAt.Format(time.RFC3339Nano),
		"timeout":      strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.LeaseExpiresAt != nil {
		m["lease_expires_at"] = j.LeaseExpiresAt.Format(time.RFC3339Nano)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("txflow/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, txflow.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("txflow/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])    //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])           //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: txflow.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          jID,
		Name:        m["name"],
		Queue:       m["queue"],
		Payload:     []byte(m["payload"]),
		State:       job.State(m["state"]),
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Attempts:    attempts,
		LastError:   m["last_error"],
		RunAt:       runAt,
		Timeout:     time.Duration(timeout),
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["lease_expires_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.LeaseExpiresAt = &t
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}

	return j, nil
}
