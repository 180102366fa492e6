package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/dlq"
	"github.com/xraph/txflow/id"
)

// ── JSON model for KV storage ──

type dlqEntity struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	JobName     string     `json:"job_name"`
	Queue       string     `json:"queue"`
	Payload     []byte     `json:"payload,omitempty"`
	Error       string     `json:"error"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	FailedAt    time.Time  `json:"failed_at"`
	ReplayedAt  *time.Time `json:"replayed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toDLQEntity(e *dlq.Entry) *dlqEntity {
	return &dlqEntity{
		ID:          e.ID.String(),
		JobID:       e.JobID.String(),
		JobName:     e.JobName,
		Queue:       e.Queue,
		Payload:     e.Payload,
		Error:       e.Error,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		FailedAt:    e.FailedAt,
		ReplayedAt:  e.ReplayedAt,
		CreatedAt:   e.CreatedAt,
	}
}

func fromDLQEntity(e *dlqEntity) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(e.ID)
	if err != nil {
		return nil, fmt.Errorf("txflow/redis: parse dlq id: %w", err)
	}

	jID, err := id.ParseJobID(e.JobID)
	if err != nil {
		return nil, fmt.Errorf("txflow/redis: parse job id: %w", err)
	}

	return &dlq.Entry{
		ID:          eID,
		JobID:       jID,
		JobName:     e.JobName,
		Queue:       e.Queue,
		Payload:     e.Payload,
		Error:       e.Error,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		FailedAt:    e.FailedAt,
		ReplayedAt:  e.ReplayedAt,
		CreatedAt:   e.CreatedAt,
	}, nil
}

// PushDLQ adds a failed job entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	if err := s.setEntity(ctx, dlqKey(eID), toDLQEntity(entry)); err != nil {
		return fmt.Errorf("txflow/redis: push dlq set: %w", err)
	}
	if err := s.client.SAdd(ctx, dlqIDsKey, eID).Err(); err != nil {
		return fmt.Errorf("txflow/redis: push dlq index: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.SMembers(ctx, dlqIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("txflow/redis: list dlq smembers: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		var e dlqEntity
		if getErr := s.getEntity(ctx, dlqKey(eID), &e); getErr != nil {
			continue
		}
		entry, convErr := fromDLQEntity(&e)
		if convErr != nil {
			continue
		}
		if opts.Queue != "" && entry.Queue != opts.Queue {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FailedAt.After(entries[j].FailedAt)
	})

	if opts.Offset > 0 && opts.Offset < len(entries) {
		entries = entries[opts.Offset:]
	} else if opts.Offset >= len(entries) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	var e dlqEntity
	if err := s.getEntity(ctx, dlqKey(entryID.String()), &e); err != nil {
		if isNotFound(err) {
			return nil, txflow.ErrDLQNotFound
		}
		return nil, fmt.Errorf("txflow/redis: get dlq: %w", err)
	}
	return fromDLQEntity(&e)
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	key := dlqKey(entryID.String())

	var e dlqEntity
	if err := s.getEntity(ctx, key, &e); err != nil {
		if isNotFound(err) {
			return txflow.ErrDLQNotFound
		}
		return fmt.Errorf("txflow/redis: replay dlq get: %w", err)
	}

	t := now()
	e.ReplayedAt = &t
	return s.setEntity(ctx, key, &e)
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("txflow/redis: purge dlq smembers: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		key := dlqKey(eID)
		var e dlqEntity
		if getErr := s.getEntity(ctx, key, &e); getErr != nil {
			continue
		}
		if !e.FailedAt.Before(before) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.SRem(ctx, dlqIDsKey, eID)
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return purged, fmt.Errorf("txflow/redis: purge dlq: %w", execErr)
		}
		purged++
	}
	return purged, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("txflow/redis: count dlq: %w", err)
	}
	return n, nil
}
