package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/dlq"
	"github.com/xraph/txflow/id"
)

const dlqColumns = `id, job_id, job_name, queue, payload, error, attempts,
	max_attempts, failed_at, replayed_at, created_at`

// PushDLQ adds a failed job entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO txflow_dlq (
			id, job_id, job_name, queue, payload, error, attempts,
			max_attempts, failed_at, replayed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.ID, entry.JobID, entry.JobName, entry.Queue, entry.Payload,
		entry.Error, entry.Attempts, entry.MaxAttempts, entry.FailedAt,
		entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("txflow/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM txflow_dlq WHERE 1=1`
	var args []any

	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}

	query += " ORDER BY failed_at DESC"

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
		return nil, fmt.Errorf("txflow/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		entry, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("txflow/postgres: scan dlq entry: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txflow/postgres: iterate dlq: %w", err)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM txflow_dlq WHERE id = $1`, entryID)

	entry, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", txflow.ErrDLQNotFound, entryID)
		}
		return nil, fmt.Errorf("txflow/postgres: get dlq entry: %w", err)
	}
	return entry, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE txflow_dlq SET replayed_at = NOW() WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("txflow/postgres: replay dlq entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", txflow.ErrDLQNotFound, entryID)
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM txflow_dlq WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("txflow/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM txflow_dlq`).Scan(&count); err != nil {
		return 0, fmt.Errorf("txflow/postgres: count dlq: %w", err)
	}
	return count, nil
}

func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var entry dlq.Entry
	err := row.Scan(
		&entry.ID, &entry.JobID, &entry.JobName, &entry.Queue, &entry.Payload,
		&entry.Error, &entry.Attempts, &entry.MaxAttempts, &entry.FailedAt,
		&entry.ReplayedAt, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
