package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/cron"
	"github.com/xraph/txflow/dlq"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:txflow_jobs"`

	ID             string     `bun:"id,pk"`
	Name           string     `bun:"name,notnull"`
	Queue          string     `bun:"queue,notnull,default:'default'"`
	Payload        []byte     `bun:"payload,type:bytea"`
	State          string     `bun:"state,notnull,default:'queued'"`
	Priority       int        `bun:"priority,notnull,default:0"`
	MaxAttempts    int        `bun:"max_attempts,notnull,default:3"`
	Attempts       int        `bun:"attempts,notnull,default:0"`
	LastError      string     `bun:"last_error"`
	WorkerID       string     `bun:"worker_id"`
	RunAt          time.Time  `bun:"run_at,notnull,default:current_timestamp"`
	LeaseExpiresAt *time.Time `bun:"lease_expires_at"`
	StartedAt      *time.Time `bun:"started_at"`
	CompletedAt    *time.Time `bun:"completed_at"`
	Timeout        int64      `bun:"timeout,notnull,default:0"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:             j.ID.String(),
		Name:           j.Name,
		Queue:          j.Queue,
		Payload:        j.Payload,
		State:          string(j.State),
		Priority:       j.Priority,
		MaxAttempts:    j.MaxAttempts,
		Attempts:       j.Attempts,
		LastError:      j.LastError,
		WorkerID:       j.WorkerID.String(),
		RunAt:          j.RunAt,
		LeaseExpiresAt: j.LeaseExpiresAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		Timeout:        j.Timeout.Nanoseconds(),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("txflow/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: txflow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		Name:           m.Name,
		Queue:          m.Queue,
		Payload:        m.Payload,
		State:          job.State(m.State),
		Priority:       m.Priority,
		MaxAttempts:    m.MaxAttempts,
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		RunAt:          m.RunAt,
		LeaseExpiresAt: m.LeaseExpiresAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
		Timeout:        time.Duration(m.Timeout),
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return j, nil
}

// ── Cron entry model ──────────────────────────────────────────────

type cronEntryModel struct {
	bun.BaseModel `bun:"table:txflow_cron_entries"`

	ID          string     `bun:"id,pk"`
	Name        string     `bun:"name,notnull,unique"`
	Schedule    string     `bun:"schedule,notnull"`
	JobName     string     `bun:"job_name,notnull"`
	Queue       string     `bun:"queue,notnull,default:''"`
	Payload     []byte     `bun:"payload,type:bytea"`
	LastRunAt   *time.Time `bun:"last_run_at"`
	NextRunAt   *time.Time `bun:"next_run_at"`
	LockedBy    *string    `bun:"locked_by"`
	LockedUntil *time.Time `bun:"locked_until"`
	Enabled     bool       `bun:"enabled,notnull,default:true"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toCronModel(e *cron.Entry) *cronEntryModel {
	m := &cronEntryModel{
		ID:          e.ID.String(),
		Name:        e.Name,
		Schedule:    e.Schedule,
		JobName:     e.JobName,
		Queue:       e.Queue,
		Payload:     e.Payload,
		LastRunAt:   e.LastRunAt,
		NextRunAt:   e.NextRunAt,
		LockedUntil: e.LockedUntil,
		Enabled:     e.Enabled,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.LockedBy != "" {
		m.LockedBy = &e.LockedBy
	}
	return m
}

func fromCronModel(m *cronEntryModel) (*cron.Entry, error) {
	parsedID, err := id.ParseCronID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("txflow/bun: parse cron id %q: %w", m.ID, err)
	}

	e := &cron.Entry{
		Entity: txflow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		Name:        m.Name,
		Schedule:    m.Schedule,
		JobName:     m.JobName,
		Queue:       m.Queue,
		Payload:     m.Payload,
		LastRunAt:   m.LastRunAt,
		NextRunAt:   m.NextRunAt,
		LockedUntil: m.LockedUntil,
		Enabled:     m.Enabled,
	}
	if m.LockedBy != nil {
		e.LockedBy = *m.LockedBy
	}
	return e, nil
}

// ── DLQ entry model ───────────────────────────────────────────────

type dlqEntryModel struct {
	bun.BaseModel `bun:"table:txflow_dlq"`

	ID          string     `bun:"id,pk"`
	JobID       string     `bun:"job_id,notnull"`
	JobName     string     `bun:"job_name,notnull"`
	Queue       string     `bun:"queue,notnull"`
	Payload     []byte     `bun:"payload,type:bytea"`
	Error       string     `bun:"error,notnull"`
	Attempts    int        `bun:"attempts,notnull"`
	MaxAttempts int        `bun:"max_attempts,notnull,default:3"`
	FailedAt    time.Time  `bun:"failed_at,notnull,default:current_timestamp"`
	ReplayedAt  *time.Time `bun:"replayed_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

func toDLQModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
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

func fromDLQModel(m *dlqEntryModel) (*dlq.Entry, error) {
	parsedID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("txflow/bun: parse dlq id %q: %w", m.ID, err)
	}

	parsedJobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("txflow/bun: parse job id %q: %w", m.JobID, err)
	}

	return &dlq.Entry{
		ID:          parsedID,
		JobID:       parsedJobID,
		JobName:     m.JobName,
		Queue:       m.Queue,
		Payload:     m.Payload,
		Error:       m.Error,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		FailedAt:    m.FailedAt,
		ReplayedAt:  m.ReplayedAt,
		CreatedAt:   m.CreatedAt,
	}, nil
}
