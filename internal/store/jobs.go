package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/mail"
)

// JobKind separates single sends from batch fan-outs; the two are drained by
// independently sized worker pools.
type JobKind string

const (
	KindSingle JobKind = "single"
	KindBatch  JobKind = "batch"
)

// JobState is the queue-side lifecycle of a job row.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// JobRecord is the persisted form of a queue job. Payload holds one mail.Job
// for kind=single and a slice for kind=batch.
type JobRecord struct {
	ID          string
	QueueName   string
	Kind        JobKind
	TenantID    string
	CampaignID  string
	Payload     []byte
	Priority    mail.Priority
	Seq         int64
	Status      JobState
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// SingleJob decodes the payload of a kind=single record.
func (r *JobRecord) SingleJob() (*mail.Job, error) {
	var job mail.Job
	if err := json.Unmarshal(r.Payload, &job); err != nil {
		return nil, fmt.Errorf("decoding job payload %s: %w", r.ID, err)
	}
	return &job, nil
}

// BatchJobs decodes the payload of a kind=batch record.
func (r *JobRecord) BatchJobs() ([]*mail.Job, error) {
	var jobs []*mail.Job
	if err := json.Unmarshal(r.Payload, &jobs); err != nil {
		return nil, fmt.Errorf("decoding batch payload %s: %w", r.ID, err)
	}
	return jobs, nil
}

// QueueStats are the queue introspection counters.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// JobRepo persists queue jobs.
type JobRepo struct{ db *sql.DB }

const jobColumns = `id, queue_name, kind, tenant_id, COALESCE(campaign_id,''), payload,
       priority, seq, status, run_at, attempts, max_attempts, COALESCE(last_error,''),
       created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*JobRecord, error) {
	var r JobRecord
	err := row.Scan(
		&r.ID, &r.QueueName, &r.Kind, &r.TenantID, &r.CampaignID, &r.Payload,
		&r.Priority, &r.Seq, &r.Status, &r.RunAt, &r.Attempts, &r.MaxAttempts, &r.LastError,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Insert persists a new job row in waiting state.
func (r *JobRepo) Insert(ctx context.Context, rec *JobRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO send_jobs
			(id, queue_name, kind, tenant_id, campaign_id, payload, priority,
			 status, run_at, max_attempts)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6, $7, 'waiting', $8, $9)
	`, rec.ID, rec.QueueName, rec.Kind, rec.TenantID, rec.CampaignID, rec.Payload,
		rec.Priority, rec.RunAt, rec.MaxAttempts)
	return mapError("insert job", err)
}

// Get returns one job row by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*JobRecord, error) {
	rec, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM send_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get job", err)
	}
	return rec, nil
}

// ClaimNext atomically claims the next runnable job of the given kind,
// respecting priority rank then submission order. Active rows whose claim has
// gone stale (worker died mid-send) become runnable again after five minutes.
// Returns ErrNotFound when nothing is runnable.
func (r *JobRepo) ClaimNext(ctx context.Context, queueName string, kind JobKind, now time.Time) (*JobRecord, error) {
	rec, err := scanJob(r.db.QueryRowContext(ctx, `
		UPDATE send_jobs
		SET status = 'active', started_at = $3, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM send_jobs
			WHERE queue_name = $1 AND kind = $2 AND run_at <= $3
			  AND (status = 'waiting'
			       OR (status = 'active' AND started_at < $3 - INTERVAL '5 minutes'))
			ORDER BY priority, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, queueName, kind, now))
	if err != nil {
		return nil, mapError("claim job", err)
	}
	return rec, nil
}

// MarkCompleted finishes a job successfully.
func (r *JobRepo) MarkCompleted(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'completed', finished_at = $2, last_error = NULL
		WHERE id = $1 AND status = 'active'
	`, id, now)
	return mapError("complete job", err)
}

// Reschedule returns a failed attempt to waiting with a future run_at.
func (r *JobRepo) Reschedule(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'waiting', run_at = $2, last_error = $3, started_at = NULL
		WHERE id = $1 AND status = 'active'
	`, id, runAt, lastErr)
	return mapError("reschedule job", err)
}

// MarkFailed parks a job in the failed state for operator inspection.
func (r *JobRepo) MarkFailed(ctx context.Context, id string, now time.Time, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'failed', finished_at = $2, last_error = $3
		WHERE id = $1 AND status = 'active'
	`, id, now, lastErr)
	return mapError("fail job", err)
}

// Cancel removes a job that has not started. Returns ErrConflict if the job
// is active or already finished.
func (r *JobRepo) Cancel(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'cancelled', finished_at = $2
		WHERE id = $1 AND status = 'waiting'
	`, id, now)
	if err != nil {
		return mapError("cancel job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("cancel job %s: job already started: %w", id, ErrConflict)
	}
	return nil
}

// Retry requeues a failed job and resets its attempt counter. Only valid on
// jobs in the failed state.
func (r *JobRepo) Retry(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs
		SET status = 'waiting', run_at = $2, attempts = 0, last_error = NULL,
		    started_at = NULL, finished_at = NULL
		WHERE id = $1 AND status = 'failed'
	`, id, now)
	if err != nil {
		return mapError("retry job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("retry job %s: job is not failed: %w", id, ErrConflict)
	}
	return nil
}

// Stats counts jobs per queue state. Waiting rows with a future run_at are
// reported as delayed.
func (r *JobRepo) Stats(ctx context.Context, queueName string, now time.Time) (*QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, run_at > $2, COUNT(*)
		FROM send_jobs
		WHERE queue_name = $1
		GROUP BY status, run_at > $2
	`, queueName, now)
	if err != nil {
		return nil, mapError("queue stats", err)
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var status JobState
		var delayed bool
		var count int
		if err := rows.Scan(&status, &delayed, &count); err != nil {
			return nil, mapError("queue stats", err)
		}
		switch {
		case status == JobWaiting && delayed:
			stats.Delayed += count
		case status == JobWaiting:
			stats.Waiting += count
		case status == JobActive:
			stats.Active += count
		case status == JobCompleted:
			stats.Completed += count
		case status == JobFailed:
			stats.Failed += count
		}
	}
	return stats, rows.Err()
}
