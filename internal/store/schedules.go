package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/mail"
)

// ScheduleRepo persists scheduled sends. Status changes always carry the
// expected current status in the WHERE clause, so a concurrent transition
// loses cleanly instead of clobbering.
type ScheduleRepo struct{ db *sql.DB }

const scheduleColumns = `id, tenant_id, COALESCE(campaign_id,''), job, recipients,
       scheduled_at, status, user_type, COALESCE(estimated_cost, 0),
       retry_count, max_retries, created_at, updated_at,
       cancelled_at, sent_at, COALESCE(failure_reason,'')`

func scanSchedule(row interface{ Scan(...interface{}) error }) (*mail.ScheduledSend, error) {
	var s mail.ScheduledSend
	var jobJSON, recipientsJSON []byte
	err := row.Scan(
		&s.ID, &s.TenantID, &s.CampaignID, &jobJSON, &recipientsJSON,
		&s.ScheduledAt, &s.Status, &s.UserType, &s.EstimatedCost,
		&s.RetryCount, &s.MaxRetries, &s.CreatedAt, &s.UpdatedAt,
		&s.CancelledAt, &s.SentAt, &s.FailureReason,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(jobJSON, &s.Job); err != nil {
		return nil, fmt.Errorf("decoding schedule job %s: %w", s.ID, err)
	}
	if err := json.Unmarshal(recipientsJSON, &s.Recipients); err != nil {
		return nil, fmt.Errorf("decoding schedule recipients %s: %w", s.ID, err)
	}
	return &s, nil
}

// Insert persists a new scheduled send in pending state.
func (r *ScheduleRepo) Insert(ctx context.Context, s *mail.ScheduledSend) error {
	jobJSON, err := json.Marshal(s.Job)
	if err != nil {
		return fmt.Errorf("encoding schedule job: %w", err)
	}
	recipientsJSON, err := json.Marshal(s.Recipients)
	if err != nil {
		return fmt.Errorf("encoding schedule recipients: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_sends
			(id, tenant_id, campaign_id, job, recipients, scheduled_at, status,
			 user_type, estimated_cost, max_retries, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, s.ID, s.TenantID, s.CampaignID, jobJSON, recipientsJSON, s.ScheduledAt,
		s.Status, s.UserType, s.EstimatedCost, s.MaxRetries, s.CreatedAt)
	return mapError("insert schedule", err)
}

// Get returns one scheduled send by id.
func (r *ScheduleRepo) Get(ctx context.Context, id string) (*mail.ScheduledSend, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_sends WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get schedule", err)
	}
	return s, nil
}

// ListFilter narrows ListByTenant.
type ListFilter struct {
	Status mail.ScheduleStatus
	Limit  int
	Offset int
}

// ListByTenant returns a tenant's scheduled sends, newest first, with the
// total count for pagination.
func (r *ScheduleRepo) ListByTenant(ctx context.Context, tenantID string, f ListFilter) ([]*mail.ScheduledSend, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM scheduled_sends WHERE tenant_id = $1`
	countArgs := []interface{}{tenantID}
	if f.Status != "" {
		countQ += ` AND status = $2`
		countArgs = append(countArgs, f.Status)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, mapError("count schedules", err)
	}

	q := `SELECT ` + scheduleColumns + ` FROM scheduled_sends WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, mapError("list schedules", err)
	}
	defer rows.Close()

	var out []*mail.ScheduledSend
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, 0, mapError("list schedules", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// ClaimDue atomically moves pending rows whose scheduled_at has arrived into
// processing and returns them. SKIP LOCKED keeps concurrent scanners from
// claiming the same rows. Processing rows untouched for five minutes are
// treated as abandoned by a dead scanner and claimed again.
func (r *ScheduleRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*mail.ScheduledSend, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		UPDATE scheduled_sends
		SET status = 'processing', updated_at = $1
		WHERE id IN (
			SELECT id FROM scheduled_sends
			WHERE scheduled_at <= $1
			  AND (status = 'pending'
			       OR (status = 'processing' AND updated_at < $1 - INTERVAL '5 minutes'))
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scheduleColumns, now, limit)
	if err != nil {
		return nil, mapError("claim due schedules", err)
	}
	defer rows.Close()

	var out []*mail.ScheduledSend
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, mapError("claim due schedules", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClaimPending moves one specific pending row into processing, for manual
// triggering. Returns ErrConflict if the row is not pending.
func (r *ScheduleRepo) ClaimPending(ctx context.Context, id string, now time.Time) (*mail.ScheduledSend, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, `
		UPDATE scheduled_sends
		SET status = 'processing', updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+scheduleColumns, id, now))
	if err == sql.ErrNoRows {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("claim schedule %s: not pending: %w", id, ErrConflict)
	}
	if err != nil {
		return nil, mapError("claim schedule", err)
	}
	return s, nil
}

// MarkSent finishes a processing row as sent.
func (r *ScheduleRepo) MarkSent(ctx context.Context, id string, now time.Time) error {
	return r.finish(ctx, id, `
		UPDATE scheduled_sends
		SET status = 'sent', sent_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, now)
}

// ReturnToPending sends a processing row back for a later pass, bumping its
// retry count.
func (r *ScheduleRepo) ReturnToPending(ctx context.Context, id string, now time.Time, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_sends
		SET status = 'pending', retry_count = retry_count + 1,
		    failure_reason = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, now, reason)
	if err != nil {
		return mapError("return schedule to pending", err)
	}
	return r.checkAffected(res, id)
}

// MarkFailed terminally fails a processing row, bumping its retry count.
func (r *ScheduleRepo) MarkFailed(ctx context.Context, id string, now time.Time, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_sends
		SET status = 'failed', retry_count = retry_count + 1,
		    failure_reason = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, now, reason)
	if err != nil {
		return mapError("fail schedule", err)
	}
	return r.checkAffected(res, id)
}

// Cancel cancels a pending row. Returns ErrConflict when the row has left
// pending; cancellation is not allowed after processing begins.
func (r *ScheduleRepo) Cancel(ctx context.Context, id string, now time.Time, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_sends
		SET status = 'cancelled', cancelled_at = $2, failure_reason = NULLIF($3,''), updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, now, reason)
	if err != nil {
		return mapError("cancel schedule", err)
	}
	return r.checkAffected(res, id)
}

// ScheduleStats counts scheduled sends per lifecycle state.
type ScheduleStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Stats aggregates schedule counts, optionally per tenant.
func (r *ScheduleRepo) Stats(ctx context.Context, tenantID string) (*ScheduleStats, error) {
	q := `SELECT status, COUNT(*) FROM scheduled_sends`
	args := []interface{}{}
	if tenantID != "" {
		q += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	q += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapError("schedule stats", err)
	}
	defer rows.Close()

	stats := &ScheduleStats{}
	for rows.Next() {
		var status mail.ScheduleStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, mapError("schedule stats", err)
		}
		switch status {
		case mail.SchedulePending:
			stats.Pending = count
		case mail.ScheduleProcessing:
			stats.Processing = count
		case mail.ScheduleSent:
			stats.Sent = count
		case mail.ScheduleFailed:
			stats.Failed = count
		case mail.ScheduleCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

func (r *ScheduleRepo) finish(ctx context.Context, id, query string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return mapError("finish schedule", err)
	}
	return r.checkAffected(res, id)
}

func (r *ScheduleRepo) checkAffected(res sql.Result, id string) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("schedule %s: illegal transition: %w", id, ErrConflict)
	}
	return nil
}
