// Package queue implements the persistent, priority- and delay-aware work
// queue feeding the delivery orchestrator. Jobs survive process restarts in
// Postgres; dequeue order is priority rank first, submission order within a
// rank. Single sends and batch fan-outs are drained by separate worker
// pools.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/metrics"
	"github.com/ignite/mailflow/internal/store"
)

var (
	// ErrNotFuture is returned when a scheduled enqueue is not strictly in
	// the future.
	ErrNotFuture = errors.New("scheduled time must be in the future")

	// ErrEmptyBatch is returned for a batch enqueue with no jobs.
	ErrEmptyBatch = errors.New("batch contains no jobs")
)

// Sender executes sends. The delivery orchestrator satisfies this.
type Sender interface {
	SendSingle(ctx context.Context, job *mail.Job) (*mail.SendResult, error)
	SendBatch(ctx context.Context, jobs []*mail.Job) (*mail.BatchResult, error)
}

// Queue is a named persistent work queue.
type Queue struct {
	name   string
	cfg    config.QueueConfig
	jobs   *store.JobRepo
	sender Sender
	bus    *Bus

	paused atomic.Bool

	now func() time.Time
}

// New creates a queue over the given repository and sender.
func New(cfg config.QueueConfig, jobs *store.JobRepo, sender Sender, bus *Bus) *Queue {
	if bus == nil {
		bus = NewBus()
	}
	return &Queue{
		name:   cfg.Name,
		cfg:    cfg,
		jobs:   jobs,
		sender: sender,
		bus:    bus,
		now:    time.Now,
	}
}

// Bus exposes the completion-event bus for subscribers.
func (q *Queue) Bus() *Bus { return q.bus }

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) newRecord(job *mail.Job, kind store.JobKind, campaignID string, payload interface{}, runAt time.Time) (*store.JobRecord, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	maxAttempts := q.cfg.MaxAttempts
	if job != nil && job.MaxRetries > 0 {
		maxAttempts = job.MaxRetries
	}
	priority := mail.PriorityNormal
	tenantID := ""
	if job != nil {
		priority = job.Priority
		tenantID = job.TenantID
	}
	return &store.JobRecord{
		ID:          uuid.NewString(),
		QueueName:   q.name,
		Kind:        kind,
		TenantID:    tenantID,
		CampaignID:  campaignID,
		Payload:     data,
		Priority:    priority,
		RunAt:       runAt,
		MaxAttempts: maxAttempts,
	}, nil
}

// EnqueueSingle accepts one job for immediate processing and returns the
// queue job id.
func (q *Queue) EnqueueSingle(ctx context.Context, job *mail.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	rec, err := q.newRecord(job, store.KindSingle, job.CampaignID, job, q.now())
	if err != nil {
		return "", err
	}
	if err := q.jobs.Insert(ctx, rec); err != nil {
		return "", err
	}
	metrics.JobsEnqueued.WithLabelValues(string(store.KindSingle), job.Priority.String()).Inc()
	return rec.ID, nil
}

// EnqueueBatch accepts a set of jobs processed as one batch fan-out.
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []*mail.Job, campaignID string) (string, error) {
	if len(jobs) == 0 {
		return "", ErrEmptyBatch
	}
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return "", err
		}
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if campaignID != "" && job.CampaignID == "" {
			job.CampaignID = campaignID
		}
	}
	rec, err := q.newRecord(jobs[0], store.KindBatch, campaignID, jobs, q.now())
	if err != nil {
		return "", err
	}
	if err := q.jobs.Insert(ctx, rec); err != nil {
		return "", err
	}
	metrics.JobsEnqueued.WithLabelValues(string(store.KindBatch), jobs[0].Priority.String()).Inc()
	return rec.ID, nil
}

// EnqueueScheduled accepts one job to run at a future time. sendAt must be
// strictly in the future.
func (q *Queue) EnqueueScheduled(ctx context.Context, job *mail.Job, sendAt time.Time) (string, error) {
	if !sendAt.After(q.now()) {
		return "", ErrNotFuture
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	rec, err := q.newRecord(job, store.KindSingle, job.CampaignID, job, sendAt)
	if err != nil {
		return "", err
	}
	if err := q.jobs.Insert(ctx, rec); err != nil {
		return "", err
	}
	metrics.JobsEnqueued.WithLabelValues(string(store.KindSingle), job.Priority.String()).Inc()
	return rec.ID, nil
}

// GetStatus returns the queue-side view of one job.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (*store.JobRecord, error) {
	return q.jobs.Get(ctx, jobID)
}

// Cancel removes a queued-but-not-started job.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.jobs.Cancel(ctx, jobID, q.now())
}

// Retry requeues a failed job.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	return q.jobs.Retry(ctx, jobID, q.now())
}

// Stats reports waiting/active/completed/failed/delayed counts and the
// paused flag.
type Stats struct {
	store.QueueStats
	Paused bool `json:"paused"`
}

// Stats returns the current queue counters.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	s, err := q.jobs.Stats(ctx, q.name, q.now())
	if err != nil {
		return nil, err
	}
	return &Stats{QueueStats: *s, Paused: q.paused.Load()}, nil
}

// Pause stops workers from claiming new jobs. In-flight jobs finish.
func (q *Queue) Pause() { q.paused.Store(true) }

// Resume lets workers claim jobs again.
func (q *Queue) Resume() { q.paused.Store(false) }

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool { return q.paused.Load() }

// backoffDelay computes the retry delay for the given attempt number using
// exponential backoff: base * 2^attempt.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	base := time.Duration(q.cfg.BackoffBaseSeconds) * time.Second
	if base <= 0 {
		base = 5 * time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}
