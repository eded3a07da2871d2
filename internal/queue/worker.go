package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/metrics"
	"github.com/ignite/mailflow/internal/store"
)

// WorkerPool drains the queue. Single-job workers and batch-job workers are
// sized independently; batch workers are fewer since each batch job fans out
// many sends internally.
type WorkerPool struct {
	queue        *Queue
	singleCount  int
	batchCount   int
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool over q sized from its config.
func NewWorkerPool(q *Queue) *WorkerPool {
	poll := time.Duration(q.cfg.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &WorkerPool{
		queue:        q,
		singleCount:  q.cfg.SingleWorkers,
		batchCount:   q.cfg.BatchWorkers,
		pollInterval: poll,
	}
}

// Start launches the workers. They run until Stop or context cancellation.
func (p *WorkerPool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	log.Printf("[Queue] Starting %d single and %d batch workers for queue %q",
		p.singleCount, p.batchCount, p.queue.name)

	for i := 0; i < p.singleCount; i++ {
		p.wg.Add(1)
		go p.run(store.KindSingle)
	}
	for i := 0; i < p.batchCount; i++ {
		p.wg.Add(1)
		go p.run(store.KindBatch)
	}
}

// Stop halts claiming and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *WorkerPool) run(kind store.JobKind) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.queue.Paused() {
			p.sleep()
			continue
		}

		rec, err := p.queue.jobs.ClaimNext(p.ctx, p.queue.name, kind, p.queue.now())
		if errors.Is(err, store.ErrNotFound) {
			p.sleep()
			continue
		}
		if err != nil {
			if p.ctx.Err() == nil {
				log.Printf("[Queue] Claim error: %v", err)
			}
			p.sleep()
			continue
		}

		p.execute(rec)
	}
}

func (p *WorkerPool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.ctx.Done():
	}
}

// execute runs one claimed job attempt and settles its outcome: completed,
// rescheduled with backoff, or terminally failed.
func (p *WorkerPool) execute(rec *store.JobRecord) {
	started := time.Now()
	var attemptErr error

	switch rec.Kind {
	case store.KindSingle:
		attemptErr = p.executeSingle(rec)
	case store.KindBatch:
		attemptErr = p.executeBatch(rec)
	default:
		attemptErr = fmt.Errorf("unknown job kind %q", rec.Kind)
	}

	metrics.JobDuration.WithLabelValues(string(rec.Kind)).Observe(time.Since(started).Seconds())

	now := p.queue.now()
	if attemptErr == nil {
		if err := p.queue.jobs.MarkCompleted(p.ctx, rec.ID, now); err != nil {
			log.Printf("[Queue] Failed to complete job %s: %v", rec.ID, err)
		}
		metrics.JobsCompleted.WithLabelValues(string(rec.Kind), "completed").Inc()
		return
	}

	if rec.Attempts < rec.MaxAttempts {
		delay := p.queue.backoffDelay(rec.Attempts)
		log.Printf("[Queue] Job %s attempt %d/%d failed (%v), retrying in %s",
			rec.ID, rec.Attempts, rec.MaxAttempts, attemptErr, delay)
		metrics.JobRetries.Inc()
		if err := p.queue.jobs.Reschedule(p.ctx, rec.ID, now.Add(delay), attemptErr.Error()); err != nil {
			log.Printf("[Queue] Failed to reschedule job %s: %v", rec.ID, err)
		}
		return
	}

	// Attempts exhausted: the job is retained in failed state, never
	// silently dropped.
	log.Printf("[Queue] Job %s failed after %d attempts: %v", rec.ID, rec.Attempts, attemptErr)
	metrics.JobsCompleted.WithLabelValues(string(rec.Kind), "failed").Inc()
	if err := p.queue.jobs.MarkFailed(p.ctx, rec.ID, now, attemptErr.Error()); err != nil {
		log.Printf("[Queue] Failed to mark job %s failed: %v", rec.ID, err)
	}
}

func (p *WorkerPool) executeSingle(rec *store.JobRecord) error {
	job, err := rec.SingleJob()
	if err != nil {
		return err
	}

	result, err := p.queue.sender.SendSingle(p.ctx, job)
	if err != nil {
		p.publishSingle(rec, CompletionFailed, nil)
		return err
	}
	if result.Failed() {
		p.publishSingle(rec, CompletionFailed, result)
		return fmt.Errorf("send failed via %s: %s", result.Provider, result.Error)
	}

	p.publishSingle(rec, CompletionSent, result)
	return nil
}

func (p *WorkerPool) executeBatch(rec *store.JobRecord) error {
	jobs, err := rec.BatchJobs()
	if err != nil {
		return err
	}

	batch, err := p.queue.sender.SendBatch(p.ctx, jobs)
	if err != nil {
		return fmt.Errorf("batch send: %w", err)
	}

	for i := range batch.Results {
		res := &batch.Results[i]
		kind := CompletionSent
		if res.Failed() {
			kind = CompletionFailed
		}
		p.queue.bus.Publish(CompletionEvent{
			Kind:       kind,
			JobID:      rec.ID,
			TenantID:   rec.TenantID,
			CampaignID: rec.CampaignID,
			Result:     res,
		})
	}

	p.queue.bus.Publish(CompletionEvent{
		Kind:       CompletionBatchDone,
		JobID:      rec.ID,
		TenantID:   rec.TenantID,
		CampaignID: rec.CampaignID,
		Batch:      batch,
	})

	log.Printf("[Queue] Batch job %s done: %d sent, %d failed of %d",
		rec.ID, batch.Successful, batch.Failed, batch.Total)
	return nil
}

func (p *WorkerPool) publishSingle(rec *store.JobRecord, kind CompletionKind, result *mail.SendResult) {
	p.queue.bus.Publish(CompletionEvent{
		Kind:       kind,
		JobID:      rec.ID,
		TenantID:   rec.TenantID,
		CampaignID: rec.CampaignID,
		Result:     result,
	})
}
