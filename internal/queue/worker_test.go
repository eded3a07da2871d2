package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/store"
)

func singleRecord(t *testing.T, attempts, maxAttempts int) *store.JobRecord {
	t.Helper()
	job := validJob()
	job.ID = "inner-1"
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	return &store.JobRecord{
		ID:          "rec-1",
		QueueName:   "email-send",
		Kind:        store.KindSingle,
		TenantID:    "t1",
		CampaignID:  "camp-1",
		Payload:     payload,
		Status:      store.JobActive,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func setupPool(t *testing.T, sender Sender) (*WorkerPool, sqlmock.Sqlmock, func()) {
	t.Helper()
	q, mock, cleanup := setupQueue(t, sender)
	pool := NewWorkerPool(q)
	pool.ctx, pool.cancel = context.WithCancel(context.Background())
	return pool, mock, func() {
		pool.cancel()
		cleanup()
	}
}

func TestExecute_SuccessCompletesAndPublishes(t *testing.T) {
	sender := &fakeSender{}
	pool, mock, cleanup := setupPool(t, sender)
	defer cleanup()

	ch, unsub := pool.queue.Bus().Subscribe()
	defer unsub()

	mock.ExpectExec("UPDATE send_jobs SET status = 'completed'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.execute(singleRecord(t, 1, 3))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sender received %d jobs, want 1", len(sender.sent))
	}

	select {
	case ev := <-ch:
		if ev.Kind != CompletionSent || ev.CampaignID != "camp-1" {
			t.Errorf("completion event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event published")
	}
}

func TestExecute_FailureReschedulesWithBackoff(t *testing.T) {
	sender := &fakeSender{singleFail: true}
	pool, mock, cleanup := setupPool(t, sender)
	defer cleanup()

	mock.ExpectExec("UPDATE send_jobs SET status = 'waiting'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Attempt 1 of 3: the job goes back to waiting, not failed.
	pool.execute(singleRecord(t, 1, 3))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestExecute_ExhaustedAttemptsRetainFailedJob(t *testing.T) {
	sender := &fakeSender{singleFail: true}
	pool, mock, cleanup := setupPool(t, sender)
	defer cleanup()

	ch, unsub := pool.queue.Bus().Subscribe()
	defer unsub()

	mock.ExpectExec("UPDATE send_jobs SET status = 'failed'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Final attempt: the row is parked as failed for inspection.
	pool.execute(singleRecord(t, 3, 3))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != CompletionFailed {
			t.Errorf("completion kind = %s, want failed", ev.Kind)
		}
		if ev.Result == nil || ev.Result.Provider != "fake" {
			t.Errorf("failed result = %+v, want provider fake", ev.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event published")
	}
}

func TestExecute_SenderErrorRetries(t *testing.T) {
	sender := &fakeSender{singleErr: errors.New("connection reset")}
	pool, mock, cleanup := setupPool(t, sender)
	defer cleanup()

	mock.ExpectExec("UPDATE send_jobs SET status = 'waiting'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.execute(singleRecord(t, 1, 3))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestExecuteBatch_PublishesPerResultAndBatchDone(t *testing.T) {
	sender := &fakeSender{}
	pool, mock, cleanup := setupPool(t, sender)
	defer cleanup()

	ch, unsub := pool.queue.Bus().Subscribe()
	defer unsub()

	jobs := []*mail.Job{validJob(), validJob()}
	jobs[0].ID, jobs[1].ID = "b-1", "b-2"
	payload, err := json.Marshal(jobs)
	if err != nil {
		t.Fatal(err)
	}
	rec := &store.JobRecord{
		ID:          "rec-batch",
		QueueName:   "email-send",
		Kind:        store.KindBatch,
		TenantID:    "t1",
		CampaignID:  "camp-2",
		Payload:     payload,
		Status:      store.JobActive,
		Attempts:    1,
		MaxAttempts: 3,
	}

	mock.ExpectExec("UPDATE send_jobs SET status = 'completed'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.execute(rec)

	var kinds []CompletionKind
	timeout := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("received %d events, want 3: %v", len(kinds), kinds)
		}
	}
	if kinds[0] != CompletionSent || kinds[1] != CompletionSent || kinds[2] != CompletionBatchDone {
		t.Errorf("event kinds = %v", kinds)
	}
}
