package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/store"
)

type fakeSender struct {
	singleErr  error
	singleFail bool
	batchErr   error
	sent       []*mail.Job
}

func (f *fakeSender) SendSingle(ctx context.Context, job *mail.Job) (*mail.SendResult, error) {
	if f.singleErr != nil {
		return nil, f.singleErr
	}
	if f.singleFail {
		return &mail.SendResult{Status: mail.StatusFailed, Provider: "fake", Error: "refused"}, nil
	}
	f.sent = append(f.sent, job)
	return &mail.SendResult{Status: mail.StatusSent, Provider: "fake", MessageID: "mid-" + job.ID}, nil
}

func (f *fakeSender) SendBatch(ctx context.Context, jobs []*mail.Job) (*mail.BatchResult, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	batch := &mail.BatchResult{Total: len(jobs)}
	for _, job := range jobs {
		res, _ := f.SendSingle(ctx, job)
		batch.Results = append(batch.Results, *res)
		if res.Failed() {
			batch.Failed++
		} else {
			batch.Successful++
		}
	}
	return batch, nil
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		Name:                "email-send",
		SingleWorkers:       1,
		BatchWorkers:        1,
		MaxAttempts:         3,
		BackoffBaseSeconds:  5,
		PollIntervalSeconds: 1,
	}
}

func setupQueue(t *testing.T, sender Sender) (*Queue, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	st := store.New(db)
	q := New(testConfig(), st.Jobs, sender, NewBus())
	return q, mock, func() { db.Close() }
}

func validJob() *mail.Job {
	return &mail.Job{
		TenantID:  "t1",
		Recipient: "user@example.com",
		FromEmail: "sender@example.com",
		Subject:   "Hello",
		TextBody:  "Hi",
	}
}

func TestEnqueueSingle(t *testing.T) {
	q, mock, cleanup := setupQueue(t, &fakeSender{})
	defer cleanup()

	mock.ExpectExec("INSERT INTO send_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := q.EnqueueSingle(context.Background(), validJob())
	if err != nil {
		t.Fatalf("EnqueueSingle() error: %v", err)
	}
	if id == "" {
		t.Error("EnqueueSingle() returned empty id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEnqueueSingle_InvalidJob(t *testing.T) {
	q, mock, cleanup := setupQueue(t, &fakeSender{})
	defer cleanup()

	job := validJob()
	job.Recipient = ""
	if _, err := q.EnqueueSingle(context.Background(), job); err == nil {
		t.Error("EnqueueSingle() accepted invalid job")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("invalid job reached the database: %v", err)
	}
}

func TestEnqueueBatch_Empty(t *testing.T) {
	q, _, cleanup := setupQueue(t, &fakeSender{})
	defer cleanup()

	if _, err := q.EnqueueBatch(context.Background(), nil, "camp-1"); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("error = %v, want ErrEmptyBatch", err)
	}
}

func TestEnqueueBatch_PropagatesCampaignID(t *testing.T) {
	q, mock, cleanup := setupQueue(t, &fakeSender{})
	defer cleanup()

	mock.ExpectExec("INSERT INTO send_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	jobs := []*mail.Job{validJob(), validJob()}
	if _, err := q.EnqueueBatch(context.Background(), jobs, "camp-7"); err != nil {
		t.Fatalf("EnqueueBatch() error: %v", err)
	}
	for i, job := range jobs {
		if job.CampaignID != "camp-7" {
			t.Errorf("jobs[%d].CampaignID = %q, want camp-7", i, job.CampaignID)
		}
		if job.ID == "" {
			t.Errorf("jobs[%d] not assigned an id", i)
		}
	}
}

func TestEnqueueScheduled_RejectsPast(t *testing.T) {
	q, _, cleanup := setupQueue(t, &fakeSender{})
	defer cleanup()

	now := time.Now()
	q.now = func() time.Time { return now }

	for _, sendAt := range []time.Time{now, now.Add(-time.Minute)} {
		if _, err := q.EnqueueScheduled(context.Background(), validJob(), sendAt); !errors.Is(err, ErrNotFuture) {
			t.Errorf("EnqueueScheduled(%v) error = %v, want ErrNotFuture", sendAt, err)
		}
	}
}

func TestEnqueueScheduled_Future(t *testing.T) {
	q, mock, cleanup := setupQueue(t, &fakeSender{})
	defer cleanup()

	mock.ExpectExec("INSERT INTO send_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := q.EnqueueScheduled(context.Background(), validJob(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("EnqueueScheduled() error: %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	q, _, cleanup := setupQueue(t, &fakeSender{})
	defer cleanup()

	if q.Paused() {
		t.Error("queue starts paused")
	}
	q.Pause()
	if !q.Paused() {
		t.Error("Pause() had no effect")
	}
	q.Resume()
	if q.Paused() {
		t.Error("Resume() had no effect")
	}
}

func TestBackoffDelay(t *testing.T) {
	q, _, cleanup := setupQueue(t, &fakeSender{})
	defer cleanup()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := q.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(CompletionEvent{Kind: CompletionSent, JobID: "j1", CampaignID: "c1"})

	select {
	case ev := <-ch:
		if ev.Kind != CompletionSent || ev.JobID != "j1" {
			t.Errorf("received %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBus_PublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(CompletionEvent{Kind: CompletionSent})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}
