package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/mailflow/internal/mail"
)

func errNoRows() error { return sql.ErrNoRows }

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func jobRows(t *testing.T, recs ...*JobRecord) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{
		"id", "queue_name", "kind", "tenant_id", "campaign_id", "payload",
		"priority", "seq", "status", "run_at", "attempts", "max_attempts",
		"last_error", "created_at", "started_at", "finished_at",
	})
	for _, r := range recs {
		rows.AddRow(r.ID, r.QueueName, r.Kind, r.TenantID, r.CampaignID, r.Payload,
			r.Priority, r.Seq, r.Status, r.RunAt, r.Attempts, r.MaxAttempts,
			r.LastError, r.CreatedAt, r.StartedAt, r.FinishedAt)
	}
	return rows
}

func sampleRecord(t *testing.T) *JobRecord {
	t.Helper()
	payload, err := json.Marshal(&mail.Job{
		ID: "inner", TenantID: "t1", Recipient: "user@example.com",
		FromEmail: "sender@example.com", Subject: "Hi", TextBody: "Hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &JobRecord{
		ID:          "rec-1",
		QueueName:   "email-send",
		Kind:        KindSingle,
		TenantID:    "t1",
		Payload:     payload,
		Priority:    mail.PriorityHigh,
		Seq:         7,
		Status:      JobWaiting,
		RunAt:       time.Now(),
		MaxAttempts: 3,
		CreatedAt:   time.Now(),
	}
}

func TestClaimNext_OrdersByPriorityThenSeq(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rec := sampleRecord(t)
	rec.Status = JobActive
	rec.Attempts = 1

	// The claim must order by priority rank then submission sequence, and
	// skip rows other workers hold.
	mock.ExpectQuery(`ORDER BY priority, seq(?s).*FOR UPDATE SKIP LOCKED`).
		WithArgs("email-send", KindSingle, sqlmock.AnyArg()).
		WillReturnRows(jobRows(t, rec))

	got, err := st.Jobs.ClaimNext(context.Background(), "email-send", KindSingle, time.Now())
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if got.ID != "rec-1" || got.Attempts != 1 {
		t.Errorf("claimed = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimNext_RecoversStaleClaims(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// A worker that died mid-send leaves its row active. The claim must hand
	// such rows out again once started_at is old enough.
	rec := sampleRecord(t)
	rec.Status = JobActive
	rec.Attempts = 2

	mock.ExpectQuery(`status = 'active' AND started_at < \$3 - INTERVAL '5 minutes'`).
		WithArgs("email-send", KindSingle, sqlmock.AnyArg()).
		WillReturnRows(jobRows(t, rec))

	got, err := st.Jobs.ClaimNext(context.Background(), "email-send", KindSingle, time.Now())
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if got.ID != "rec-1" || got.Status != JobActive {
		t.Errorf("claimed = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE send_jobs").
		WillReturnError(errNoRows())

	_, err := st.Jobs.ClaimNext(context.Background(), "email-send", KindSingle, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCancel_OnlyWaitingJobs(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// The conditional UPDATE touches 0 rows; the follow-up Get shows the
	// job is active, so the cancel reports a conflict.
	rec := sampleRecord(t)
	rec.Status = JobActive

	mock.ExpectExec("UPDATE send_jobs SET status = 'cancelled'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM send_jobs WHERE id =").
		WillReturnRows(jobRows(t, rec))

	err := st.Jobs.Cancel(context.Background(), "rec-1", time.Now())
	if !errors.Is(err, ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestCancel_MissingJob(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE send_jobs SET status = 'cancelled'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM send_jobs WHERE id =").
		WillReturnError(errNoRows())

	err := st.Jobs.Cancel(context.Background(), "nope", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRetry_OnlyFailedJobs(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rec := sampleRecord(t)
	rec.Status = JobCompleted

	mock.ExpectExec("UPDATE send_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM send_jobs WHERE id =").
		WillReturnRows(jobRows(t, rec))

	err := st.Jobs.Retry(context.Background(), "rec-1", time.Now())
	if !errors.Is(err, ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestJobRecord_PayloadDecoding(t *testing.T) {
	rec := sampleRecord(t)
	job, err := rec.SingleJob()
	if err != nil {
		t.Fatalf("SingleJob() error: %v", err)
	}
	if job.Recipient != "user@example.com" {
		t.Errorf("Recipient = %q", job.Recipient)
	}

	rec.Payload = []byte(`{broken`)
	if _, err := rec.SingleJob(); err == nil {
		t.Error("SingleJob() accepted malformed payload")
	}
}

func TestStats_DelayedBucketing(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"status", "delayed", "count"}).
		AddRow("waiting", false, 4).
		AddRow("waiting", true, 2).
		AddRow("active", false, 1).
		AddRow("completed", false, 10).
		AddRow("failed", false, 3)
	mock.ExpectQuery("SELECT status, run_at").
		WillReturnRows(rows)

	stats, err := st.Jobs.Stats(context.Background(), "email-send", time.Now())
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	want := QueueStats{Waiting: 4, Active: 1, Completed: 10, Failed: 3, Delayed: 2}
	if *stats != want {
		t.Errorf("Stats() = %+v, want %+v", *stats, want)
	}
}
