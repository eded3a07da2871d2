package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/mailflow/internal/billing"
	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/store"
)

type fakeSubscriptions struct {
	sub *billing.Subscription
	err error
}

func (f *fakeSubscriptions) CurrentSubscription(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	return f.sub, f.err
}

type fakeWallet struct {
	balance   float64
	deductErr error
	deducted  []float64
}

func (f *fakeWallet) Balance(ctx context.Context, tenantID string) (float64, error) {
	return f.balance, nil
}

func (f *fakeWallet) Deduct(ctx context.Context, tenantID string, amount float64, reference string) error {
	if f.deductErr != nil {
		return f.deductErr
	}
	f.balance -= amount
	f.deducted = append(f.deducted, amount)
	return nil
}

type fakeEnqueuer struct {
	batches [][]*mail.Job
	err     error
}

func (f *fakeEnqueuer) EnqueueBatch(ctx context.Context, jobs []*mail.Job, campaignID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.batches = append(f.batches, jobs)
	return "batch-1", nil
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		ScanIntervalSeconds: 60,
		MaxRetries:          3,
		PlanWindowDays:      14,
		CostPerRecipient:    2.0,
	}
}

type fixture struct {
	service *Service
	mock    sqlmock.Sqlmock
	subs    *fakeSubscriptions
	wallet  *fakeWallet
	queue   *fakeEnqueuer
	now     time.Time
	cleanup func()
}

func setupService(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	st := store.New(db)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	subs := &fakeSubscriptions{sub: &billing.Subscription{Active: true, PeriodEnd: now.AddDate(0, 1, 0)}}
	wallet := &fakeWallet{balance: 100}
	queue := &fakeEnqueuer{}

	svc := NewService(schedulerConfig(), st.Schedules, subs, wallet, queue)
	svc.now = func() time.Time { return now }

	return &fixture{
		service: svc, mock: mock, subs: subs, wallet: wallet, queue: queue,
		now: now, cleanup: func() { db.Close() },
	}
}

func planRequest(f *fixture, daysAhead int) *Request {
	return &Request{
		TenantID:   "t1",
		CampaignID: "camp-1",
		Job: mail.Job{
			FromEmail: "sender@example.com",
			Subject:   "Newsletter",
			HTMLBody:  "<p>Hi</p>",
			Recipient: "placeholder@example.com",
		},
		Recipients:  []string{"a@example.com", "b@example.com"},
		ScheduledAt: f.now.AddDate(0, 0, daysAhead),
		UserType:    mail.BillingSubscriptionPlan,
	}
}

func TestValidate_PlanWithinWindow(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	if err := f.service.Validate(context.Background(), planRequest(f, 10)); err != nil {
		t.Fatalf("10 days ahead rejected: %v", err)
	}
}

func TestValidate_PlanBeyondWindow(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	err := f.service.Validate(context.Background(), planRequest(f, 20))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.MaxPermittedDate == nil {
		t.Fatal("MaxPermittedDate not set")
	}
	want := f.now.AddDate(0, 0, 14)
	if !ve.MaxPermittedDate.Equal(want) {
		t.Errorf("MaxPermittedDate = %v, want %v", ve.MaxPermittedDate, want)
	}
}

func TestValidate_PlanPeriodEndsFirst(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.subs.sub.PeriodEnd = f.now.AddDate(0, 0, 5)
	err := f.service.Validate(context.Background(), planRequest(f, 10))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.MaxPermittedDate == nil || !ve.MaxPermittedDate.Equal(f.subs.sub.PeriodEnd) {
		t.Errorf("MaxPermittedDate = %v, want period end %v", ve.MaxPermittedDate, f.subs.sub.PeriodEnd)
	}
}

func TestValidate_InactiveSubscription(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.subs.sub.Active = false
	if err := f.service.Validate(context.Background(), planRequest(f, 5)); !IsValidation(err) {
		t.Errorf("error = %v, want validation rejection", err)
	}
}

func TestValidate_InsufficientBalanceReportsAmounts(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.wallet.balance = 5.0
	req := planRequest(f, 3)
	req.UserType = mail.BillingPrepaidBalance
	req.Recipients = []string{"a@example.com", "b@example.com", "c@example.com",
		"d@example.com", "e@example.com"} // 5 × 2.0 = 10.0

	err := f.service.Validate(context.Background(), req)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.RequiredAmount != 10.0 || ve.AvailableAmount != 5.0 {
		t.Errorf("required/available = %.2f/%.2f, want 10.00/5.00",
			ve.RequiredAmount, ve.AvailableAmount)
	}
}

func TestValidate_PastScheduleRejected(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	req := planRequest(f, 0)
	req.ScheduledAt = f.now
	if err := f.service.Validate(context.Background(), req); !IsValidation(err) {
		t.Errorf("error = %v, want validation rejection for non-future time", err)
	}
}

func TestSchedule_PersistsPending(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.mock.ExpectExec("INSERT INTO scheduled_sends").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sched, err := f.service.Schedule(context.Background(), planRequest(f, 3))
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	if sched.Status != mail.SchedulePending {
		t.Errorf("Status = %s, want pending", sched.Status)
	}
	if sched.EstimatedCost != 4.0 {
		t.Errorf("EstimatedCost = %v, want 4.0 (2 recipients × 2.0)", sched.EstimatedCost)
	}
	if sched.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want config default 3", sched.MaxRetries)
	}
}

func processingSchedule(f *fixture, userType mail.TenantBillingType, retryCount int) *mail.ScheduledSend {
	return &mail.ScheduledSend{
		ID:         "sched-1",
		TenantID:   "t1",
		CampaignID: "camp-1",
		Job: mail.Job{
			FromEmail: "sender@example.com",
			Subject:   "Newsletter",
			HTMLBody:  "<p>Hi</p>",
		},
		Recipients:    []string{"a@example.com", "b@example.com"},
		ScheduledAt:   f.now.Add(-time.Minute),
		Status:        mail.ScheduleProcessing,
		UserType:      userType,
		EstimatedCost: 4.0,
		RetryCount:    retryCount,
		MaxRetries:    3,
	}
}

func TestDispatch_FansOutPerRecipient(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.mock.ExpectExec("UPDATE scheduled_sends").
		WillReturnResult(sqlmock.NewResult(0, 1)) // mark sent

	report := &Report{}
	f.service.dispatch(context.Background(), processingSchedule(f, mail.BillingSubscriptionPlan, 0), false, report)

	if report.Sent != 1 {
		t.Fatalf("report = %+v, want 1 sent", report)
	}
	if len(f.queue.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(f.queue.batches))
	}
	jobs := f.queue.batches[0]
	if len(jobs) != 2 {
		t.Fatalf("fan-out produced %d jobs, want 2", len(jobs))
	}
	seen := map[string]bool{}
	for _, job := range jobs {
		seen[job.Recipient] = true
		if job.CampaignID != "camp-1" || job.TenantID != "t1" {
			t.Errorf("job identifiers = %q/%q", job.CampaignID, job.TenantID)
		}
		if job.ID == "" {
			t.Error("fan-out job missing id")
		}
	}
	if !seen["a@example.com"] || !seen["b@example.com"] {
		t.Errorf("recipients = %v", seen)
	}
}

func TestDispatch_PrepaidChargesWallet(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.mock.ExpectExec("UPDATE scheduled_sends").
		WillReturnResult(sqlmock.NewResult(0, 1))

	report := &Report{}
	f.service.dispatch(context.Background(), processingSchedule(f, mail.BillingPrepaidBalance, 0), false, report)

	if report.Sent != 1 {
		t.Fatalf("report = %+v, want 1 sent", report)
	}
	if len(f.wallet.deducted) != 1 || f.wallet.deducted[0] != 4.0 {
		t.Errorf("deductions = %v, want [4.0]", f.wallet.deducted)
	}
}

func TestDispatch_InsufficientBalanceReturnsToPending(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.wallet.balance = 1.0

	f.mock.ExpectExec("UPDATE scheduled_sends").
		WillReturnResult(sqlmock.NewResult(0, 1)) // return to pending

	report := &Report{}
	f.service.dispatch(context.Background(), processingSchedule(f, mail.BillingPrepaidBalance, 0), false, report)

	if report.Returned != 1 || report.Sent != 0 {
		t.Errorf("report = %+v, want 1 returned", report)
	}
	if len(f.queue.batches) != 0 {
		t.Error("jobs enqueued despite failed validation")
	}
}

func TestDispatch_RetriesExhaustedFailsTerminally(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.queue.err = errors.New("queue unavailable")

	f.mock.ExpectExec("UPDATE scheduled_sends").
		WillReturnResult(sqlmock.NewResult(0, 1)) // mark failed

	// retry_count 2 of max 3: this failure is the last permitted one.
	report := &Report{}
	f.service.dispatch(context.Background(), processingSchedule(f, mail.BillingSubscriptionPlan, 2), false, report)

	if report.Failed != 1 || report.Returned != 0 {
		t.Errorf("report = %+v, want 1 failed", report)
	}
}

func TestDispatch_ForceSkipsRevalidation(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.subs.sub.Active = false // would fail re-validation

	f.mock.ExpectExec("UPDATE scheduled_sends").
		WillReturnResult(sqlmock.NewResult(0, 1))

	report := &Report{}
	f.service.dispatch(context.Background(), processingSchedule(f, mail.BillingSubscriptionPlan, 0), true, report)

	if report.Sent != 1 {
		t.Errorf("report = %+v, want forced dispatch to send", report)
	}
}

func dueScheduleRows(f *fixture) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "campaign_id", "job", "recipients",
		"scheduled_at", "status", "user_type", "estimated_cost",
		"retry_count", "max_retries", "created_at", "updated_at",
		"cancelled_at", "sent_at", "failure_reason",
	}).AddRow(
		"sched-1", "t1", "camp-1",
		[]byte(`{"recipient":"","from_email":"sender@example.com","subject":"Newsletter","html_body":"<p>Hi</p>"}`),
		[]byte(`["a@example.com","b@example.com"]`),
		f.now.Add(-time.Minute), mail.ScheduleProcessing, mail.BillingSubscriptionPlan,
		4.0, 0, 3, f.now, f.now, nil, nil, "",
	)
}

func TestTriggerManually_EmptyIDsCarriesForce(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	// Triggering everything due with force set must skip re-validation just
	// like triggering by id does, so a schedule blocked by its subscription
	// still goes out.
	f.subs.sub.Active = false

	f.mock.ExpectQuery("UPDATE scheduled_sends").
		WillReturnRows(dueScheduleRows(f)) // claim due
	f.mock.ExpectExec("UPDATE scheduled_sends").
		WillReturnResult(sqlmock.NewResult(0, 1)) // mark sent

	report, err := f.service.TriggerManually(context.Background(), nil, true)
	if err != nil {
		t.Fatalf("TriggerManually() error: %v", err)
	}
	if report.Claimed != 1 || report.Sent != 1 || report.Returned != 0 {
		t.Errorf("report = %+v, want the claimed schedule sent", report)
	}
	if len(f.queue.batches) != 1 {
		t.Errorf("batches = %d, want 1", len(f.queue.batches))
	}
}

func TestTriggerManually_EmptyIDsWithoutForceValidates(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	f.subs.sub.Active = false

	f.mock.ExpectQuery("UPDATE scheduled_sends").
		WillReturnRows(dueScheduleRows(f)) // claim due
	f.mock.ExpectExec("UPDATE scheduled_sends").
		WillReturnResult(sqlmock.NewResult(0, 1)) // return to pending

	report, err := f.service.TriggerManually(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("TriggerManually() error: %v", err)
	}
	if report.Returned != 1 || report.Sent != 0 {
		t.Errorf("report = %+v, want re-validation to return the schedule", report)
	}
}

func TestEstimateCost(t *testing.T) {
	f := setupService(t)
	defer f.cleanup()

	if got := f.service.EstimateCost(250); got != 500.0 {
		t.Errorf("EstimateCost(250) = %v, want 500.0", got)
	}
}
