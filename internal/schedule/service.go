// Package schedule implements the scheduled-send subsystem: persistent
// schedule records with a strict lifecycle, billing-aware validation, and a
// periodic scanner that re-validates and dispatches due sends through the
// job queue.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailflow/internal/billing"
	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/metrics"
	"github.com/ignite/mailflow/internal/store"
)

// ValidationError is a structured scheduling rejection. Where applicable it
// carries the maximum permitted date (plan window) or the required and
// available amounts (prepaid balance).
type ValidationError struct {
	Reason           string     `json:"reason"`
	MaxPermittedDate *time.Time `json:"max_permitted_date,omitempty"`
	RequiredAmount   float64    `json:"required_amount,omitempty"`
	AvailableAmount  float64    `json:"available_amount,omitempty"`
}

func (e *ValidationError) Error() string { return e.Reason }

// Request is a scheduling request: one message to many recipients at a
// future time.
type Request struct {
	TenantID    string                 `json:"tenant_id"`
	CampaignID  string                 `json:"campaign_id,omitempty"`
	Job         mail.Job               `json:"job"`
	Recipients  []string               `json:"recipients"`
	ScheduledAt time.Time              `json:"scheduled_at"`
	UserType    mail.TenantBillingType `json:"user_type"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
}

// BatchEnqueuer accepts the fanned-out jobs of a due schedule. The job
// queue satisfies this.
type BatchEnqueuer interface {
	EnqueueBatch(ctx context.Context, jobs []*mail.Job, campaignID string) (string, error)
}

// Service owns the scheduled-send lifecycle.
type Service struct {
	cfg           config.SchedulerConfig
	schedules     *store.ScheduleRepo
	subscriptions billing.SubscriptionService
	wallets       billing.WalletService
	enqueuer      BatchEnqueuer

	now func() time.Time
}

// NewService wires the scheduled-send service.
func NewService(cfg config.SchedulerConfig, schedules *store.ScheduleRepo, subs billing.SubscriptionService, wallets billing.WalletService, enqueuer BatchEnqueuer) *Service {
	return &Service{
		cfg:           cfg,
		schedules:     schedules,
		subscriptions: subs,
		wallets:       wallets,
		enqueuer:      enqueuer,
		now:           time.Now,
	}
}

// EstimateCost prices a request by recipient count.
func (s *Service) EstimateCost(recipientCount int) float64 {
	return float64(recipientCount) * s.cfg.CostPerRecipient
}

// Validate checks a request without creating anything. The same checks run
// again at dispatch time, because billing state can change between
// scheduling and sending.
func (s *Service) Validate(ctx context.Context, req *Request) error {
	if req.TenantID == "" {
		return &ValidationError{Reason: "tenant_id is required"}
	}
	if len(req.Recipients) == 0 {
		return &ValidationError{Reason: "at least one recipient is required"}
	}
	if err := req.Job.Validate(); err != nil {
		return &ValidationError{Reason: err.Error()}
	}

	now := s.now()
	if !req.ScheduledAt.After(now) {
		return &ValidationError{Reason: "scheduled_at must be in the future"}
	}

	switch req.UserType {
	case mail.BillingSubscriptionPlan:
		return s.validatePlan(ctx, req, now)
	case mail.BillingPrepaidBalance:
		return s.validateBalance(ctx, req)
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown user type %q", req.UserType)}
	}
}

func (s *Service) validatePlan(ctx context.Context, req *Request, now time.Time) error {
	maxDate := now.AddDate(0, 0, s.cfg.PlanWindowDays)
	if req.ScheduledAt.After(maxDate) {
		return &ValidationError{
			Reason: fmt.Sprintf("scheduled_at exceeds the %d-day scheduling window; latest permitted is %s",
				s.cfg.PlanWindowDays, maxDate.Format(time.RFC3339)),
			MaxPermittedDate: &maxDate,
		}
	}

	sub, err := s.subscriptions.CurrentSubscription(ctx, req.TenantID)
	if err != nil {
		return fmt.Errorf("checking subscription: %w", err)
	}
	if !sub.Active {
		return &ValidationError{Reason: "subscription is not active"}
	}
	if sub.PeriodEnd.Before(req.ScheduledAt) {
		return &ValidationError{
			Reason: fmt.Sprintf("billing period ends %s, before the requested send time",
				sub.PeriodEnd.Format(time.RFC3339)),
			MaxPermittedDate: &sub.PeriodEnd,
		}
	}
	return nil
}

func (s *Service) validateBalance(ctx context.Context, req *Request) error {
	required := s.EstimateCost(len(req.Recipients))
	available, err := s.wallets.Balance(ctx, req.TenantID)
	if err != nil {
		return fmt.Errorf("checking balance: %w", err)
	}
	if available < required {
		return &ValidationError{
			Reason: fmt.Sprintf("insufficient balance: required %.2f, available %.2f",
				required, available),
			RequiredAmount:  required,
			AvailableAmount: available,
		}
	}
	return nil
}

// Schedule validates the request and persists a pending scheduled send.
func (s *Service) Schedule(ctx context.Context, req *Request) (*mail.ScheduledSend, error) {
	if err := s.Validate(ctx, req); err != nil {
		return nil, err
	}

	now := s.now()
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	sched := &mail.ScheduledSend{
		ID:            uuid.NewString(),
		TenantID:      req.TenantID,
		CampaignID:    req.CampaignID,
		Job:           req.Job,
		Recipients:    req.Recipients,
		ScheduledAt:   req.ScheduledAt,
		Status:        mail.SchedulePending,
		UserType:      req.UserType,
		EstimatedCost: s.EstimateCost(len(req.Recipients)),
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.schedules.Insert(ctx, sched); err != nil {
		return nil, err
	}
	log.Printf("[Schedule] Created %s for tenant %s at %s (%d recipients)",
		sched.ID, sched.TenantID, sched.ScheduledAt.Format(time.RFC3339), len(sched.Recipients))
	return sched, nil
}

// Cancel cancels a pending scheduled send. Once processing has begun the
// schedule can no longer be cancelled.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	return s.schedules.Cancel(ctx, id, s.now(), reason)
}

// Get returns one scheduled send.
func (s *Service) Get(ctx context.Context, id string) (*mail.ScheduledSend, error) {
	return s.schedules.Get(ctx, id)
}

// ListByTenant pages a tenant's scheduled sends.
func (s *Service) ListByTenant(ctx context.Context, tenantID string, f store.ListFilter) ([]*mail.ScheduledSend, int, error) {
	return s.schedules.ListByTenant(ctx, tenantID, f)
}

// Stats aggregates schedule counts, optionally per tenant.
func (s *Service) Stats(ctx context.Context, tenantID string) (*store.ScheduleStats, error) {
	return s.schedules.Stats(ctx, tenantID)
}

// Report summarizes one processing pass.
type Report struct {
	Claimed     int      `json:"claimed"`
	Sent        int      `json:"sent"`
	Returned    int      `json:"returned"`
	Failed      int      `json:"failed"`
	ScheduleIDs []string `json:"schedule_ids,omitempty"`
}

// ProcessDue claims every pending schedule whose time has arrived and
// dispatches each one.
func (s *Service) ProcessDue(ctx context.Context) (*Report, error) {
	return s.processDue(ctx, false)
}

func (s *Service) processDue(ctx context.Context, force bool) (*Report, error) {
	due, err := s.schedules.ClaimDue(ctx, s.now(), 100)
	if err != nil {
		return nil, err
	}

	report := &Report{Claimed: len(due)}
	for _, sched := range due {
		report.ScheduleIDs = append(report.ScheduleIDs, sched.ID)
		s.dispatch(ctx, sched, force, report)
	}
	return report, nil
}

// TriggerManually processes specific schedules (or all pending due ones when
// ids is empty) without waiting for the scanner. Validation still runs
// unless force is set.
func (s *Service) TriggerManually(ctx context.Context, ids []string, force bool) (*Report, error) {
	if len(ids) == 0 {
		return s.processDue(ctx, force)
	}

	report := &Report{}
	for _, id := range ids {
		sched, err := s.schedules.ClaimPending(ctx, id, s.now())
		if err != nil {
			return report, err
		}
		report.Claimed++
		report.ScheduleIDs = append(report.ScheduleIDs, sched.ID)
		s.dispatch(ctx, sched, force, report)
	}
	return report, nil
}

// dispatch runs one claimed (processing) schedule to a terminal or retry
// outcome. Billing is re-validated here because time has passed since
// scheduling; a billing failure returns the record to pending rather than
// failing it outright, since the condition may resolve before the retry
// window closes.
func (s *Service) dispatch(ctx context.Context, sched *mail.ScheduledSend, force bool, report *Report) {
	if !force {
		if err := s.revalidate(ctx, sched); err != nil {
			s.setback(ctx, sched, err, report)
			return
		}
	}

	if sched.UserType == mail.BillingPrepaidBalance {
		// The charge is atomic in the wallet service; a concurrent
		// schedule for the same tenant cannot overspend past the balance.
		err := s.wallets.Deduct(ctx, sched.TenantID, sched.EstimatedCost, "scheduled-send:"+sched.ID)
		if err != nil {
			s.setback(ctx, sched, fmt.Errorf("charging wallet: %w", err), report)
			return
		}
	}

	jobs := s.fanOut(sched)
	if _, err := s.enqueuer.EnqueueBatch(ctx, jobs, sched.CampaignID); err != nil {
		s.setback(ctx, sched, fmt.Errorf("enqueueing batch: %w", err), report)
		return
	}

	if err := s.schedules.MarkSent(ctx, sched.ID, s.now()); err != nil {
		log.Printf("[Schedule] Failed to mark %s sent: %v", sched.ID, err)
		report.Failed++
		return
	}
	metrics.SchedulesProcessed.WithLabelValues("sent").Inc()
	report.Sent++
	log.Printf("[Schedule] Dispatched %s: %d jobs", sched.ID, len(jobs))
}

func (s *Service) revalidate(ctx context.Context, sched *mail.ScheduledSend) error {
	switch sched.UserType {
	case mail.BillingSubscriptionPlan:
		sub, err := s.subscriptions.CurrentSubscription(ctx, sched.TenantID)
		if err != nil {
			return fmt.Errorf("checking subscription: %w", err)
		}
		if !sub.Active {
			return &ValidationError{Reason: "subscription is no longer active"}
		}
	case mail.BillingPrepaidBalance:
		required := sched.EstimatedCost
		available, err := s.wallets.Balance(ctx, sched.TenantID)
		if err != nil {
			return fmt.Errorf("checking balance: %w", err)
		}
		if available < required {
			return &ValidationError{
				Reason:          fmt.Sprintf("insufficient balance: required %.2f, available %.2f", required, available),
				RequiredAmount:  required,
				AvailableAmount: available,
			}
		}
	}
	return nil
}

// setback returns a failed schedule to pending for another pass, or fails
// it terminally once retries are exhausted.
func (s *Service) setback(ctx context.Context, sched *mail.ScheduledSend, cause error, report *Report) {
	now := s.now()
	if sched.RetryCount+1 < sched.MaxRetries {
		log.Printf("[Schedule] %s retry %d/%d: %v", sched.ID, sched.RetryCount+1, sched.MaxRetries, cause)
		if err := s.schedules.ReturnToPending(ctx, sched.ID, now, cause.Error()); err != nil {
			log.Printf("[Schedule] Failed to return %s to pending: %v", sched.ID, err)
		}
		metrics.SchedulesProcessed.WithLabelValues("returned").Inc()
		report.Returned++
		return
	}
	log.Printf("[Schedule] %s failed after %d retries: %v", sched.ID, sched.MaxRetries, cause)
	if err := s.schedules.MarkFailed(ctx, sched.ID, now, cause.Error()); err != nil {
		log.Printf("[Schedule] Failed to mark %s failed: %v", sched.ID, err)
	}
	metrics.SchedulesProcessed.WithLabelValues("failed").Inc()
	report.Failed++
}

// fanOut converts the schedule's multi-recipient job into one queue job per
// recipient.
func (s *Service) fanOut(sched *mail.ScheduledSend) []*mail.Job {
	jobs := make([]*mail.Job, 0, len(sched.Recipients))
	for _, recipient := range sched.Recipients {
		job := sched.Job
		job.ID = uuid.NewString()
		job.TenantID = sched.TenantID
		job.CampaignID = sched.CampaignID
		job.Recipient = recipient
		job.ScheduledAt = &sched.ScheduledAt
		jobs = append(jobs, &job)
	}
	return jobs
}

// IsValidation reports whether err is a structured scheduling rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
