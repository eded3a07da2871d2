package mail

import (
	"fmt"
	"time"
)

// ScheduleStatus is the lifecycle state of a scheduled send.
//
// Legal transitions:
//
//	pending → processing → sent
//	pending → processing → failed (after retries are exhausted;
//	          otherwise processing → pending for a later pass)
//	pending → cancelled
//
// Terminal states (sent, failed, cancelled) never transition again.
type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "pending"
	ScheduleProcessing ScheduleStatus = "processing"
	ScheduleSent       ScheduleStatus = "sent"
	ScheduleFailed     ScheduleStatus = "failed"
	ScheduleCancelled  ScheduleStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleSent || s == ScheduleFailed || s == ScheduleCancelled
}

var scheduleTransitions = map[ScheduleStatus][]ScheduleStatus{
	SchedulePending:    {ScheduleProcessing, ScheduleCancelled},
	ScheduleProcessing: {ScheduleSent, ScheduleFailed, SchedulePending},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to ScheduleStatus) bool {
	for _, next := range scheduleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError is returned when a scheduled send is asked to move
// between states the lifecycle does not permit.
type IllegalTransitionError struct {
	From ScheduleStatus
	To   ScheduleStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal schedule transition %s → %s", e.From, e.To)
}

// TenantBillingType selects which validation path a scheduled send takes.
type TenantBillingType string

const (
	BillingSubscriptionPlan TenantBillingType = "subscriptionPlan"
	BillingPrepaidBalance   TenantBillingType = "prepaidBalance"
)

// ScheduledSend is a future-dated, billing-gated send request. The Job holds
// the message content and the full recipient list in Recipients; at dispatch
// time it is fanned out into one queue Job per recipient.
type ScheduledSend struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	CampaignID    string            `json:"campaign_id,omitempty"`
	Job           Job               `json:"job"`
	Recipients    []string          `json:"recipients"`
	ScheduledAt   time.Time         `json:"scheduled_at"`
	Status        ScheduleStatus    `json:"status"`
	UserType      TenantBillingType `json:"user_type"`
	EstimatedCost float64           `json:"estimated_cost,omitempty"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// Transition validates and applies a state change, updating UpdatedAt and the
// state-specific timestamps. It never mutates the record on error.
func (s *ScheduledSend) Transition(to ScheduleStatus, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return &IllegalTransitionError{From: s.Status, To: to}
	}
	s.Status = to
	s.UpdatedAt = now
	switch to {
	case ScheduleSent:
		t := now
		s.SentAt = &t
	case ScheduleCancelled:
		t := now
		s.CancelledAt = &t
	}
	return nil
}
