// Package mail defines the core types shared across the delivery pipeline:
// outbound jobs, send results, canonical delivery events, suppression
// entries, and scheduled sends.
package mail

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority controls dequeue ordering. Lower rank dequeues first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name into its rank.
// Unknown names fall back to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Valid reports whether p is one of the four defined ranks.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Job is one unit of outbound email work. Once submitted to the queue it is
// immutable except for RetryCount, which the queue owns.
type Job struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	CampaignID  string            `json:"campaign_id,omitempty"`
	Recipient   string            `json:"recipient"`
	FromName    string            `json:"from_name,omitempty"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"html_body"`
	TextBody    string            `json:"text_body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Priority    Priority          `json:"priority"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
}

// Validate checks the fields the pipeline cannot work without.
func (j *Job) Validate() error {
	if j.Recipient == "" {
		return errors.New("job: recipient is required")
	}
	if j.FromEmail == "" {
		return errors.New("job: from_email is required")
	}
	if j.Subject == "" {
		return errors.New("job: subject is required")
	}
	if j.HTMLBody == "" && j.TextBody == "" {
		return errors.New("job: html_body or text_body is required")
	}
	if !j.Priority.Valid() {
		return fmt.Errorf("job: invalid priority %d", int(j.Priority))
	}
	return nil
}

// SendStatus is the outcome of a single send attempt or, later, the
// delivery state reported back by the provider.
type SendStatus string

const (
	StatusSent         SendStatus = "sent"
	StatusDelivered    SendStatus = "delivered"
	StatusBounced      SendStatus = "bounced"
	StatusComplained   SendStatus = "complained"
	StatusUnsubscribed SendStatus = "unsubscribed"
	StatusFailed       SendStatus = "failed"
)

// SendResult is produced once per Job attempt. The core does not persist it;
// callers decide what to keep.
type SendResult struct {
	MessageID string     `json:"message_id"`
	Status    SendStatus `json:"status"`
	Provider  string     `json:"provider"`
	Timestamp time.Time  `json:"timestamp"`
	Error     string     `json:"error,omitempty"`
}

// Failed reports whether the attempt did not hand the message to a provider.
func (r *SendResult) Failed() bool {
	return r == nil || r.Status == StatusFailed
}

// BatchResult aggregates per-message outcomes of a batch send.
type BatchResult struct {
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []SendResult `json:"results"`
}

// EventType is the canonical delivery/engagement event vocabulary,
// independent of which provider produced the event.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventUnsubscribed EventType = "unsubscribed"
)

// BounceClass distinguishes permanent bounces (suppress) from transient and
// undetermined ones (record only).
type BounceClass string

const (
	BouncePermanent    BounceClass = "permanent"
	BounceTransient    BounceClass = "transient"
	BounceUndetermined BounceClass = "undetermined"
)

// DeliveryEvent is a normalized webhook event. Created by webhook ingestion,
// consumed by the event processor. The transport may deliver duplicates;
// processing is idempotent on (MessageID, Type).
type DeliveryEvent struct {
	ID          string            `json:"id"`
	MessageID   string            `json:"message_id"`
	CampaignID  string            `json:"campaign_id,omitempty"`
	TenantID    string            `json:"tenant_id"`
	Recipient   string            `json:"recipient"`
	Type        EventType         `json:"event_type"`
	Timestamp   time.Time         `json:"timestamp"`
	Provider    string            `json:"provider"`
	BounceClass BounceClass       `json:"bounce_class,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate rejects events that cannot be applied downstream.
func (e *DeliveryEvent) Validate() error {
	if e.MessageID == "" {
		return errors.New("delivery event: message_id is required")
	}
	if e.Recipient == "" {
		return errors.New("delivery event: recipient is required")
	}
	if e.Type == "" {
		return errors.New("delivery event: event_type is required")
	}
	return nil
}

// SuppressionReason records why a recipient was suppressed.
type SuppressionReason string

const (
	SuppressedBounced      SuppressionReason = "bounced"
	SuppressedComplained   SuppressionReason = "complained"
	SuppressedUnsubscribed SuppressionReason = "unsubscribed"
)

// SuppressionEntry is a durable block on a recipient. Once present it must
// prevent future campaign sends to that address.
type SuppressionEntry struct {
	Recipient       string            `json:"recipient"`
	Reason          SuppressionReason `json:"reason"`
	SourceMessageID string            `json:"source_message_id"`
	SuppressedAt    time.Time         `json:"suppressed_at"`
}
