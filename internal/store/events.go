package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/mailflow/internal/mail"
)

// EventRepo persists canonical delivery events, recipient status, and
// campaign metric counters.
type EventRepo struct{ db *sql.DB }

// RecordEvent inserts a delivery event. The unique constraint on
// (message_id, event_type) is the durable idempotency guard; a duplicate
// returns inserted=false with no error.
func (r *EventRepo) RecordEvent(ctx context.Context, e *mail.DeliveryEvent) (bool, error) {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return false, fmt.Errorf("encoding event metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_events
			(id, message_id, campaign_id, tenant_id, recipient, event_type,
			 bounce_class, provider, occurred_at, metadata)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), $5, $6, NULLIF($7,''), $8, $9, $10)
		ON CONFLICT (message_id, event_type) DO NOTHING
	`, e.ID, e.MessageID, e.CampaignID, e.TenantID, e.Recipient, e.Type,
		string(e.BounceClass), e.Provider, e.Timestamp, metadata)
	if err != nil {
		return false, mapError("record event", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetRecipientStatus upserts the recipient-level delivery status.
func (r *EventRepo) SetRecipientStatus(ctx context.Context, recipient string, status mail.SendStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recipient_status (recipient, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (recipient) DO UPDATE SET status = $2, updated_at = NOW()
	`, recipient, status)
	return mapError("set recipient status", err)
}

// GetRecipientStatus returns the recorded status for a recipient.
func (r *EventRepo) GetRecipientStatus(ctx context.Context, recipient string) (mail.SendStatus, error) {
	var status mail.SendStatus
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM recipient_status WHERE recipient = $1`, recipient).Scan(&status)
	if err != nil {
		return "", mapError("get recipient status", err)
	}
	return status, nil
}

// metricColumns maps canonical event types to their campaign counter. Kept
// as data so adding an event type does not grow branching code.
var metricColumns = map[mail.EventType]string{
	mail.EventSent:         "sent_count",
	mail.EventDelivered:    "delivered_count",
	mail.EventBounced:      "bounced_count",
	mail.EventComplained:   "complained_count",
	mail.EventOpened:       "opened_count",
	mail.EventClicked:      "clicked_count",
	mail.EventUnsubscribed: "unsubscribed_count",
}

// IncrementCampaignMetric bumps one campaign counter for the event type.
func (r *EventRepo) IncrementCampaignMetric(ctx context.Context, campaignID string, eventType mail.EventType) error {
	column, ok := metricColumns[eventType]
	if !ok {
		return fmt.Errorf("no campaign metric for event type %q", eventType)
	}
	query := fmt.Sprintf(`
		INSERT INTO campaign_metrics (campaign_id, %[1]s, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (campaign_id) DO UPDATE
		SET %[1]s = campaign_metrics.%[1]s + 1, updated_at = NOW()
	`, column)
	_, err := r.db.ExecContext(ctx, query, campaignID)
	return mapError("increment campaign metric", err)
}

// CampaignMetrics is the counter row for one campaign.
type CampaignMetrics struct {
	CampaignID   string `json:"campaign_id"`
	Sent         int64  `json:"sent"`
	Delivered    int64  `json:"delivered"`
	Bounced      int64  `json:"bounced"`
	Complained   int64  `json:"complained"`
	Opened       int64  `json:"opened"`
	Clicked      int64  `json:"clicked"`
	Unsubscribed int64  `json:"unsubscribed"`
}

// GetCampaignMetrics returns the counters for one campaign.
func (r *EventRepo) GetCampaignMetrics(ctx context.Context, campaignID string) (*CampaignMetrics, error) {
	m := &CampaignMetrics{CampaignID: campaignID}
	err := r.db.QueryRowContext(ctx, `
		SELECT sent_count, delivered_count, bounced_count, complained_count,
		       opened_count, clicked_count, unsubscribed_count
		FROM campaign_metrics WHERE campaign_id = $1
	`, campaignID).Scan(&m.Sent, &m.Delivered, &m.Bounced, &m.Complained,
		&m.Opened, &m.Clicked, &m.Unsubscribed)
	if err != nil {
		return nil, mapError("get campaign metrics", err)
	}
	return m, nil
}
