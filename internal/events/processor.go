// Package events applies canonical delivery events to pipeline state:
// suppression entries, recipient status, and campaign metric counters.
// Processing is idempotent on (message id, event type) because webhook
// transports deliver duplicates and events can arrive out of causal order.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/store"
)

// dedupTTL bounds the fast-path duplicate check in Redis. The database
// unique constraint remains the durable guard beyond this window.
const dedupTTL = 48 * time.Hour

// SuppressionIndex receives incremental suppression additions so the send
// path sees new blocks without waiting for a reload.
type SuppressionIndex interface {
	Add(email string)
}

// Processor applies canonical delivery events.
type Processor struct {
	events       *store.EventRepo
	suppressions *store.SuppressionRepo
	redis        *redis.Client
	index        SuppressionIndex
}

// NewProcessor wires a processor. redis may be nil (the database constraint
// still dedupes); index may be nil.
func NewProcessor(events *store.EventRepo, suppressions *store.SuppressionRepo, rdb *redis.Client, index SuppressionIndex) *Processor {
	return &Processor{events: events, suppressions: suppressions, redis: rdb, index: index}
}

// Process idempotently records one event and applies its side effects.
// Reapplying the same (message id, event type) is a no-op.
func (p *Processor) Process(ctx context.Context, ev *mail.DeliveryEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	// Fast-path duplicate check. A Redis failure falls through to the
	// database constraint rather than rejecting the event.
	if p.redis != nil {
		key := fmt.Sprintf("evt:%s:%s", ev.MessageID, ev.Type)
		fresh, err := p.redis.SetNX(ctx, key, 1, dedupTTL).Result()
		if err == nil && !fresh {
			return nil
		}
	}

	inserted, err := p.events.RecordEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	if !inserted {
		return nil
	}

	switch ev.Type {
	case mail.EventBounced:
		if err := p.applyBounce(ctx, ev); err != nil {
			return err
		}
	case mail.EventComplained:
		if err := p.suppress(ctx, ev, mail.SuppressedComplained, mail.StatusComplained); err != nil {
			return err
		}
	case mail.EventUnsubscribed:
		if err := p.suppress(ctx, ev, mail.SuppressedUnsubscribed, mail.StatusUnsubscribed); err != nil {
			return err
		}
	case mail.EventDelivered:
		if err := p.events.SetRecipientStatus(ctx, ev.Recipient, mail.StatusDelivered); err != nil {
			return err
		}
	case mail.EventSent, mail.EventOpened, mail.EventClicked:
		// Engagement only; no recipient status change.
	default:
		return fmt.Errorf("unhandled event type %q", ev.Type)
	}

	// Sent counts come from the queue's completion bus, not webhooks, so a
	// provider that echoes injection events cannot double-count.
	if ev.CampaignID != "" && ev.Type != mail.EventSent {
		if err := p.events.IncrementCampaignMetric(ctx, ev.CampaignID, ev.Type); err != nil {
			return err
		}
	}
	return nil
}

// applyBounce suppresses only permanent bounces; transient and undetermined
// bounces are recorded without blocking the recipient.
func (p *Processor) applyBounce(ctx context.Context, ev *mail.DeliveryEvent) error {
	if err := p.events.SetRecipientStatus(ctx, ev.Recipient, mail.StatusBounced); err != nil {
		return err
	}
	if ev.BounceClass != mail.BouncePermanent {
		logger.Debug("bounce recorded without suppression",
			"recipient", ev.Recipient, "bounce_class", string(ev.BounceClass))
		return nil
	}
	return p.addSuppression(ctx, ev, mail.SuppressedBounced)
}

func (p *Processor) suppress(ctx context.Context, ev *mail.DeliveryEvent, reason mail.SuppressionReason, status mail.SendStatus) error {
	if err := p.events.SetRecipientStatus(ctx, ev.Recipient, status); err != nil {
		return err
	}
	return p.addSuppression(ctx, ev, reason)
}

func (p *Processor) addSuppression(ctx context.Context, ev *mail.DeliveryEvent, reason mail.SuppressionReason) error {
	added, err := p.suppressions.Add(ctx, &mail.SuppressionEntry{
		Recipient:       ev.Recipient,
		Reason:          reason,
		SourceMessageID: ev.MessageID,
		SuppressedAt:    ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("adding suppression: %w", err)
	}
	if added {
		logger.Info("recipient suppressed",
			"recipient", ev.Recipient, "reason", string(reason), "message_id", ev.MessageID)
		if p.index != nil {
			p.index.Add(ev.Recipient)
		}
	}
	return nil
}
