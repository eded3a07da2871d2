package events

import (
	"context"
	"log"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/store"
)

// CampaignConsumer subscribes to the queue's completion bus and keeps
// campaign sent counters current. The queue publishes; it does not know this
// consumer exists.
type CampaignConsumer struct {
	events *store.EventRepo
	bus    *queue.Bus
	stopCh chan struct{}
}

// NewCampaignConsumer creates a consumer over the queue bus.
func NewCampaignConsumer(events *store.EventRepo, bus *queue.Bus) *CampaignConsumer {
	return &CampaignConsumer{events: events, bus: bus, stopCh: make(chan struct{})}
}

// Start consumes completion events until the context is cancelled or Stop
// is called.
func (c *CampaignConsumer) Start(ctx context.Context) {
	ch, cancel := c.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.apply(ctx, ev)
		}
	}
}

// Stop terminates the consume loop.
func (c *CampaignConsumer) Stop() { close(c.stopCh) }

func (c *CampaignConsumer) apply(ctx context.Context, ev queue.CompletionEvent) {
	if ev.CampaignID == "" || ev.Kind != queue.CompletionSent {
		return
	}
	if err := c.events.IncrementCampaignMetric(ctx, ev.CampaignID, mail.EventSent); err != nil {
		log.Printf("[CampaignConsumer] Failed to record sent for campaign %s: %v", ev.CampaignID, err)
	}
}
