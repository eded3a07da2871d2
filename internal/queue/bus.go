package queue

import (
	"sync"

	"github.com/ignite/mailflow/internal/mail"
)

// CompletionKind classifies completion events published by the queue.
type CompletionKind string

const (
	CompletionSent      CompletionKind = "sent"
	CompletionFailed    CompletionKind = "failed"
	CompletionBatchDone CompletionKind = "batch_done"
)

// CompletionEvent is published when a job attempt concludes. Campaign
// consumers subscribe to keep external metric stores current; the queue has
// no direct dependency on any consumer.
type CompletionEvent struct {
	Kind       CompletionKind
	JobID      string
	TenantID   string
	CampaignID string
	Result     *mail.SendResult
	Batch      *mail.BatchResult
}

// Bus is an in-process publish/subscribe channel for completion events.
// Publishing never blocks; a subscriber that falls behind loses events
// rather than stalling the worker pool.
type Bus struct {
	mu   sync.RWMutex
	subs []chan CompletionEvent
}

// NewBus creates an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers a consumer. The returned cancel function removes the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan CompletionEvent, func()) {
	ch := make(chan CompletionEvent, 256)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish fans the event out to all subscribers.
func (b *Bus) Publish(ev CompletionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
