// Package provider contains the delivery provider adapters. Each adapter
// speaks one external email API and presents the same contract: verify
// configuration, send one message, send a batch.
//
// Adapters are split into individual files:
//   - sparkpost.go: SparkPost Transmissions API
//   - mailgun.go:   Mailgun Messages API (batch-capable)
//   - ses.go:       AWS SES v2
//   - noop.go:      in-memory adapter for tests
package provider

import (
	"context"
	"time"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/metrics"
)

// Adapter is the provider capability contract. Send never propagates a
// failure past its own boundary: every error is captured into a SendResult
// with status failed. SendBatch returns a non-nil error only when the batch
// call itself could not be made (transport or API rejection of the whole
// batch), not for per-message failures.
type Adapter interface {
	Name() string
	VerifyConfiguration(ctx context.Context) error
	Send(ctx context.Context, job *mail.Job) *mail.SendResult
	SendBatch(ctx context.Context, jobs []*mail.Job) (*mail.BatchResult, error)
}

// failedResult builds the uniform failure SendResult for an adapter.
func failedResult(providerName string, err error) *mail.SendResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	metrics.ProviderSends.WithLabelValues(providerName, "failed").Inc()
	return &mail.SendResult{
		Status:    mail.StatusFailed,
		Provider:  providerName,
		Timestamp: time.Now(),
		Error:     msg,
	}
}

// sentResult builds the uniform success SendResult for an adapter.
func sentResult(providerName, messageID string) *mail.SendResult {
	metrics.ProviderSends.WithLabelValues(providerName, "sent").Inc()
	return &mail.SendResult{
		MessageID: messageID,
		Status:    mail.StatusSent,
		Provider:  providerName,
		Timestamp: time.Now(),
	}
}

// sequentialBatch degrades a batch send to per-message sends with a small
// inter-message delay, for adapters without a native bulk API. External rate
// limits are the reason for the pause between sends.
func sequentialBatch(ctx context.Context, a Adapter, jobs []*mail.Job, delay time.Duration) *mail.BatchResult {
	batch := &mail.BatchResult{Total: len(jobs), Results: make([]mail.SendResult, 0, len(jobs))}
	for i, job := range jobs {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		res := a.Send(ctx, job)
		batch.Results = append(batch.Results, *res)
		if res.Failed() {
			batch.Failed++
		} else {
			batch.Successful++
		}
	}
	return batch
}
