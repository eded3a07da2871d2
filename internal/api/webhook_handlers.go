package api

import (
	"io"
	"net/http"

	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/pkg/metrics"
	"github.com/ignite/mailflow/internal/webhook"
)

const (
	headerTimestamp = "X-Webhook-Timestamp"
	headerSignature = "X-Webhook-Signature"

	maxWebhookBody = 5 * 1024 * 1024
)

// HandleWebhook receives a provider event batch on /webhooks/{provider}.
// The signature is verified before any payload byte is interpreted; a bad
// or stale signature rejects the whole call.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := urlParam(r, "provider")

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	verifier, err := h.verifierFor(provider)
	if err != nil {
		metrics.WebhookRejected.WithLabelValues(provider, "no_secret").Inc()
		h.stats.record(provider, 0, 0, true)
		respondFromError(w, err)
		return
	}
	if err := verifier.Verify(r.Header.Get(headerTimestamp), r.Header.Get(headerSignature), body, h.now()); err != nil {
		metrics.WebhookRejected.WithLabelValues(provider, "signature").Inc()
		h.stats.record(provider, 0, 0, true)
		logger.Warn("webhook rejected", "provider", provider, "error", err.Error())
		respondFromError(w, err)
		return
	}

	evs, dropped, err := h.ingestor.Ingest(provider, body)
	if err != nil {
		h.stats.record(provider, 0, 0, true)
		respondError(w, http.StatusBadRequest, "unparseable payload: "+err.Error())
		return
	}

	tally := make(map[string]int)
	failed := 0
	for _, ev := range evs {
		if err := h.processor.Process(r.Context(), ev); err != nil {
			logger.Error("webhook event processing failed",
				"provider", provider, "message_id", ev.MessageID, "type", string(ev.Type), "error", err.Error())
			failed++
			continue
		}
		tally[string(ev.Type)]++
	}

	h.stats.record(provider, len(evs)-failed, dropped, false)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider":  provider,
		"processed": len(evs) - failed,
		"dropped":   dropped,
		"failed":    failed,
		"events":    tally,
	})
}

// verifierFor returns the static verifier for built-in providers, falling
// back to the secret lookup for custom integrations.
func (h *Handlers) verifierFor(provider string) (*webhook.Verifier, error) {
	if v, ok := h.verifiers[provider]; ok {
		return v, nil
	}
	if h.secrets != nil {
		if secret, ok := h.secrets(provider); ok && secret != "" {
			return webhook.NewVerifier(secret, h.tolerance), nil
		}
	}
	return nil, webhook.ErrNoSecret
}

// GetWebhookStats reports per-provider ingestion tallies since startup.
func (h *Handlers) GetWebhookStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.stats.snapshot())
}
