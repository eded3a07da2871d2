package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/delivery"
	"github.com/ignite/mailflow/internal/events"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/schedule"
	"github.com/ignite/mailflow/internal/store"
	"github.com/ignite/mailflow/internal/webhook"
)

// SecretLookup resolves the webhook signing secret for a provider name.
// Custom integrations register their secrets here; the built-in providers
// are covered by the static config.
type SecretLookup func(provider string) (secret string, ok bool)

// Handlers carries the services the HTTP layer dispatches into.
type Handlers struct {
	queue        *queue.Queue
	orchestrator *delivery.Orchestrator
	scheduler    *schedule.Service
	scanner      *schedule.Scanner
	ingestor     *webhook.Ingestor
	processor    *events.Processor
	suppressions *store.SuppressionRepo

	verifiers map[string]*webhook.Verifier
	secrets   SecretLookup
	tolerance time.Duration

	stats webhookStats
	now   func() time.Time
}

// NewHandlers wires the handler set. Verifiers are built for every provider
// with a configured secret; lookup covers the rest and may be nil.
func NewHandlers(
	cfg *config.Config,
	q *queue.Queue,
	orch *delivery.Orchestrator,
	sched *schedule.Service,
	scanner *schedule.Scanner,
	ing *webhook.Ingestor,
	proc *events.Processor,
	supp *store.SuppressionRepo,
	lookup SecretLookup,
) *Handlers {
	tolerance := cfg.Webhooks.Tolerance()
	verifiers := make(map[string]*webhook.Verifier)
	for name, secret := range map[string]string{
		"sparkpost": cfg.SparkPost.WebhookSecret,
		"mailgun":   cfg.Mailgun.WebhookSecret,
		"ses":       cfg.SES.WebhookSecret,
	} {
		if secret != "" {
			verifiers[name] = webhook.NewVerifier(secret, tolerance)
		}
	}

	return &Handlers{
		queue:        q,
		orchestrator: orch,
		scheduler:    sched,
		scanner:      scanner,
		ingestor:     ing,
		processor:    proc,
		suppressions: supp,
		verifiers:    verifiers,
		secrets:      lookup,
		tolerance:    tolerance,
		now:          time.Now,
	}
}

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

// webhookStats tallies ingestion outcomes per provider since process start.
type webhookStats struct {
	mu       sync.Mutex
	received map[string]int
	accepted map[string]int
	dropped  map[string]int
	rejected map[string]int
}

func (s *webhookStats) record(provider string, accepted, dropped int, rejected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.received == nil {
		s.received = make(map[string]int)
		s.accepted = make(map[string]int)
		s.dropped = make(map[string]int)
		s.rejected = make(map[string]int)
	}
	s.received[provider]++
	s.accepted[provider] += accepted
	s.dropped[provider] += dropped
	if rejected {
		s.rejected[provider]++
	}
}

func (s *webhookStats) snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	providers := make(map[string]map[string]int)
	for p, n := range s.received {
		providers[p] = map[string]int{
			"requests": n,
			"events":   s.accepted[p],
			"dropped":  s.dropped[p],
			"rejected": s.rejected[p],
		}
	}
	return map[string]interface{}{"providers": providers}
}
