// Package delivery routes send requests to provider adapters, with automatic
// failover from the primary provider to a configured fallback.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/pkg/metrics"
	"github.com/ignite/mailflow/internal/provider"
)

var (
	// ErrUnknownProvider is returned when a named provider is not registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNoProviders is returned when the orchestrator has nothing to send with.
	ErrNoProviders = errors.New("no providers registered")
)

// SuppressionChecker is consulted before campaign sends. The queue's send
// path and the orchestrator both see only this narrow capability.
type SuppressionChecker interface {
	IsSuppressed(email string) bool
}

// RateLimiter throttles outbound provider calls. Wait blocks until n send
// slots are available for the named provider.
type RateLimiter interface {
	Wait(ctx context.Context, provider string, n int) error
}

// Registry holds named provider adapters. It is built once at process start
// and passed by reference; there is no package-level registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]provider.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]provider.Adapter)}
}

// Register adds an adapter under its own name. Re-registering a name
// replaces the previous adapter.
func (r *Registry) Register(a provider.Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the named adapter.
func (r *Registry) Get(name string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns all registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Orchestrator executes sends with failover. Primary and fallback are names
// into the registry; fallback may be empty.
type Orchestrator struct {
	registry *Registry

	mu       sync.RWMutex
	primary  string
	fallback string

	suppression SuppressionChecker
	limiter     RateLimiter
}

// NewOrchestrator wires an orchestrator. Fallback may be empty.
func NewOrchestrator(registry *Registry, primary, fallback string) (*Orchestrator, error) {
	if _, ok := registry.Get(primary); !ok {
		return nil, fmt.Errorf("%w: primary %q", ErrUnknownProvider, primary)
	}
	if fallback != "" {
		if _, ok := registry.Get(fallback); !ok {
			return nil, fmt.Errorf("%w: fallback %q", ErrUnknownProvider, fallback)
		}
	}
	return &Orchestrator{registry: registry, primary: primary, fallback: fallback}, nil
}

// SetSuppressionChecker wires the suppression index into the send path.
// Campaign sends to suppressed recipients are refused before any provider
// call; transactional sends (no campaign id) are not blocked.
func (o *Orchestrator) SetSuppressionChecker(s SuppressionChecker) {
	o.mu.Lock()
	o.suppression = s
	o.mu.Unlock()
}

// SetRateLimiter wires outbound throttling into the send path. Without one,
// sends go out unthrottled.
func (o *Orchestrator) SetRateLimiter(rl RateLimiter) {
	o.mu.Lock()
	o.limiter = rl
	o.mu.Unlock()
}

// throttle blocks until the limiter grants n slots. A limiter failure is
// logged and the send proceeds; throttling is load protection, not a
// correctness gate.
func (o *Orchestrator) throttle(ctx context.Context, providerName string, n int) {
	o.mu.RLock()
	rl := o.limiter
	o.mu.RUnlock()
	if rl == nil || n == 0 {
		return
	}
	if err := rl.Wait(ctx, providerName, n); err != nil && ctx.Err() == nil {
		logger.Warn("rate limiter unavailable, sending unthrottled",
			"provider", providerName, "error", err.Error())
	}
}

func (o *Orchestrator) providers() (primary, fallback provider.Adapter) {
	o.mu.RLock()
	primaryName, fallbackName := o.primary, o.fallback
	o.mu.RUnlock()
	primary, _ = o.registry.Get(primaryName)
	if fallbackName != "" {
		fallback, _ = o.registry.Get(fallbackName)
	}
	return primary, fallback
}

func (o *Orchestrator) suppressed(job *mail.Job) bool {
	o.mu.RLock()
	checker := o.suppression
	o.mu.RUnlock()
	if checker == nil || job.CampaignID == "" {
		return false
	}
	return checker.IsSuppressed(job.Recipient)
}

// SendSingle sends one job via the primary provider, retrying once against
// the fallback when the primary result is failed. The returned result names
// whichever provider produced it.
func (o *Orchestrator) SendSingle(ctx context.Context, job *mail.Job) (*mail.SendResult, error) {
	primary, fallback := o.providers()
	if primary == nil {
		return nil, ErrNoProviders
	}

	if o.suppressed(job) {
		logger.Warn("send refused, recipient suppressed", "recipient", job.Recipient, "campaign_id", job.CampaignID)
		return &mail.SendResult{
			Status:    mail.StatusFailed,
			Provider:  primary.Name(),
			Timestamp: time.Now(),
			Error:     "recipient is suppressed",
		}, nil
	}

	o.throttle(ctx, primary.Name(), 1)
	result := primary.Send(ctx, job)
	if !result.Failed() || fallback == nil {
		return result, nil
	}

	log.Printf("[Delivery] Primary %s failed for job %s, failing over to %s: %s",
		primary.Name(), job.ID, fallback.Name(), result.Error)
	metrics.ProviderFailovers.Inc()

	o.throttle(ctx, fallback.Name(), 1)
	return fallback.Send(ctx, job), nil
}

// SendBatch sends a batch via the primary provider's batch path. A whole-
// batch rejection (transport error, not per-item failures) falls back to
// resending the entire batch individually through the fallback provider.
func (o *Orchestrator) SendBatch(ctx context.Context, jobs []*mail.Job) (*mail.BatchResult, error) {
	primary, fallback := o.providers()
	if primary == nil {
		return nil, ErrNoProviders
	}

	deliverable := make([]*mail.Job, 0, len(jobs))
	skipped := make([]mail.SendResult, 0)
	for _, job := range jobs {
		if o.suppressed(job) {
			skipped = append(skipped, mail.SendResult{
				Status:    mail.StatusFailed,
				Provider:  primary.Name(),
				Timestamp: time.Now(),
				Error:     "recipient is suppressed",
			})
			continue
		}
		deliverable = append(deliverable, job)
	}

	o.throttle(ctx, primary.Name(), len(deliverable))
	batch, err := primary.SendBatch(ctx, deliverable)
	if err != nil {
		if fallback == nil {
			return nil, fmt.Errorf("batch send via %s: %w", primary.Name(), err)
		}
		log.Printf("[Delivery] Batch via %s rejected (%v), resending %d individually via %s",
			primary.Name(), err, len(deliverable), fallback.Name())
		metrics.ProviderFailovers.Inc()

		batch = &mail.BatchResult{Total: len(deliverable), Results: make([]mail.SendResult, 0, len(deliverable))}
		for _, job := range deliverable {
			o.throttle(ctx, fallback.Name(), 1)
			res := fallback.Send(ctx, job)
			batch.Results = append(batch.Results, *res)
			if res.Failed() {
				batch.Failed++
			} else {
				batch.Successful++
			}
		}
	}

	batch.Total += len(skipped)
	batch.Failed += len(skipped)
	batch.Results = append(batch.Results, skipped...)
	return batch, nil
}

// ProviderHealth re-runs configuration verification for every registered
// provider and reports the outcome per name.
type ProviderHealth struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Error      string `json:"error,omitempty"`
	Primary    bool   `json:"primary"`
	Fallback   bool   `json:"fallback"`
}

// Health verifies each registered provider's configuration.
func (o *Orchestrator) Health(ctx context.Context) []ProviderHealth {
	o.mu.RLock()
	primaryName, fallbackName := o.primary, o.fallback
	o.mu.RUnlock()

	out := make([]ProviderHealth, 0)
	for _, name := range o.registry.Names() {
		a, _ := o.registry.Get(name)
		h := ProviderHealth{Name: name, Primary: name == primaryName, Fallback: name == fallbackName}
		if err := a.VerifyConfiguration(ctx); err != nil {
			h.Error = err.Error()
		} else {
			h.Configured = true
		}
		out = append(out, h)
	}
	return out
}

// ListProviders returns the registered provider names.
func (o *Orchestrator) ListProviders() []string { return o.registry.Names() }

// Primary returns the current primary provider name.
func (o *Orchestrator) Primary() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.primary
}

// SwitchPrimary changes the primary provider. The target must be registered
// and pass configuration verification.
func (o *Orchestrator) SwitchPrimary(ctx context.Context, name string) error {
	a, ok := o.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if err := a.VerifyConfiguration(ctx); err != nil {
		return fmt.Errorf("provider %q is not usable: %w", name, err)
	}

	o.mu.Lock()
	old := o.primary
	o.primary = name
	o.mu.Unlock()

	log.Printf("[Delivery] Primary provider switched %s -> %s", old, name)
	return nil
}
