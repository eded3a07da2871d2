// Package billing defines the external billing collaborators the
// scheduled-send subsystem calls. The pipeline never implements billing
// bookkeeping itself; it only consults and charges through these interfaces.
package billing

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientBalance is returned by Deduct when the wallet cannot cover
// the amount. Implementations must check and deduct atomically so two
// concurrent charges against one tenant cannot both succeed past the
// balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Subscription is the slice of a tenant's plan the scheduler needs.
type Subscription struct {
	Active    bool
	PeriodEnd time.Time
}

// SubscriptionService reports plan state for plan-limited tenants.
type SubscriptionService interface {
	CurrentSubscription(ctx context.Context, tenantID string) (*Subscription, error)
}

// WalletService reports and charges prepaid balances.
type WalletService interface {
	// Balance returns the tenant's available balance.
	Balance(ctx context.Context, tenantID string) (float64, error)

	// Deduct atomically charges amount against the tenant's balance,
	// recording reference for reconciliation. Returns
	// ErrInsufficientBalance without charging when the balance is short.
	Deduct(ctx context.Context, tenantID string, amount float64, reference string) error
}
