package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailflow/internal/billing"
	"github.com/ignite/mailflow/internal/mail"
)

// TenantRepo persists tenant billing state. It satisfies both
// billing.SubscriptionService and billing.WalletService.
type TenantRepo struct {
	db *sql.DB
}

// TenantRecord mirrors one tenants row.
type TenantRecord struct {
	ID                 string
	BillingType        mail.TenantBillingType
	SubscriptionActive bool
	PeriodEnd          *time.Time
	Balance            float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Upsert creates or updates a tenant's billing state.
func (r *TenantRepo) Upsert(ctx context.Context, t *TenantRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, billing_type, subscription_active, period_end, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			billing_type        = EXCLUDED.billing_type,
			subscription_active = EXCLUDED.subscription_active,
			period_end          = EXCLUDED.period_end,
			balance             = EXCLUDED.balance,
			updated_at          = NOW()`,
		t.ID, string(t.BillingType), t.SubscriptionActive, t.PeriodEnd, t.Balance)
	return mapError("upserting tenant", err)
}

// Get returns one tenant.
func (r *TenantRepo) Get(ctx context.Context, id string) (*TenantRecord, error) {
	t := &TenantRecord{}
	var billingType string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, billing_type, subscription_active, period_end, balance, created_at, updated_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &billingType, &t.SubscriptionActive, &t.PeriodEnd, &t.Balance, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapError("getting tenant", err)
	}
	t.BillingType = mail.TenantBillingType(billingType)
	return t, nil
}

// CurrentSubscription reports the tenant's subscription state.
func (r *TenantRepo) CurrentSubscription(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	var active bool
	var periodEnd sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT subscription_active, period_end FROM tenants WHERE id = $1`, tenantID).
		Scan(&active, &periodEnd)
	if err != nil {
		return nil, mapError("getting subscription", err)
	}
	sub := &billing.Subscription{Active: active}
	if periodEnd.Valid {
		sub.PeriodEnd = periodEnd.Time
	}
	return sub, nil
}

// Balance returns the tenant's available balance.
func (r *TenantRepo) Balance(ctx context.Context, tenantID string) (float64, error) {
	var balance float64
	err := r.db.QueryRowContext(ctx,
		`SELECT balance FROM tenants WHERE id = $1`, tenantID).Scan(&balance)
	if err != nil {
		return 0, mapError("getting balance", err)
	}
	return balance, nil
}

// Deduct charges amount against the tenant's balance. The conditional UPDATE
// makes the check-and-charge a single atomic statement: two concurrent
// deductions cannot both pass a balance that covers only one of them.
func (r *TenantRepo) Deduct(ctx context.Context, tenantID string, amount float64, reference string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("deducting balance", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tenants SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2`, tenantID, amount)
	if err != nil {
		return mapError("deducting balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("deducting balance", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&exists); err != nil {
			return mapError("deducting balance", err)
		}
		if !exists {
			return ErrNotFound
		}
		return billing.ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, tenant_id, amount, reference)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), tenantID, -amount, reference)
	if err != nil {
		return mapError("recording wallet transaction", err)
	}
	return mapError("deducting balance", tx.Commit())
}

// Credit adds funds to the tenant's balance, recorded under reference.
func (r *TenantRepo) Credit(ctx context.Context, tenantID string, amount float64, reference string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("crediting balance", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tenants SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1`, tenantID, amount)
	if err != nil {
		return mapError("crediting balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, tenant_id, amount, reference)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), tenantID, amount, reference)
	if err != nil {
		return mapError("recording wallet transaction", err)
	}
	return mapError("crediting balance", tx.Commit())
}
