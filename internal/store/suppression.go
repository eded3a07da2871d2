package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ignite/mailflow/internal/mail"
)

// SuppressionRepo persists durable recipient blocks.
type SuppressionRepo struct{ db *sql.DB }

// Add inserts a suppression entry. A recipient already suppressed stays
// suppressed under the original reason; the insert is a no-op then and
// inserted=false is returned.
func (r *SuppressionRepo) Add(ctx context.Context, e *mail.SuppressionEntry) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO suppression_entries (recipient, reason, source_message_id, suppressed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recipient) DO NOTHING
	`, e.Recipient, e.Reason, e.SourceMessageID, e.SuppressedAt)
	if err != nil {
		return false, mapError("add suppression", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns the suppression entry for a recipient, or ErrNotFound.
func (r *SuppressionRepo) Get(ctx context.Context, recipient string) (*mail.SuppressionEntry, error) {
	e := &mail.SuppressionEntry{}
	err := r.db.QueryRowContext(ctx, `
		SELECT recipient, reason, source_message_id, suppressed_at
		FROM suppression_entries WHERE recipient = $1
	`, recipient).Scan(&e.Recipient, &e.Reason, &e.SourceMessageID, &e.SuppressedAt)
	if err != nil {
		return nil, mapError("get suppression", err)
	}
	return e, nil
}

// IsSuppressed reports whether a recipient has a durable block.
func (r *SuppressionRepo) IsSuppressed(ctx context.Context, recipient string) (bool, error) {
	_, err := r.Get(ctx, recipient)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AllRecipients streams every suppressed address, for loading the in-memory
// suppression index at startup.
func (r *SuppressionRepo) AllRecipients(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT recipient FROM suppression_entries`)
	if err != nil {
		return nil, mapError("list suppressed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var recipient string
		if err := rows.Scan(&recipient); err != nil {
			return nil, mapError("list suppressed", err)
		}
		out = append(out, recipient)
	}
	return out, rows.Err()
}

// Count returns the number of suppression entries.
func (r *SuppressionRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suppression_entries`).Scan(&n); err != nil {
		return 0, mapError("count suppressed", err)
	}
	return n, nil
}
