// Package webhook ingests provider delivery webhooks: it verifies call
// authenticity, translates vendor payloads into canonical delivery events,
// and reports a per-event tally back to the caller.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrBadSignature is returned when the signature does not match.
	ErrBadSignature = errors.New("webhook signature mismatch")

	// ErrStaleTimestamp is returned when the signature timestamp is outside
	// the replay tolerance window.
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")

	// ErrNoSecret is returned when no signing secret is configured for the
	// provider or tenant.
	ErrNoSecret = errors.New("no webhook secret configured")
)

// Verifier checks HMAC-SHA256 signatures computed over timestamp + body.
// The same scheme covers named providers (provider-level secret) and the
// generic path (tenant-level secret).
type Verifier struct {
	secret    []byte
	tolerance time.Duration
}

// NewVerifier creates a verifier for one signing secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 10 * time.Minute
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance}
}

// Sign computes the expected hex signature for timestamp + body. Exposed for
// tests and for the manual provider path documentation.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(timestamp))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the timestamp freshness and the signature in constant time.
// timestamp is a Unix-seconds string; now is ingestion time.
func (v *Verifier) Verify(timestamp, signature string, body []byte, now time.Time) error {
	if len(v.secret) == 0 {
		return ErrNoSecret
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrStaleTimestamp, timestamp)
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return ErrStaleTimestamp
	}

	expected := v.Sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
