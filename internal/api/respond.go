package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ignite/mailflow/internal/billing"
	"github.com/ignite/mailflow/internal/delivery"
	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/schedule"
	"github.com/ignite/mailflow/internal/store"
	"github.com/ignite/mailflow/internal/webhook"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFromError maps domain errors onto HTTP statuses. Validation
// rejections carry their structured details through unchanged.
func respondFromError(w http.ResponseWriter, err error) {
	var ve *schedule.ValidationError
	if errors.As(err, &ve) {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      ve.Reason,
			"validation": ve,
		})
		return
	}
	var it *mail.IllegalTransitionError
	if errors.As(err, &it) {
		respondError(w, http.StatusConflict, it.Error())
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, billing.ErrInsufficientBalance):
		respondError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, webhook.ErrBadSignature),
		errors.Is(err, webhook.ErrStaleTimestamp),
		errors.Is(err, webhook.ErrNoSecret):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, queue.ErrNotFuture),
		errors.Is(err, queue.ErrEmptyBatch),
		errors.Is(err, delivery.ErrUnknownProvider):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
