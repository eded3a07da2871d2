package api

import (
	"net/http"
)

// ListProviders returns the registered adapters and the active routing.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.orchestrator.ListProviders(),
		"primary":   h.orchestrator.Primary(),
	})
}

// GetProviderHealth checks every registered adapter's configuration.
func (h *Handlers) GetProviderHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.orchestrator.Health(r.Context()))
}

type switchPrimaryRequest struct {
	Provider string `json:"provider"`
}

// SwitchPrimary repoints primary routing at another registered adapter. The
// target must pass a configuration check before the switch takes effect.
func (h *Handlers) SwitchPrimary(w http.ResponseWriter, r *http.Request) {
	var req switchPrimaryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.orchestrator.SwitchPrimary(r.Context(), req.Provider); err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"primary": req.Provider})
}

// GetSuppression looks up one recipient on the suppression list.
func (h *Handlers) GetSuppression(w http.ResponseWriter, r *http.Request) {
	entry, err := h.suppressions.Get(r.Context(), urlParam(r, "recipient"))
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// GetSuppressionCount reports the suppression list size.
func (h *Handlers) GetSuppressionCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.suppressions.Count(r.Context())
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": n})
}
