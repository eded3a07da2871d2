package api

import (
	"net/http"
	"strconv"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/schedule"
	"github.com/ignite/mailflow/internal/store"
)

// CreateSchedule validates and persists a scheduled send.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req schedule.Request
	if !decodeBody(w, r, &req) {
		return
	}
	sched, err := h.scheduler.Schedule(r.Context(), &req)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sched)
}

// ValidateSchedule runs scheduling validation without creating anything.
func (h *Handlers) ValidateSchedule(w http.ResponseWriter, r *http.Request) {
	var req schedule.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.scheduler.Validate(r.Context(), &req); err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":          true,
		"estimated_cost": h.scheduler.EstimateCost(len(req.Recipients)),
	})
}

// GetSchedule returns one scheduled send.
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.scheduler.Get(r.Context(), urlParam(r, "scheduleID"))
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sched)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelSchedule cancels a pending scheduled send.
func (h *Handlers) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := h.scheduler.Cancel(r.Context(), urlParam(r, "scheduleID"), req.Reason); err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListSchedules pages a tenant's scheduled sends, optionally filtered by
// status.
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	f := store.ListFilter{
		Status: mail.ScheduleStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	scheds, total, err := h.scheduler.ListByTenant(r.Context(), tenantID, f)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": scheds,
		"total":     total,
		"limit":     f.Limit,
		"offset":    f.Offset,
	})
}

// GetScheduleStats aggregates schedule counts per lifecycle state.
func (h *Handlers) GetScheduleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.Stats(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type triggerRequest struct {
	ScheduleIDs []string `json:"schedule_ids,omitempty"`
	Force       bool     `json:"force,omitempty"`
}

// TriggerSchedules processes named schedules immediately, skipping billing
// re-validation when force is set.
func (h *Handlers) TriggerSchedules(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	report, err := h.scheduler.TriggerManually(r.Context(), req.ScheduleIDs, req.Force)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ProcessDueSchedules runs one scanner pass on demand.
func (h *Handlers) ProcessDueSchedules(w http.ResponseWriter, r *http.Request) {
	report, err := h.scanner.ScanNow(r.Context())
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
