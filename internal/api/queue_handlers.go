package api

import (
	"net/http"
	"time"

	"github.com/ignite/mailflow/internal/mail"
)

type enqueueSingleRequest struct {
	Job         mail.Job   `json:"job"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// EnqueueSingle accepts one job, optionally future-dated.
func (h *Handlers) EnqueueSingle(w http.ResponseWriter, r *http.Request) {
	var req enqueueSingleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		id  string
		err error
	)
	if req.ScheduledAt != nil {
		id, err = h.queue.EnqueueScheduled(r.Context(), &req.Job, *req.ScheduledAt)
	} else {
		id, err = h.queue.EnqueueSingle(r.Context(), &req.Job)
	}
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

type enqueueBatchRequest struct {
	Jobs       []*mail.Job `json:"jobs"`
	CampaignID string      `json:"campaign_id,omitempty"`
}

// EnqueueBatch accepts a batch of jobs drained as a unit.
func (h *Handlers) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req enqueueBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.queue.EnqueueBatch(r.Context(), req.Jobs, req.CampaignID)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": id,
		"count":  len(req.Jobs),
	})
}

// GetJob returns a queue job's current state.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.GetStatus(r.Context(), urlParam(r, "jobID"))
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":           rec.ID,
		"kind":         rec.Kind,
		"tenant_id":    rec.TenantID,
		"campaign_id":  rec.CampaignID,
		"priority":     rec.Priority.String(),
		"status":       rec.Status,
		"run_at":       rec.RunAt,
		"attempts":     rec.Attempts,
		"max_attempts": rec.MaxAttempts,
		"last_error":   rec.LastError,
		"created_at":   rec.CreatedAt,
		"started_at":   rec.StartedAt,
		"finished_at":  rec.FinishedAt,
	})
}

// CancelJob removes a job that has not started.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Cancel(r.Context(), urlParam(r, "jobID")); err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RetryJob re-enqueues a terminally failed job.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Retry(r.Context(), urlParam(r, "jobID")); err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "waiting"})
}

// GetQueueStats returns the queue counters and paused flag.
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// PauseQueue stops workers from claiming new jobs. In-flight jobs finish.
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeQueue lifts a pause.
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
