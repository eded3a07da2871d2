package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/mailflow/internal/pkg/metrics"
)

// SetupRoutes configures the router. Webhook receivers sit outside /api and
// carry their own HMAC verification instead of request authentication.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	// Provider event ingestion. HMAC verification happens inside the
	// handler, before the payload is parsed.
	r.Post("/webhooks/{provider}", h.HandleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Post("/jobs", h.EnqueueSingle)
			r.Post("/batches", h.EnqueueBatch)
			r.Get("/jobs/{jobID}", h.GetJob)
			r.Post("/jobs/{jobID}/cancel", h.CancelJob)
			r.Post("/jobs/{jobID}/retry", h.RetryJob)
			r.Get("/stats", h.GetQueueStats)
			r.Post("/pause", h.PauseQueue)
			r.Post("/resume", h.ResumeQueue)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", h.CreateSchedule)
			r.Post("/validate", h.ValidateSchedule)
			r.Post("/trigger", h.TriggerSchedules)
			r.Post("/process-due", h.ProcessDueSchedules)
			r.Get("/stats", h.GetScheduleStats)
			r.Get("/", h.ListSchedules)
			r.Get("/{scheduleID}", h.GetSchedule)
			r.Post("/{scheduleID}/cancel", h.CancelSchedule)
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Get("/health", h.GetProviderHealth)
			r.Post("/primary", h.SwitchPrimary)
		})

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/count", h.GetSuppressionCount)
			r.Get("/{recipient}", h.GetSuppression)
		})

		r.Get("/webhooks/stats", h.GetWebhookStats)
	})

	return r
}
