// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline: queue throughput, provider sends, and webhook ingestion.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailflow_jobs_enqueued_total", Help: "Jobs accepted by the queue"},
		[]string{"kind", "priority"},
	)
	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailflow_jobs_completed_total", Help: "Jobs finished by workers"},
		[]string{"kind", "outcome"},
	)
	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mailflow_job_retries_total", Help: "Job attempts that were retried"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailflow_job_duration_seconds",
			Help:    "Time spent executing one job attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ProviderSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailflow_provider_sends_total", Help: "Send attempts per provider"},
		[]string{"provider", "status"},
	)
	ProviderFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mailflow_provider_failovers_total", Help: "Sends that fell back to the secondary provider"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailflow_webhook_events_total", Help: "Webhook events by provider and disposition"},
		[]string{"provider", "disposition"},
	)
	WebhookRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailflow_webhook_rejected_total", Help: "Webhook calls rejected before processing"},
		[]string{"provider", "reason"},
	)

	SchedulesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailflow_schedules_processed_total", Help: "Scheduled sends moved out of pending"},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsCompleted, JobRetries, JobDuration,
		ProviderSends, ProviderFailovers,
		WebhookEvents, WebhookRejected,
		SchedulesProcessed,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
