package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/delivery"
	"github.com/ignite/mailflow/internal/events"
	"github.com/ignite/mailflow/internal/pkg/distlock"
	"github.com/ignite/mailflow/internal/pkg/metrics"
	"github.com/ignite/mailflow/internal/pkg/ratelimit"
	"github.com/ignite/mailflow/internal/provider"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/schedule"
	"github.com/ignite/mailflow/internal/store"
	"github.com/ignite/mailflow/internal/suppression"
)

// The worker binary drains the job queue and runs the schedule scanner
// without serving the management API. It can run alongside the server or
// scaled out on its own; the SKIP LOCKED claims and the scanner lock keep
// instances from stepping on each other.
func main() {
	log.Println("Starting mailflow worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Println("Connected to database")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Printf("[redis] Unavailable, scanner lock disabled: %v", err)
		rdb = nil
	}
	pingCancel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batchDelay := time.Duration(cfg.Queue.BatchSendDelayMs) * time.Millisecond
	registry := delivery.NewRegistry()
	registry.Register(provider.NewSparkPost(cfg.SparkPost, batchDelay))
	registry.Register(provider.NewMailgun(cfg.Mailgun))
	registry.Register(provider.NewSES(cfg.SES, batchDelay))

	orch, err := delivery.NewOrchestrator(registry, cfg.Delivery.PrimaryProvider, cfg.Delivery.FallbackProvider)
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}

	idx, err := suppression.Load(ctx, st.Suppression)
	if err != nil {
		log.Fatalf("Failed to load suppression index: %v", err)
	}
	log.Printf("Suppression index loaded: %d entries", idx.Len())
	orch.SetSuppressionChecker(idx)
	if rdb != nil {
		orch.SetRateLimiter(ratelimit.New(rdb, nil))
	}

	refresher := suppression.NewRefresher(idx, st.Suppression, 5*time.Minute)
	go refresher.Start(ctx)
	defer refresher.Stop()

	q := queue.New(cfg.Queue, st.Jobs, orch, queue.NewBus())
	pool := queue.NewWorkerPool(q)
	pool.Start(ctx)
	defer pool.Stop()

	consumer := events.NewCampaignConsumer(st.Events, q.Bus())
	go consumer.Start(ctx)
	defer consumer.Stop()

	scheduler := schedule.NewService(cfg.Scheduler, st.Schedules, st.Tenants, st.Tenants, q)
	var lock *distlock.Lock
	if rdb != nil {
		lock = distlock.New(rdb, "mailflow:schedule-scanner", 2*cfg.Scheduler.ScanInterval())
	}
	scanner := schedule.NewScanner(scheduler, cfg.Scheduler.ScanInterval(), lock)
	scanner.Start(ctx)
	defer scanner.Stop()

	// Metrics-only listener so Prometheus can scrape workers directly.
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, "ok")
			})
			log.Printf("Metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, draining...", sig)
	cancel()
}
