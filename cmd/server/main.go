package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailflow/internal/api"
	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/delivery"
	"github.com/ignite/mailflow/internal/events"
	"github.com/ignite/mailflow/internal/pkg/distlock"
	"github.com/ignite/mailflow/internal/pkg/ratelimit"
	"github.com/ignite/mailflow/internal/provider"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/schedule"
	"github.com/ignite/mailflow/internal/store"
	"github.com/ignite/mailflow/internal/suppression"
	"github.com/ignite/mailflow/internal/webhook"
)

// checkPortAvailable verifies that the target port is not already in use,
// so a stale process does not silently swallow traffic.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting mailflow server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	host := cfg.Server.Host
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
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
		// Redis only backs the dedup fast path and the scanner lock; the
		// database guards both durably, so startup proceeds without it.
		log.Printf("[redis] Unavailable, continuing without fast-path dedup: %v", err)
		rdb = nil
	}
	pingCancel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Provider adapters and failover routing.
	batchDelay := time.Duration(cfg.Queue.BatchSendDelayMs) * time.Millisecond
	registry := delivery.NewRegistry()
	registry.Register(provider.NewSparkPost(cfg.SparkPost, batchDelay))
	registry.Register(provider.NewMailgun(cfg.Mailgun))
	registry.Register(provider.NewSES(cfg.SES, batchDelay))

	orch, err := delivery.NewOrchestrator(registry, cfg.Delivery.PrimaryProvider, cfg.Delivery.FallbackProvider)
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}

	// Suppression index: preload from the database, refresh periodically.
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

	// Job queue and worker pools.
	q := queue.New(cfg.Queue, st.Jobs, orch, queue.NewBus())
	pool := queue.NewWorkerPool(q)
	pool.Start(ctx)
	defer pool.Stop()

	// Campaign sent-counts come off the completion bus.
	consumer := events.NewCampaignConsumer(st.Events, q.Bus())
	go consumer.Start(ctx)
	defer consumer.Stop()

	// Webhook ingestion and event processing.
	ingestor := webhook.NewIngestor()
	processor := events.NewProcessor(st.Events, st.Suppression, rdb, idx)

	// Scheduled sends. The scanner lock is only meaningful with Redis.
	scheduler := schedule.NewService(cfg.Scheduler, st.Schedules, st.Tenants, st.Tenants, q)
	var lock *distlock.Lock
	if rdb != nil {
		lock = distlock.New(rdb, "mailflow:schedule-scanner", 2*cfg.Scheduler.ScanInterval())
	}
	scanner := schedule.NewScanner(scheduler, cfg.Scheduler.ScanInterval(), lock)
	scanner.Start(ctx)
	defer scanner.Stop()

	handlers := api.NewHandlers(cfg, q, orch, scheduler, scanner, ingestor, processor, st.Suppression, nil)
	server := api.NewServer(cfg.Server, handlers)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Listening on %s", addr)
		errCh <- server.ListenAndServe(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
	case err := <-errCh:
		log.Printf("Server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	cancel()
	log.Println("Server stopped")
}
