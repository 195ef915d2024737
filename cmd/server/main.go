// Command server runs the full delivery engine in one process: the HTTP
// API, the delivery worker pool, the reconciler, and the queue recovery
// sweep. For horizontal scale, run additional cmd/worker processes against
// the same Postgres and Redis.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pulsemail/relay/internal/api"
	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/config"
	"github.com/pulsemail/relay/internal/control"
	"github.com/pulsemail/relay/internal/governor"
	"github.com/pulsemail/relay/internal/ledger"
	"github.com/pulsemail/relay/internal/metacache"
	"github.com/pulsemail/relay/internal/pkg/distlock"
	"github.com/pulsemail/relay/internal/queue"
	"github.com/pulsemail/relay/internal/replies"
	"github.com/pulsemail/relay/internal/rewrite"
	"github.com/pulsemail/relay/internal/sender"
	"github.com/pulsemail/relay/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db := mustOpenPostgres(cfg.Postgres)
	defer db.Close()

	redisClient := mustOpenRedis(cfg.Redis)
	defer redisClient.Close()

	store := ledger.NewStore(db)
	jobs := queue.New(db)
	cache := metacache.New(redisClient)
	gov := governor.New(redisClient, cfg.Rates)
	msgBus := bus.New(redisClient)

	snd := buildSender(cfg.SES)

	rewriter := rewrite.New(cfg.Tracking.PublicBaseURL)
	finalizer := worker.NewFinalizer(jobs, store, cache, msgBus)

	pool := worker.NewDeliveryPool(worker.DeliveryPoolDeps{
		Queue:     jobs,
		Ledger:    store,
		Contacts:  store,
		Cache:     cache,
		Governor:  gov,
		Publisher: msgBus,
		Sender:    snd,
		Rewriter:  rewriter,
		Finalizer: finalizer,
	}, cfg.Delivery, cfg.SES)

	lock := distlock.New(redisClient, db, "reconciler", 2*time.Minute)
	reconciler := worker.NewReconciler(jobs, store, cache, finalizer, lock, cfg.Reconciler)
	recovery := queue.NewRecoveryWorker(db)

	engine := worker.NewEngine(pool, reconciler, recovery)
	engine.Start()
	defer engine.Stop()

	plane := control.New(store, jobs, cache, msgBus, reconciler, cfg.Delivery.MaxAttempts)
	correlator := replies.NewCorrelator(store, msgBus)

	server := api.NewServer(cfg.Server, api.HandlerDeps{
		Control: plane,
		Ledger:  store,
		Tracker: store,
		Cache:   cache,
		Queue:   jobs,
		Pool:    pool,
		Bus:     msgBus,
		Inbound: correlator,
		Webhook: cfg.Webhook,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("[Server] received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("[Server] listener: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
}

func mustOpenPostgres(cfg config.PostgresConfig) *sql.DB {
	if cfg.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}
	log.Println("[Server] connected to Postgres")
	return db
}

func mustOpenRedis(cfg config.RedisConfig) *redis.Client {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}
	log.Println("[Server] connected to Redis")
	return client
}

func buildSender(cfg config.SESConfig) sender.Sender {
	if !cfg.Enabled {
		log.Println("[Server] no provider configured, running in dry-run mode")
		return sender.NewLogSender()
	}
	snd, err := sender.NewSESSender(context.Background(), cfg,
		os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"))
	if err != nil {
		log.Fatalf("init SES: %v", err)
	}
	log.Printf("[Server] SES sender ready (region=%s, from=%s)", cfg.Region, cfg.FromEmail)
	return snd
}
