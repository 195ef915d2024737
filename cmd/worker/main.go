// Command worker runs a headless delivery worker: the pool, the reconciler,
// and the queue recovery sweep, with no HTTP API. Any number of these can
// run against the same Postgres and Redis; the queue's SKIP LOCKED claims
// and the reconciler's distributed lock keep them from stepping on each
// other.
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

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/config"
	"github.com/pulsemail/relay/internal/governor"
	"github.com/pulsemail/relay/internal/ledger"
	"github.com/pulsemail/relay/internal/metacache"
	"github.com/pulsemail/relay/internal/pkg/distlock"
	"github.com/pulsemail/relay/internal/queue"
	"github.com/pulsemail/relay/internal/rewrite"
	"github.com/pulsemail/relay/internal/sender"
	"github.com/pulsemail/relay/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Postgres.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}

	redisURL := cfg.Redis.URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	store := ledger.NewStore(db)
	jobs := queue.New(db)
	cache := metacache.New(redisClient)
	gov := governor.New(redisClient, cfg.Rates)
	msgBus := bus.New(redisClient)

	var snd sender.Sender
	if cfg.SES.Enabled {
		snd, err = sender.NewSESSender(context.Background(), cfg.SES,
			os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"))
		if err != nil {
			log.Fatalf("init SES: %v", err)
		}
	} else {
		log.Println("[Worker] no provider configured, running in dry-run mode")
		snd = sender.NewLogSender()
	}

	finalizer := worker.NewFinalizer(jobs, store, cache, msgBus)
	pool := worker.NewDeliveryPool(worker.DeliveryPoolDeps{
		Queue:     jobs,
		Ledger:    store,
		Contacts:  store,
		Cache:     cache,
		Governor:  gov,
		Publisher: msgBus,
		Sender:    snd,
		Rewriter:  rewrite.New(cfg.Tracking.PublicBaseURL),
		Finalizer: finalizer,
	}, cfg.Delivery, cfg.SES)

	lock := distlock.New(redisClient, db, "reconciler", 2*time.Minute)
	reconciler := worker.NewReconciler(jobs, store, cache, finalizer, lock, cfg.Reconciler)
	recovery := queue.NewRecoveryWorker(db)

	engine := worker.NewEngine(pool, reconciler, recovery)
	engine.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Printf("[Worker] received %s, draining", sig)

	engine.Stop()
}
