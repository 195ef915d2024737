package queue

import (
	"context"
	"database/sql"
	"log"
	"time"
)

const (
	// DefaultRecoveryInterval is how often the sweep runs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a job may sit claimed before it is
	// presumed orphaned by a crashed worker.
	DefaultStaleAge = 5 * time.Minute
)

// RecoveryWorker requeues jobs orphaned in 'claimed' by a worker crash.
// Requeueing does not touch attempts_made: a crash is not a delivery
// attempt, and the ledger guard makes redelivery after a post-send crash
// harmless.
type RecoveryWorker struct {
	db       *sql.DB
	interval time.Duration
	staleAge time.Duration
}

// NewRecoveryWorker creates a recovery worker with default timing.
func NewRecoveryWorker(db *sql.DB) *RecoveryWorker {
	return &RecoveryWorker{db: db, interval: DefaultRecoveryInterval, staleAge: DefaultStaleAge}
}

// NewRecoveryWorkerWithConfig creates a recovery worker with custom timing.
func NewRecoveryWorkerWithConfig(db *sql.DB, interval, staleAge time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &RecoveryWorker{db: db, interval: interval, staleAge: staleAge}
}

// Start runs the recovery loop until ctx is cancelled.
func (r *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, stale_age=%s)", r.interval, r.staleAge)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			r.recoverStuckJobs(ctx)
		}
	}
}

func (r *RecoveryWorker) recoverStuckJobs(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(queryCtx, `
		UPDATE delivery_jobs
		SET status = 'queued',
		    claimed_by = NULL,
		    claimed_at = NULL
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1::interval
	`, r.staleAge.String())
	if err != nil {
		log.Printf("[QueueRecovery] requeue error: %v", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] requeued %d stuck jobs", n)
	}
}
