package worker

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/pulsemail/relay/internal/config"
	"github.com/pulsemail/relay/internal/domain"
	"github.com/pulsemail/relay/internal/pkg/distlock"
)

const (
	// stuckSendingAge is how long a row may sit in 'sending' before the
	// reconciler presumes the worker died mid-delivery and releases it.
	stuckSendingAge = 10 * time.Minute

	reconcileLockTTL = 2 * time.Minute
)

// Reconciler is the drift-repair sweep. On each tick it takes a
// cluster-wide lock and walks the registered campaigns: finalizing drained
// ones, re-enqueueing rows whose jobs vanished, repairing cached totals
// from the ledger, and releasing rows stuck in 'sending'.
type Reconciler struct {
	queue     JobQueue
	ledger    Ledger
	cache     MetaCache
	finalizer *Finalizer
	lock      distlock.Lock

	interval  time.Duration
	batchSize int
}

// NewReconciler creates the sweep with the configured interval and batch
// bound.
func NewReconciler(q JobQueue, l Ledger, c MetaCache, f *Finalizer, lock distlock.Lock, cfg config.ReconcilerConfig) *Reconciler {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}
	return &Reconciler{
		queue:     q,
		ledger:    l,
		cache:     c,
		finalizer: f,
		lock:      lock,
		interval:  cfg.ReconcileInterval(),
		batchSize: batch,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	log.Printf("[Reconciler] Starting (interval=%s, batch=%d)", r.interval, r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Reconciler] Stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Only one instance cluster-wide runs
// at a time; losing the lock race skips the tick.
func (r *Reconciler) Sweep(ctx context.Context) {
	acquired, err := r.lock.TryAcquire(ctx)
	if err != nil {
		log.Printf("[Reconciler] lock: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := r.lock.Release(ctx); err != nil {
			log.Printf("[Reconciler] unlock: %v", err)
		}
	}()

	if n, err := r.ledger.ReleaseStuckSending(ctx, stuckSendingAge); err != nil {
		log.Printf("[Reconciler] release stuck: %v", err)
	} else if n > 0 {
		log.Printf("[Reconciler] released %d rows stuck in sending", n)
	}

	ids, err := r.cache.AllCampaigns(ctx)
	if err != nil {
		log.Printf("[Reconciler] list campaigns: %v", err)
		return
	}
	if len(ids) > r.batchSize {
		ids = ids[:r.batchSize]
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		r.reconcileCampaign(ctx, id)
	}
}

func (r *Reconciler) reconcileCampaign(ctx context.Context, campaignID string) {
	campaign, err := r.ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		// Registered in the cache but gone from the ledger: a torn delete.
		// Scrub the leftovers.
		if err := r.cache.WriteTotals(ctx, campaignID, domain.Totals{}, domain.CampaignCancelled); err == nil {
			log.Printf("[Reconciler] campaign %s missing from ledger", campaignID)
		}
		return
	}

	if campaign.Status != domain.CampaignRunning {
		r.repairTotals(ctx, campaign)
		return
	}

	pending, err := r.queue.PendingForCampaign(ctx, campaignID)
	if err != nil {
		log.Printf("[Reconciler] pending count %s: %v", campaignID, err)
		return
	}

	if pending == 0 {
		// Either finished, or rows lost their jobs. Re-enqueue the gap
		// first; finalize handles the rest.
		contacts, err := r.ledger.PendingContacts(ctx, campaignID, r.batchSize)
		if err != nil {
			log.Printf("[Reconciler] pending contacts %s: %v", campaignID, err)
			return
		}
		for _, contactID := range contacts {
			active, err := r.queue.HasActiveJob(ctx, campaignID, contactID, domain.InitialStepIndex)
			if err != nil || active {
				continue
			}
			if _, err := r.queue.Enqueue(ctx, campaignID, contactID, domain.InitialStepIndex, time.Now()); err != nil {
				log.Printf("[Reconciler] re-enqueue %s/%s: %v", campaignID, contactID, err)
			}
		}
		if len(contacts) > 0 {
			log.Printf("[Reconciler] re-enqueued %d orphaned recipients for %s", len(contacts), campaignID)
			return
		}
		r.finalizer.MaybeFinalize(ctx, campaignID)
		return
	}

	r.repairTotals(ctx, campaign)
}

// repairTotals overwrites cached counters with ledger-derived truth when
// they disagree.
func (r *Reconciler) repairTotals(ctx context.Context, campaign *domain.Campaign) {
	totals, err := r.ledger.AggregateTotals(ctx, campaign.ID)
	if err != nil {
		log.Printf("[Reconciler] aggregate %s: %v", campaign.ID, err)
		return
	}

	meta, err := r.cache.Meta(ctx, campaign.ID)
	if err == nil && len(meta) > 0 {
		processed, _ := strconv.Atoi(meta["processed"])
		sent, _ := strconv.Atoi(meta["sent"])
		failed, _ := strconv.Atoi(meta["failed"])
		if processed == totals.Processed && sent == totals.Sent && failed == totals.Failed {
			return
		}
		log.Printf("[Reconciler] totals drift on %s: cache %d/%d/%d ledger %d/%d/%d",
			campaign.ID, processed, sent, failed, totals.Processed, totals.Sent, totals.Failed)
	}

	if err := r.cache.WriteTotals(ctx, campaign.ID, totals, campaign.Status); err != nil {
		log.Printf("[Reconciler] write totals %s: %v", campaign.ID, err)
	}
	if err := r.ledger.UpdateCampaignTotals(ctx, campaign.ID, totals); err != nil {
		log.Printf("[Reconciler] update totals %s: %v", campaign.ID, err)
	}
}
