package worker

import (
	"context"
	"log"
	"strconv"

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/domain"
)

// Finalizer closes out campaigns whose queue has drained. It prefers the
// cheap cached counters to decide whether a campaign looks finished, then
// confirms against the ledger before committing a terminal status — the
// cache can drift, the ledger cannot.
type Finalizer struct {
	queue  JobQueue
	ledger Ledger
	cache  MetaCache
	pub    Publisher
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(q JobQueue, l Ledger, c MetaCache, pub Publisher) *Finalizer {
	return &Finalizer{queue: q, ledger: l, cache: c, pub: pub}
}

// MaybeFinalize finalizes campaignID if it is running and fully settled.
// Safe to call after every job settlement and from the reconciler; all
// paths are idempotent.
func (f *Finalizer) MaybeFinalize(ctx context.Context, campaignID string) {
	if !f.looksFinished(ctx, campaignID) {
		return
	}
	if err := f.Finalize(ctx, campaignID); err != nil {
		log.Printf("[Finalizer] %s: %v", campaignID, err)
	}
}

// looksFinished is the cache-first cheap check: processed >= total. An
// evicted cache returns true so the authoritative path runs instead.
func (f *Finalizer) looksFinished(ctx context.Context, campaignID string) bool {
	meta, err := f.cache.Meta(ctx, campaignID)
	if err != nil || len(meta) == 0 {
		return true
	}
	total, err1 := strconv.ParseInt(meta["total"], 10, 64)
	processed, err2 := strconv.ParseInt(meta["processed"], 10, 64)
	if err1 != nil || err2 != nil {
		return true
	}
	return processed >= total
}

// Finalize runs the authoritative completion check and, if the campaign is
// settled, commits the terminal status and repaired totals everywhere.
func (f *Finalizer) Finalize(ctx context.Context, campaignID string) error {
	campaign, err := f.ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignRunning {
		return nil
	}

	pending, err := f.queue.PendingForCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	totals, err := f.ledger.AggregateTotals(ctx, campaignID)
	if err != nil {
		return err
	}
	if totals.Processed < totals.Intended {
		// No jobs outstanding but recipients unsettled: leave it for the
		// reconciler, which re-enqueues the gap
		return nil
	}

	status := domain.CampaignCompleted
	if totals.Failed > 0 {
		status = domain.CampaignCompletedWithFailures
	}

	if err := f.ledger.SetCampaignStatus(ctx, campaignID, status); err != nil {
		return err
	}
	if err := f.ledger.UpdateCampaignTotals(ctx, campaignID, totals); err != nil {
		return err
	}
	if err := f.cache.WriteTotals(ctx, campaignID, totals, status); err != nil {
		log.Printf("[Finalizer] cache totals: %v", err)
	}

	// The send plan is only dropped on a clean completion: a campaign with
	// failures keeps it so operator retries can still render messages.
	if status == domain.CampaignCompleted {
		if err := f.cache.DeleteDefinition(ctx, campaignID); err != nil {
			log.Printf("[Finalizer] delete definition: %v", err)
		}
	}

	log.Printf("[Finalizer] campaign %s -> %s (sent=%d failed=%d)", campaignID, status, totals.Sent, totals.Failed)

	f.pub.PublishCampaign(ctx, bus.CampaignNotice{
		ID:     campaignID,
		Status: string(status),
		Totals: &bus.TotalsPayload{
			Intended:  totals.Intended,
			Processed: totals.Processed,
			Sent:      totals.Sent,
			Failed:    totals.Failed,
		},
	})
	return nil
}
