// Package control is the operator-facing command surface: start, pause,
// resume, cancel, delete, retry, reconcile. Every command validates against
// the campaign's current status, writes the ledger first, then brings the
// cache and queue in line, so a crash mid-command leaves state the
// reconciler can repair.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/domain"
)

// retryBatchCap bounds one retry-failed command. Larger failure sets take
// repeated commands, keeping each one's write burst predictable.
const retryBatchCap = 1000

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotConfirmed      = errors.New("delete requires confirmation")
	ErrStillRunning      = errors.New("campaign is still running")
	ErrNotEligible       = errors.New("contact not eligible for retry")
)

// Ledger is the slice of the state store the control plane commands.
type Ledger interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	UpdateCampaignTotals(ctx context.Context, id string, t domain.Totals) error
	DeleteCampaign(ctx context.Context, id string) error
	InsertRows(ctx context.Context, campaignID string, contactIDs []string, followUps []domain.FollowUp, startedAt time.Time) error
	UpsertContacts(ctx context.Context, contacts []domain.Contact) error
	CancelPending(ctx context.Context, campaignID string) (int64, error)
	DeleteRows(ctx context.Context, campaignID string) error
	DeleteEvents(ctx context.Context, campaignID string) error
	DeleteReplies(ctx context.Context, campaignID string) error
	AggregateTotals(ctx context.Context, campaignID string) (domain.Totals, error)
	EligibleRetryContacts(ctx context.Context, campaignID string, maxAttempts, limit int) ([]string, error)
	ResetForRetry(ctx context.Context, campaignID, contactID string, maxAttempts int) (bool, error)
}

// Jobs is the slice of the durable queue the control plane commands.
type Jobs interface {
	EnqueueBatch(ctx context.Context, campaignID string, contactIDs []string, stepIndex int, scheduledAt time.Time) error
	Enqueue(ctx context.Context, campaignID, contactID string, stepIndex int, scheduledAt time.Time) (int64, error)
	RemoveCampaign(ctx context.Context, campaignID string) (int64, error)
}

// Cache is the slice of the meta cache the control plane maintains.
type Cache interface {
	InitCampaign(ctx context.Context, campaign *domain.Campaign, def *domain.Definition) error
	SetStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error
	WriteTotals(ctx context.Context, campaignID string, t domain.Totals, status domain.CampaignStatus) error
	DeleteCampaign(ctx context.Context, campaignID string) error
}

// Publisher announces lifecycle changes.
type Publisher interface {
	PublishCampaign(ctx context.Context, n bus.CampaignNotice)
	PublishContactUpdate(ctx context.Context, u bus.ContactUpdate)
}

// Sweeper triggers one reconciliation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// Plane executes operator commands.
type Plane struct {
	ledger      Ledger
	jobs        Jobs
	cache       Cache
	pub         Publisher
	sweeper     Sweeper
	maxAttempts int
}

// New creates the control plane.
func New(ledger Ledger, jobs Jobs, cache Cache, pub Publisher, sweeper Sweeper, maxAttempts int) *Plane {
	return &Plane{
		ledger:      ledger,
		jobs:        jobs,
		cache:       cache,
		pub:         pub,
		sweeper:     sweeper,
		maxAttempts: maxAttempts,
	}
}

// StartRequest describes a campaign launch.
type StartRequest struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name"`
	Initial   domain.Step       `json:"initial"`
	FollowUps []domain.FollowUp `json:"follow_ups,omitempty"`
	Contacts  []domain.Contact  `json:"contacts"`
}

// Validate checks the launch request before anything is written.
func (r *StartRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Initial.Subject == "" || r.Initial.Body == "" {
		return fmt.Errorf("initial step requires subject and body")
	}
	if len(r.Contacts) == 0 {
		return fmt.Errorf("at least one contact is required")
	}
	for i := range r.FollowUps {
		if err := r.FollowUps[i].Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(r.Contacts))
	for i := range r.Contacts {
		id, err := domain.NormalizeID(r.Contacts[i].ID)
		if err != nil {
			return fmt.Errorf("contact %d: %w", i, err)
		}
		if seen[id] {
			return fmt.Errorf("duplicate contact id %s", id)
		}
		seen[id] = true
		r.Contacts[i].ID = id
		if r.Contacts[i].Email == "" || domain.EmailDomain(r.Contacts[i].Email) == "" {
			return fmt.Errorf("contact %s: invalid email", id)
		}
	}
	return nil
}

// Start launches a campaign: ledger rows and the campaign document first,
// then the cache, then the initial jobs. Returns the created campaign.
func (p *Plane) Start(ctx context.Context, req *StartRequest) (*domain.Campaign, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else {
		normalized, err := domain.NormalizeID(id)
		if err != nil {
			return nil, err
		}
		id = normalized
	}

	now := time.Now().UTC()
	contactIDs := make([]string, len(req.Contacts))
	for i, c := range req.Contacts {
		contactIDs[i] = c.ID
	}

	campaign := &domain.Campaign{
		ID:        id,
		Name:      req.Name,
		Status:    domain.CampaignRunning,
		Totals:    domain.Totals{Intended: len(req.Contacts)},
		Initial:   req.Initial,
		FollowUps: req.FollowUps,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := p.ledger.UpsertContacts(ctx, req.Contacts); err != nil {
		return nil, fmt.Errorf("upsert contacts: %w", err)
	}
	if err := p.ledger.CreateCampaign(ctx, campaign); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	if err := p.ledger.InsertRows(ctx, id, contactIDs, req.FollowUps, now); err != nil {
		return nil, fmt.Errorf("insert ledger rows: %w", err)
	}

	def := &domain.Definition{Initial: req.Initial, FollowUps: req.FollowUps, Contacts: contactIDs}
	if err := p.cache.InitCampaign(ctx, campaign, def); err != nil {
		// Cache is advisory; workers refill the definition on demand
		log.Printf("[Control] cache init %s: %v", id, err)
	}

	if err := p.jobs.EnqueueBatch(ctx, id, contactIDs, domain.InitialStepIndex, now); err != nil {
		return nil, fmt.Errorf("enqueue initial jobs: %w", err)
	}

	log.Printf("[Control] started campaign %s (%d recipients, %d follow-ups)", id, len(contactIDs), len(req.FollowUps))
	p.pub.PublishCampaign(ctx, bus.CampaignNotice{ID: id, Status: string(domain.CampaignRunning)})
	return campaign, nil
}

// Pause holds a running campaign. Jobs already claimed finish; queued jobs
// park themselves when a worker sees the status.
func (p *Plane) Pause(ctx context.Context, id string) error {
	return p.transition(ctx, id, domain.CampaignRunning, domain.CampaignPaused)
}

// Resume releases a paused campaign.
func (p *Plane) Resume(ctx context.Context, id string) error {
	return p.transition(ctx, id, domain.CampaignPaused, domain.CampaignRunning)
}

func (p *Plane) transition(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	campaign, err := p.ledger.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, campaign.Status, to)
	}
	if err := p.ledger.SetCampaignStatus(ctx, id, to); err != nil {
		return err
	}
	if err := p.cache.SetStatus(ctx, id, to); err != nil {
		log.Printf("[Control] cache status %s: %v", id, err)
	}
	log.Printf("[Control] campaign %s: %s -> %s", id, from, to)
	p.pub.PublishCampaign(ctx, bus.CampaignNotice{ID: id, Status: string(to)})
	return nil
}

// Cancel terminally stops a campaign: unsent recipients fail with a
// cancellation marker and outstanding jobs are dropped.
func (p *Plane) Cancel(ctx context.Context, id string) error {
	campaign, err := p.ledger.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status.Terminal() {
		return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, campaign.Status)
	}

	if err := p.ledger.SetCampaignStatus(ctx, id, domain.CampaignCancelled); err != nil {
		return err
	}
	swept, err := p.ledger.CancelPending(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel pending: %w", err)
	}

	totals, err := p.ledger.AggregateTotals(ctx, id)
	if err == nil {
		if err := p.ledger.UpdateCampaignTotals(ctx, id, totals); err != nil {
			log.Printf("[Control] cancel totals %s: %v", id, err)
		}
		if err := p.cache.WriteTotals(ctx, id, totals, domain.CampaignCancelled); err != nil {
			log.Printf("[Control] cancel cache %s: %v", id, err)
		}
	}

	removed, err := p.jobs.RemoveCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("remove jobs: %w", err)
	}

	log.Printf("[Control] cancelled campaign %s (%d recipients swept, %d jobs dropped)", id, swept, removed)
	p.pub.PublishCampaign(ctx, bus.CampaignNotice{ID: id, Status: string(domain.CampaignCancelled)})
	return nil
}

// Delete permanently removes a campaign and everything attached to it.
// Refused without confirm, and refused while the campaign runs.
func (p *Plane) Delete(ctx context.Context, id string, confirm bool) error {
	if !confirm {
		return ErrNotConfirmed
	}
	campaign, err := p.ledger.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status == domain.CampaignRunning {
		return ErrStillRunning
	}

	if _, err := p.jobs.RemoveCampaign(ctx, id); err != nil {
		return fmt.Errorf("remove jobs: %w", err)
	}
	if err := p.ledger.DeleteEvents(ctx, id); err != nil {
		return err
	}
	if err := p.ledger.DeleteReplies(ctx, id); err != nil {
		return err
	}
	if err := p.ledger.DeleteRows(ctx, id); err != nil {
		return err
	}
	if err := p.ledger.DeleteCampaign(ctx, id); err != nil {
		return err
	}
	if err := p.cache.DeleteCampaign(ctx, id); err != nil {
		log.Printf("[Control] cache delete %s: %v", id, err)
	}

	log.Printf("[Control] deleted campaign %s", id)
	p.pub.PublishCampaign(ctx, bus.CampaignNotice{ID: id, Status: "deleted"})
	return nil
}

// RetryContact re-arms one failed recipient. Eligibility: the row is failed
// (not cancelled), its automatic budget is exhausted, and the user-visible
// attempt count is under the cap. The new job starts with a fresh
// background budget.
func (p *Plane) RetryContact(ctx context.Context, campaignID, contactID string) error {
	campaign, err := p.ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == domain.CampaignCancelled {
		return fmt.Errorf("%w: campaign cancelled", ErrNotEligible)
	}

	ok, err := p.ledger.ResetForRetry(ctx, campaignID, contactID, p.maxAttempts)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEligible
	}

	// A retried recipient reopens the campaign
	if campaign.Status.Terminal() {
		if err := p.ledger.SetCampaignStatus(ctx, campaignID, domain.CampaignRunning); err != nil {
			return err
		}
		if err := p.cache.SetStatus(ctx, campaignID, domain.CampaignRunning); err != nil {
			log.Printf("[Control] cache status %s: %v", campaignID, err)
		}
		p.pub.PublishCampaign(ctx, bus.CampaignNotice{ID: campaignID, Status: string(domain.CampaignRunning)})
	}

	if _, err := p.jobs.Enqueue(ctx, campaignID, contactID, domain.InitialStepIndex, time.Now()); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}

	p.pub.PublishContactUpdate(ctx, bus.ContactUpdate{
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     string(domain.ContactPending),
	})
	log.Printf("[Control] retrying %s/%s", campaignID, contactID)
	return nil
}

// RetryFailed re-arms every eligible failed recipient, up to the batch cap.
// Returns how many were requeued.
func (p *Plane) RetryFailed(ctx context.Context, campaignID string) (int, error) {
	contacts, err := p.ledger.EligibleRetryContacts(ctx, campaignID, p.maxAttempts, retryBatchCap)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, contactID := range contacts {
		if err := p.RetryContact(ctx, campaignID, contactID); err != nil {
			if errors.Is(err, ErrNotEligible) {
				continue
			}
			return retried, err
		}
		retried++
	}
	log.Printf("[Control] retry-failed on %s: %d requeued", campaignID, retried)
	return retried, nil
}

// Reconcile runs one repair sweep immediately.
func (p *Plane) Reconcile(ctx context.Context) {
	log.Println("[Control] manual reconcile requested")
	p.sweeper.Sweep(ctx)
}
