package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/config"
	"github.com/pulsemail/relay/internal/domain"
	"github.com/pulsemail/relay/internal/governor"
	"github.com/pulsemail/relay/internal/ledger"
	"github.com/pulsemail/relay/internal/metacache"
	"github.com/pulsemail/relay/internal/pkg/logger"
	"github.com/pulsemail/relay/internal/queue"
	"github.com/pulsemail/relay/internal/replies"
	"github.com/pulsemail/relay/internal/rewrite"
	"github.com/pulsemail/relay/internal/sender"
)

const (
	// pauseRequeueDelay is how far out a job lands when its campaign is
	// paused. Short enough that resume picks work up quickly.
	pauseRequeueDelay = 30 * time.Second

	// throttleRequeueBase spaces retries after an admission denial.
	throttleRequeueBase = 20 * time.Second

	// infraRequeueDelay parks a job when a backing store is unreachable.
	infraRequeueDelay = 5 * time.Second
)

// ContactReader resolves recipients for message rendering.
type ContactReader interface {
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
}

// DeliveryPool pulls jobs off the durable queue and drives each through
// the delivery state machine: admission, ledger gate, render, send, commit.
type DeliveryPool struct {
	queue    JobQueue
	ledger   Ledger
	contacts ContactReader
	cache    MetaCache
	governor RateGovernor
	pub      Publisher
	sender   sender.Sender
	rewriter *rewrite.Rewriter

	cfg       config.DeliveryConfig
	fromName  string
	fromEmail string
	replyBase string

	finalizer *Finalizer

	workerID     string
	numWorkers   int
	batchSize    int
	pollInterval time.Duration

	totalSent      int64
	totalFailed    int64
	totalThrottled int64
	totalSkipped   int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// DeliveryPoolDeps bundles the pool's collaborators.
type DeliveryPoolDeps struct {
	Queue     JobQueue
	Ledger    Ledger
	Contacts  ContactReader
	Cache     MetaCache
	Governor  RateGovernor
	Publisher Publisher
	Sender    sender.Sender
	Rewriter  *rewrite.Rewriter
	Finalizer *Finalizer
}

// NewDeliveryPool creates a delivery pool.
func NewDeliveryPool(deps DeliveryPoolDeps, cfg config.DeliveryConfig, ses config.SESConfig) *DeliveryPool {
	numWorkers := cfg.WorkerConcurrency
	if numWorkers <= 0 {
		numWorkers = 5
	}
	return &DeliveryPool{
		queue:        deps.Queue,
		ledger:       deps.Ledger,
		contacts:     deps.Contacts,
		cache:        deps.Cache,
		governor:     deps.Governor,
		pub:          deps.Publisher,
		sender:       deps.Sender,
		rewriter:     deps.Rewriter,
		finalizer:    deps.Finalizer,
		cfg:          cfg,
		fromName:     ses.FromName,
		fromEmail:    ses.FromEmail,
		replyBase:    ses.ReplyTo,
		workerID:     fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		numWorkers:   numWorkers,
		batchSize:    10,
		pollInterval: 500 * time.Millisecond,
	}
}

// Start launches the worker goroutines.
func (p *DeliveryPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[Delivery] Starting %d workers (id=%s, max_attempts=%d)", p.numWorkers, p.workerID, p.cfg.MaxAttempts)

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the pool and blocks until every in-flight job settles.
func (p *DeliveryPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("[Delivery] Stopping workers...")
	p.wg.Wait()
	log.Printf("[Delivery] Stopped. sent=%d failed=%d throttled=%d skipped=%d",
		atomic.LoadInt64(&p.totalSent), atomic.LoadInt64(&p.totalFailed),
		atomic.LoadInt64(&p.totalThrottled), atomic.LoadInt64(&p.totalSkipped))
}

// Stats returns the pool counters.
func (p *DeliveryPool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":      atomic.LoadInt64(&p.totalSent),
		"total_failed":    atomic.LoadInt64(&p.totalFailed),
		"total_throttled": atomic.LoadInt64(&p.totalThrottled),
		"total_skipped":   atomic.LoadInt64(&p.totalSkipped),
	}
}

func (p *DeliveryPool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			jobs, err := p.queue.Claim(p.ctx, p.workerID, p.batchSize)
			if err != nil {
				if p.ctx.Err() == nil {
					log.Printf("[Delivery %d] claim error: %v", workerNum, err)
				}
				time.Sleep(time.Second)
				continue
			}
			if len(jobs) == 0 {
				time.Sleep(p.pollInterval)
				continue
			}
			for _, job := range jobs {
				if err := p.processJob(p.ctx, job); err != nil {
					log.Printf("[Delivery %d] job %d: %v", workerNum, job.ID, err)
				}
			}
		}
	}
}

// processJob runs one claimed job through the state machine. Every exit
// settles the job: complete, fail, retry, or reschedule.
func (p *DeliveryPool) processJob(ctx context.Context, job queue.Job) error {
	campaign, err := p.ledger.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// Campaign deleted under an outstanding job: drop it
			return p.queue.Complete(ctx, job.ID)
		}
		// Ledger unreachable. Dropping here would lose the step, so park
		// the job without consuming attempt budget.
		return p.queue.Reschedule(ctx, job.ID, infraRequeueDelay)
	}

	switch {
	case campaign.Status == domain.CampaignPaused:
		return p.queue.Reschedule(ctx, job.ID, pauseRequeueDelay+p.jitter())
	case campaign.Status.Terminal():
		return p.queue.Complete(ctx, job.ID)
	}

	row, err := p.ledger.GetRow(ctx, job.CampaignID, job.ContactID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return p.queue.Complete(ctx, job.ID)
		}
		return p.queue.Reschedule(ctx, job.ID, infraRequeueDelay)
	}

	// Follow-up rules are evaluated at send time, not schedule time: a
	// reply landing after scheduling must still suppress a no_reply step.
	if job.StepIndex != domain.InitialStepIndex {
		if skip, reason := p.followUpSkipReason(ctx, campaign, row, job.StepIndex); skip {
			return p.skipFollowUp(ctx, job, reason)
		}
	}

	emailDomain := domain.EmailDomain(row.Email)
	if emailDomain == "" {
		return p.failTerminal(ctx, job, row, "invalid recipient address")
	}

	// Admission before the ledger gate: a denial must leave no trace in
	// the attempt accounting.
	if err := p.governor.Reserve(ctx, emailDomain); err != nil {
		var denied *governor.DeniedError
		if errors.As(err, &denied) {
			atomic.AddInt64(&p.totalThrottled, 1)
			hint := fmt.Sprintf("throttled:%s", denied.Reason)
			if err := p.ledger.WriteThrottleHint(ctx, job.CampaignID, job.ContactID, hint); err != nil {
				log.Printf("[Delivery] throttle hint: %v", err)
			}
			return p.queue.Reschedule(ctx, job.ID, throttleRequeueBase+p.jitter())
		}
		// Governor backend unavailable: retry shortly without consuming budget
		return p.queue.Reschedule(ctx, job.ID, infraRequeueDelay)
	}

	bgAttempt := job.AttemptsMade + 1
	stepName := domain.StepName(job.StepIndex, campaign.FollowUps)
	ok, err := p.ledger.BeginAttempt(ctx, job.CampaignID, job.ContactID, job.StepIndex, stepName, bgAttempt)
	if err != nil {
		return fmt.Errorf("begin attempt: %w", err)
	}
	if !ok {
		// Step already handled (redelivery after a crash, or a stale job)
		return p.queue.Complete(ctx, job.ID)
	}

	msg, err := p.render(ctx, campaign, row, job.StepIndex)
	if err != nil {
		// Rendering is deterministic; retrying cannot help
		return p.failTerminal(ctx, job, row, fmt.Sprintf("render: %v", err))
	}

	// Spread sends so recipients at one provider don't see a burst
	p.sleepJitter(ctx)

	result, err := p.sender.Send(ctx, msg)
	if err != nil {
		return p.handleSendError(ctx, job, row, emailDomain, err)
	}

	return p.commitSuccess(ctx, job, campaign, row, emailDomain, result)
}

// followUpSkipReason applies the step's rule against the row's reply state.
func (p *DeliveryPool) followUpSkipReason(ctx context.Context, campaign *domain.Campaign, row *domain.LedgerRow, idx int) (bool, string) {
	if idx < 0 || idx >= len(campaign.FollowUps) {
		return true, "step no longer exists"
	}
	replied, err := p.ledger.HasReply(ctx, row.CampaignID, row.ContactID)
	if err != nil {
		replied = row.Replied
	}
	switch campaign.FollowUps[idx].Rule {
	case domain.RuleNoReply:
		if replied {
			return true, "recipient replied"
		}
	case domain.RuleReplied:
		if !replied {
			return true, "no reply received"
		}
	}
	return false, ""
}

func (p *DeliveryPool) skipFollowUp(ctx context.Context, job queue.Job, reason string) error {
	atomic.AddInt64(&p.totalSkipped, 1)
	if err := p.ledger.MarkFollowUpSkipped(ctx, job.CampaignID, job.ContactID, job.StepIndex, reason); err != nil {
		return fmt.Errorf("mark follow-up skipped: %w", err)
	}
	event := &domain.CampaignEvent{
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		Type:       domain.EventFollowUpSkipped,
		Note:       reason,
	}
	if err := p.ledger.InsertEvent(ctx, event); err != nil {
		log.Printf("[Delivery] skip event: %v", err)
	}
	p.pub.PublishContactUpdate(ctx, bus.ContactUpdate{
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		Event:      string(domain.EventFollowUpSkipped),
	})
	return p.queue.Complete(ctx, job.ID)
}

// render assembles the outbound message for one step.
func (p *DeliveryPool) render(ctx context.Context, campaign *domain.Campaign, row *domain.LedgerRow, stepIndex int) (*sender.Message, error) {
	def, err := p.cache.Definition(ctx, campaign.ID)
	if err != nil {
		if !errors.Is(err, metacache.ErrNoDefinition) {
			// Cache unreachable is not a recipient failure; the campaign
			// document carries the same content.
			log.Printf("[Delivery] load definition: %v", err)
		}
		// Rebuild from the ledger document and refill
		def = &domain.Definition{Initial: campaign.Initial, FollowUps: campaign.FollowUps}
		if err := p.cache.SetDefinition(ctx, campaign.ID, def); err != nil {
			log.Printf("[Delivery] definition refill: %v", err)
		}
	}

	var subject, body string
	if stepIndex == domain.InitialStepIndex {
		subject, body = def.Initial.Subject, def.Initial.Body
	} else {
		if stepIndex >= len(def.FollowUps) {
			return nil, fmt.Errorf("follow-up %d out of range", stepIndex)
		}
		subject, body = def.FollowUps[stepIndex].Subject, def.FollowUps[stepIndex].Body
	}

	contact, err := p.contacts.GetContact(ctx, row.ContactID)
	if err != nil {
		contact = &domain.Contact{ID: row.ContactID, Email: row.Email}
	}

	subject = personalize(subject, contact)
	body = personalize(body, contact)

	html := p.rewriter.Rewrite(body, campaign.ID, row.ContactID)
	text := rewrite.PlainText(body)

	return &sender.Message{
		CampaignID: campaign.ID,
		ContactID:  row.ContactID,
		To:         row.Email,
		FromName:   p.fromName,
		FromEmail:  p.fromEmail,
		ReplyTo:    replies.Address(p.replyBase, campaign.ID, row.ContactID),
		Subject:    subject,
		HTML:       html,
		Text:       text,
	}, nil
}

// personalize substitutes {{token}} placeholders from the contact record.
func personalize(s string, c *domain.Contact) string {
	r := strings.NewReplacer(
		"{{firstName}}", c.FirstName,
		"{{lastName}}", c.LastName,
		"{{email}}", c.Email,
	)
	s = r.Replace(s)
	for k, v := range c.CustomFields {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}

// commitSuccess records an accepted send and schedules what comes next.
func (p *DeliveryPool) commitSuccess(ctx context.Context, job queue.Job, campaign *domain.Campaign, row *domain.LedgerRow, emailDomain string, result *sender.Result) error {
	atomic.AddInt64(&p.totalSent, 1)

	if err := p.governor.RecordOutcome(ctx, emailDomain, true); err != nil {
		log.Printf("[Delivery] record outcome: %v", err)
	}
	if err := p.cache.RecordDomainHealth(ctx, job.CampaignID, emailDomain, true); err != nil {
		log.Printf("[Delivery] domain health: %v", err)
	}

	if job.StepIndex == domain.InitialStepIndex {
		if err := p.ledger.CommitSent(ctx, job.CampaignID, job.ContactID); err != nil {
			return fmt.Errorf("commit sent: %w", err)
		}
		// Totals count each recipient's initial step exactly once
		p.bumpCounters(ctx, job.CampaignID, "sent")
		p.scheduleFollowUps(ctx, job.CampaignID, job.ContactID, row)
	} else {
		if err := p.ledger.MarkFollowUpSent(ctx, job.CampaignID, job.ContactID, job.StepIndex); err != nil {
			return fmt.Errorf("mark follow-up sent: %w", err)
		}
		event := &domain.CampaignEvent{
			CampaignID: job.CampaignID,
			ContactID:  job.ContactID,
			Type:       domain.EventFollowUpSent,
			Trace:      result.MessageID,
		}
		if err := p.ledger.InsertEvent(ctx, event); err != nil {
			log.Printf("[Delivery] follow-up event: %v", err)
		}
	}

	log.Printf("[Delivery] sent %s step %s to %s", job.CampaignID,
		domain.StepName(job.StepIndex, campaign.FollowUps), logger.RedactEmail(row.Email))

	p.pub.PublishContactUpdate(ctx, bus.ContactUpdate{
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		Status:     string(domain.ContactSent),
	})

	if err := p.queue.Complete(ctx, job.ID); err != nil {
		return err
	}
	p.finalizer.MaybeFinalize(ctx, job.CampaignID)
	return nil
}

// scheduleFollowUps enqueues one job per still-scheduled plan entry after
// the initial send lands.
func (p *DeliveryPool) scheduleFollowUps(ctx context.Context, campaignID, contactID string, row *domain.LedgerRow) {
	for i, entry := range row.FollowUpPlan {
		if entry.Status != domain.PlanScheduled || entry.ScheduledFor == nil {
			continue
		}
		active, err := p.queue.HasActiveJob(ctx, campaignID, contactID, i)
		if err != nil || active {
			continue
		}
		if _, err := p.queue.Enqueue(ctx, campaignID, contactID, i, *entry.ScheduledFor); err != nil {
			log.Printf("[Delivery] schedule follow-up %d: %v", i, err)
		}
	}
}

// handleSendError routes a provider rejection by its classification.
func (p *DeliveryPool) handleSendError(ctx context.Context, job queue.Job, row *domain.LedgerRow, emailDomain string, sendErr error) error {
	kind := Classify(sendErr)
	nextAttempt := job.AttemptsMade + 1

	switch kind {
	case KindThrottleDomain, KindThrottleGlobal:
		// Provider pushback is back-pressure, not a delivery failure: the
		// block absorbs it and the job re-runs with its budget intact.
		atomic.AddInt64(&p.totalThrottled, 1)
		var ttl time.Duration
		var err error
		if kind == KindThrottleGlobal {
			ttl, err = p.governor.SetGlobalBlock(ctx, nextAttempt)
		} else {
			ttl, err = p.governor.SetDomainBlock(ctx, emailDomain, nextAttempt)
		}
		if err != nil {
			log.Printf("[Delivery] set block: %v", err)
			ttl = throttleRequeueBase
		}
		log.Printf("[Delivery] provider throttle (%s) on %s, blocking %s", kind, emailDomain, ttl)
		if err := p.ledger.WriteIntermediateError(ctx, job.CampaignID, job.ContactID, job.StepIndex,
			fmt.Sprintf("provider throttle: %v", sendErr)); err != nil {
			log.Printf("[Delivery] intermediate error: %v", err)
		}
		return p.queue.Reschedule(ctx, job.ID, ttl+p.jitter())

	case KindPermanent:
		if p.cfg.PermanentFailsFast {
			p.recordFailureStats(ctx, job.CampaignID, emailDomain)
			return p.failTerminal(ctx, job, row, sendErr.Error())
		}
		fallthrough

	default: // KindTransient
		p.recordFailureStats(ctx, job.CampaignID, emailDomain)
		if nextAttempt >= p.cfg.MaxAttempts {
			return p.failTerminal(ctx, job, row, sendErr.Error())
		}
		if err := p.ledger.WriteIntermediateError(ctx, job.CampaignID, job.ContactID, job.StepIndex, sendErr.Error()); err != nil {
			log.Printf("[Delivery] intermediate error: %v", err)
		}
		delay := queue.Backoff(nextAttempt)
		log.Printf("[Delivery] transient failure for %s (attempt %d/%d), retry in %s",
			logger.RedactEmail(row.Email), nextAttempt, p.cfg.MaxAttempts, delay)
		p.pub.PublishContactUpdate(ctx, bus.ContactUpdate{
			CampaignID: job.CampaignID,
			ContactID:  job.ContactID,
			Status:     string(domain.ContactPending),
			LastError:  sendErr.Error(),
		})
		return p.queue.Retry(ctx, job.ID, delay)
	}
}

func (p *DeliveryPool) recordFailureStats(ctx context.Context, campaignID, emailDomain string) {
	if err := p.governor.RecordOutcome(ctx, emailDomain, false); err != nil {
		log.Printf("[Delivery] record outcome: %v", err)
	}
	if err := p.cache.RecordDomainHealth(ctx, campaignID, emailDomain, false); err != nil {
		log.Printf("[Delivery] domain health: %v", err)
	}
}

// failTerminal settles a job whose step will never succeed.
func (p *DeliveryPool) failTerminal(ctx context.Context, job queue.Job, row *domain.LedgerRow, reason string) error {
	atomic.AddInt64(&p.totalFailed, 1)

	if job.StepIndex == domain.InitialStepIndex {
		if err := p.ledger.WriteFailed(ctx, job.CampaignID, job.ContactID, reason); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		p.bumpCounters(ctx, job.CampaignID, "failed")
		p.pub.PublishContactUpdate(ctx, bus.ContactUpdate{
			CampaignID: job.CampaignID,
			ContactID:  job.ContactID,
			Status:     string(domain.ContactFailed),
			LastError:  reason,
		})
	} else {
		// A follow-up that cannot be delivered is skipped, never a
		// recipient failure: the initial message already landed.
		if err := p.ledger.MarkFollowUpSkipped(ctx, job.CampaignID, job.ContactID, job.StepIndex, reason); err != nil {
			return fmt.Errorf("mark follow-up skipped: %w", err)
		}
		event := &domain.CampaignEvent{
			CampaignID: job.CampaignID,
			ContactID:  job.ContactID,
			Type:       domain.EventFollowUpSkipped,
			Note:       reason,
		}
		if err := p.ledger.InsertEvent(ctx, event); err != nil {
			log.Printf("[Delivery] skip event: %v", err)
		}
	}

	if err := p.queue.Fail(ctx, job.ID); err != nil {
		return err
	}
	p.finalizer.MaybeFinalize(ctx, job.CampaignID)
	return nil
}

// bumpCounters advances the cached processed counter plus one outcome
// counter for an initial-step settlement.
func (p *DeliveryPool) bumpCounters(ctx context.Context, campaignID, outcome string) {
	if err := p.cache.IncrCounter(ctx, campaignID, "processed", 1); err != nil {
		log.Printf("[Delivery] counter processed: %v", err)
	}
	if err := p.cache.IncrCounter(ctx, campaignID, outcome, 1); err != nil {
		log.Printf("[Delivery] counter %s: %v", outcome, err)
	}
}

func (p *DeliveryPool) jitter() time.Duration {
	min, max := p.cfg.JitterMinMs, p.cfg.JitterMaxMs
	if max <= min {
		return time.Duration(min) * time.Millisecond
	}
	return time.Duration(min+rand.Intn(max-min)) * time.Millisecond
}

func (p *DeliveryPool) sleepJitter(ctx context.Context) {
	select {
	case <-time.After(p.jitter()):
	case <-ctx.Done():
	}
}
