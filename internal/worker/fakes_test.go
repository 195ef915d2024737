package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/domain"
	"github.com/pulsemail/relay/internal/ledger"
	"github.com/pulsemail/relay/internal/metacache"
	"github.com/pulsemail/relay/internal/queue"
	"github.com/pulsemail/relay/internal/sender"
)

func rowKey(campaignID, contactID string) string { return campaignID + "|" + contactID }

// fakeQueue is an in-memory JobQueue recording every settlement.
type fakeQueue struct {
	mu          sync.Mutex
	nextID      int64
	jobs        map[int64]queue.Job
	completed   []int64
	failed      []int64
	retried     map[int64]time.Duration
	rescheduled map[int64]time.Duration
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:        make(map[int64]queue.Job),
		retried:     make(map[int64]time.Duration),
		rescheduled: make(map[int64]time.Duration),
	}
}

func (q *fakeQueue) add(campaignID, contactID string, step, attemptsMade int) queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	j := queue.Job{ID: q.nextID, CampaignID: campaignID, ContactID: contactID, StepIndex: step, AttemptsMade: attemptsMade, ScheduledAt: time.Now()}
	q.jobs[j.ID] = j
	return j
}

func (q *fakeQueue) Claim(ctx context.Context, workerID string, limit int) ([]queue.Job, error) {
	return nil, nil
}

func (q *fakeQueue) Complete(ctx context.Context, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, jobID)
	delete(q.jobs, jobID)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, jobID)
	delete(q.jobs, jobID)
	return nil
}

func (q *fakeQueue) Retry(ctx context.Context, jobID int64, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried[jobID] = delay
	j := q.jobs[jobID]
	j.AttemptsMade++
	q.jobs[jobID] = j
	return nil
}

func (q *fakeQueue) Reschedule(ctx context.Context, jobID int64, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rescheduled[jobID] = delay
	return nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, campaignID, contactID string, stepIndex int, scheduledAt time.Time) (int64, error) {
	j := q.add(campaignID, contactID, stepIndex, 0)
	return j.ID, nil
}

func (q *fakeQueue) HasActiveJob(ctx context.Context, campaignID, contactID string, stepIndex int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.CampaignID == campaignID && j.ContactID == contactID && j.StepIndex == stepIndex {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) PendingForCampaign(ctx context.Context, campaignID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, j := range q.jobs {
		if j.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

// fakeLedger is an in-memory Ledger mirroring the store's gate semantics.
// campaignErr and rowErr inject a one-shot read failure.
type fakeLedger struct {
	mu          sync.Mutex
	campaigns   map[string]*domain.Campaign
	rows        map[string]*domain.LedgerRow
	events      []*domain.CampaignEvent
	campaignErr error
	rowErr      error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		campaigns: make(map[string]*domain.Campaign),
		rows:      make(map[string]*domain.LedgerRow),
	}
}

func (l *fakeLedger) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.campaignErr != nil {
		err := l.campaignErr
		l.campaignErr = nil
		return nil, err
	}
	c, ok := l.campaigns[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (l *fakeLedger) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.campaigns[id]
	if !ok {
		return ledger.ErrNotFound
	}
	c.Status = status
	return nil
}

func (l *fakeLedger) UpdateCampaignTotals(ctx context.Context, id string, t domain.Totals) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.campaigns[id]; ok {
		c.Totals = t
	}
	return nil
}

func (l *fakeLedger) GetRow(ctx context.Context, campaignID, contactID string) (*domain.LedgerRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rowErr != nil {
		err := l.rowErr
		l.rowErr = nil
		return nil, err
	}
	r, ok := l.rows[rowKey(campaignID, contactID)]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *r
	cp.FollowUpPlan = append([]domain.FollowUpPlanEntry(nil), r.FollowUpPlan...)
	return &cp, nil
}

func (l *fakeLedger) BeginAttempt(ctx context.Context, campaignID, contactID string, stepIndex int, stepName string, bgAttempt int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[rowKey(campaignID, contactID)]
	if !ok {
		return false, nil
	}
	if stepIndex == domain.InitialStepIndex {
		if r.Status != domain.ContactPending {
			return false, nil
		}
	} else {
		if r.Status != domain.ContactSent || stepIndex >= len(r.FollowUpPlan) || r.FollowUpPlan[stepIndex].Status != domain.PlanScheduled {
			return false, nil
		}
	}
	r.Status = domain.ContactSending
	if r.CurrentStepIndex == stepIndex {
		if bgAttempt > r.CurrentStepBgAttempts {
			r.CurrentStepBgAttempts = bgAttempt
		}
	} else {
		r.CurrentStepIndex = stepIndex
		r.CurrentStepBgAttempts = bgAttempt
	}
	r.CurrentStepName = stepName
	if bgAttempt > r.BgAttempts {
		r.BgAttempts = bgAttempt
	}
	if r.Attempts == 0 {
		r.Attempts = 1
	}
	now := time.Now()
	r.LastAttemptAt = &now
	return true, nil
}

func (l *fakeLedger) CommitSent(ctx context.Context, campaignID, contactID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[rowKey(campaignID, contactID)]; ok && r.Status == domain.ContactSending {
		r.Status = domain.ContactSent
		r.LastError = ""
	}
	return nil
}

func (l *fakeLedger) WriteFailed(ctx context.Context, campaignID, contactID, lastError string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[rowKey(campaignID, contactID)]; ok {
		r.Status = domain.ContactFailed
		r.LastError = lastError
	}
	return nil
}

func (l *fakeLedger) WriteIntermediateError(ctx context.Context, campaignID, contactID string, stepIndex int, lastError string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[rowKey(campaignID, contactID)]; ok && r.Status == domain.ContactSending {
		if stepIndex == domain.InitialStepIndex {
			r.Status = domain.ContactPending
		} else {
			r.Status = domain.ContactSent
		}
		r.LastError = lastError
	}
	return nil
}

func (l *fakeLedger) WriteThrottleHint(ctx context.Context, campaignID, contactID, hint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[rowKey(campaignID, contactID)]; ok {
		r.LastError = hint
	}
	return nil
}

func (l *fakeLedger) MarkFollowUpSent(ctx context.Context, campaignID, contactID string, idx int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[rowKey(campaignID, contactID)]; ok && idx < len(r.FollowUpPlan) {
		r.Status = domain.ContactSent
		now := time.Now()
		r.FollowUpPlan[idx].Status = domain.PlanSent
		r.FollowUpPlan[idx].SentAt = &now
	}
	return nil
}

func (l *fakeLedger) MarkFollowUpSkipped(ctx context.Context, campaignID, contactID string, idx int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[rowKey(campaignID, contactID)]; ok && idx < len(r.FollowUpPlan) {
		if r.Status == domain.ContactSending {
			r.Status = domain.ContactSent
		}
		now := time.Now()
		r.FollowUpPlan[idx].Status = domain.PlanSkipped
		r.FollowUpPlan[idx].SkippedAt = &now
		r.FollowUpPlan[idx].SkippedReason = reason
	}
	return nil
}

func (l *fakeLedger) HasReply(ctx context.Context, campaignID, contactID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[rowKey(campaignID, contactID)]; ok {
		return r.Replied, nil
	}
	return false, ledger.ErrNotFound
}

func (l *fakeLedger) AggregateTotals(ctx context.Context, campaignID string) (domain.Totals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var t domain.Totals
	for _, r := range l.rows {
		if r.CampaignID != campaignID {
			continue
		}
		t.Intended++
		switch r.Status {
		case domain.ContactSent:
			t.Processed++
			t.Sent++
		case domain.ContactFailed:
			t.Processed++
			t.Failed++
		}
	}
	return t, nil
}

func (l *fakeLedger) PendingContacts(ctx context.Context, campaignID string, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, r := range l.rows {
		if r.CampaignID == campaignID && r.Status == domain.ContactPending {
			ids = append(ids, r.ContactID)
		}
	}
	return ids, nil
}

func (l *fakeLedger) InsertEvent(ctx context.Context, e *domain.CampaignEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *fakeLedger) ReleaseStuckSending(ctx context.Context, maxAge time.Duration) (int64, error) {
	return 0, nil
}

func (l *fakeLedger) eventsOfType(t domain.EventType) []*domain.CampaignEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.CampaignEvent
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeContacts resolves contacts from a map.
type fakeContacts struct {
	contacts map[string]*domain.Contact
}

func (f *fakeContacts) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	if c, ok := f.contacts[id]; ok {
		return c, nil
	}
	return nil, ledger.ErrNotFound
}

// fakeCache is an in-memory MetaCache. defErr injects a one-shot read
// failure from Definition.
type fakeCache struct {
	mu          sync.Mutex
	defErr      error
	definitions map[string]*domain.Definition
	counters    map[string]map[string]int64
	statuses    map[string]domain.CampaignStatus
	totals      map[string]domain.Totals
	health      map[string]map[string]int
	all         []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		definitions: make(map[string]*domain.Definition),
		counters:    make(map[string]map[string]int64),
		statuses:    make(map[string]domain.CampaignStatus),
		totals:      make(map[string]domain.Totals),
		health:      make(map[string]map[string]int),
	}
}

func (c *fakeCache) Definition(ctx context.Context, campaignID string) (*domain.Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.defErr != nil {
		err := c.defErr
		c.defErr = nil
		return nil, err
	}
	if d, ok := c.definitions[campaignID]; ok {
		return d, nil
	}
	return nil, metacache.ErrNoDefinition
}

func (c *fakeCache) SetDefinition(ctx context.Context, campaignID string, def *domain.Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions[campaignID] = def
	return nil
}

func (c *fakeCache) DeleteDefinition(ctx context.Context, campaignID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.definitions, campaignID)
	return nil
}

func (c *fakeCache) IncrCounter(ctx context.Context, campaignID, field string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters[campaignID] == nil {
		c.counters[campaignID] = make(map[string]int64)
	}
	c.counters[campaignID][field] += n
	return nil
}

func (c *fakeCache) Meta(ctx context.Context, campaignID string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters, ok := c.counters[campaignID]
	if !ok {
		return map[string]string{}, nil
	}
	meta := make(map[string]string, len(counters))
	for k, v := range counters {
		meta[k] = fmt.Sprintf("%d", v)
	}
	return meta, nil
}

func (c *fakeCache) WriteTotals(ctx context.Context, campaignID string, t domain.Totals, status domain.CampaignStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[campaignID] = t
	c.statuses[campaignID] = status
	return nil
}

func (c *fakeCache) SetStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[campaignID] = status
	return nil
}

func (c *fakeCache) AllCampaigns(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.all...), nil
}

func (c *fakeCache) RecordDomainHealth(ctx context.Context, campaignID, emailDomain string, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health[campaignID] == nil {
		c.health[campaignID] = make(map[string]int)
	}
	key := emailDomain + ":failed"
	if success {
		key = emailDomain + ":sent"
	}
	c.health[campaignID][key]++
	return nil
}

// fakeGovernor admits everything unless told otherwise.
type fakeGovernor struct {
	mu           sync.Mutex
	denyWith     error
	outcomes     []bool
	domainBlocks []string
	globalBlocks int
}

func (g *fakeGovernor) Reserve(ctx context.Context, emailDomain string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denyWith
}

func (g *fakeGovernor) RecordOutcome(ctx context.Context, emailDomain string, success bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, success)
	return nil
}

func (g *fakeGovernor) SetDomainBlock(ctx context.Context, emailDomain string, nextAttempt int) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.domainBlocks = append(g.domainBlocks, emailDomain)
	return 5 * time.Minute, nil
}

func (g *fakeGovernor) SetGlobalBlock(ctx context.Context, nextAttempt int) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.globalBlocks++
	return 2 * time.Minute, nil
}

// fakePublisher records everything published.
type fakePublisher struct {
	mu       sync.Mutex
	notices  []bus.CampaignNotice
	contacts []bus.ContactUpdate
	events   []any
}

func (p *fakePublisher) PublishCampaign(ctx context.Context, n bus.CampaignNotice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
}

func (p *fakePublisher) PublishContactUpdate(ctx context.Context, u bus.ContactUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contacts = append(p.contacts, u)
}

func (p *fakePublisher) PublishEvent(ctx context.Context, campaignID string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
}

// fakeSender succeeds unless primed with an error.
type fakeSender struct {
	mu   sync.Mutex
	errs []error // consumed in order; nil entry = success
	sent []*sender.Message
}

func (s *fakeSender) Send(ctx context.Context, msg *sender.Message) (*sender.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	s.sent = append(s.sent, msg)
	return &sender.Result{MessageID: fmt.Sprintf("msg-%d", len(s.sent)), SentAt: time.Now()}, nil
}
