package worker

import (
	"context"
	"time"

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/domain"
	"github.com/pulsemail/relay/internal/queue"
)

// The worker depends on narrow views of the engine's stores so tests can
// substitute in-memory fakes.

// JobQueue is the slice of the durable queue the delivery pool drives.
type JobQueue interface {
	Claim(ctx context.Context, workerID string, limit int) ([]queue.Job, error)
	Complete(ctx context.Context, jobID int64) error
	Fail(ctx context.Context, jobID int64) error
	Retry(ctx context.Context, jobID int64, delay time.Duration) error
	Reschedule(ctx context.Context, jobID int64, delay time.Duration) error
	Enqueue(ctx context.Context, campaignID, contactID string, stepIndex int, scheduledAt time.Time) (int64, error)
	HasActiveJob(ctx context.Context, campaignID, contactID string, stepIndex int) (bool, error)
	PendingForCampaign(ctx context.Context, campaignID string) (int64, error)
}

// Ledger is the slice of the state store the worker writes through.
type Ledger interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	UpdateCampaignTotals(ctx context.Context, id string, t domain.Totals) error
	GetRow(ctx context.Context, campaignID, contactID string) (*domain.LedgerRow, error)
	BeginAttempt(ctx context.Context, campaignID, contactID string, stepIndex int, stepName string, bgAttempt int) (bool, error)
	CommitSent(ctx context.Context, campaignID, contactID string) error
	WriteFailed(ctx context.Context, campaignID, contactID, lastError string) error
	WriteIntermediateError(ctx context.Context, campaignID, contactID string, stepIndex int, lastError string) error
	WriteThrottleHint(ctx context.Context, campaignID, contactID, hint string) error
	MarkFollowUpSent(ctx context.Context, campaignID, contactID string, idx int) error
	MarkFollowUpSkipped(ctx context.Context, campaignID, contactID string, idx int, reason string) error
	HasReply(ctx context.Context, campaignID, contactID string) (bool, error)
	AggregateTotals(ctx context.Context, campaignID string) (domain.Totals, error)
	PendingContacts(ctx context.Context, campaignID string, limit int) ([]string, error)
	InsertEvent(ctx context.Context, e *domain.CampaignEvent) error
	ReleaseStuckSending(ctx context.Context, maxAge time.Duration) (int64, error)
}

// MetaCache is the slice of the Redis cache the worker maintains.
type MetaCache interface {
	Definition(ctx context.Context, campaignID string) (*domain.Definition, error)
	SetDefinition(ctx context.Context, campaignID string, def *domain.Definition) error
	DeleteDefinition(ctx context.Context, campaignID string) error
	IncrCounter(ctx context.Context, campaignID, field string, n int64) error
	Meta(ctx context.Context, campaignID string) (map[string]string, error)
	WriteTotals(ctx context.Context, campaignID string, t domain.Totals, status domain.CampaignStatus) error
	SetStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error
	AllCampaigns(ctx context.Context) ([]string, error)
	RecordDomainHealth(ctx context.Context, campaignID, emailDomain string, success bool) error
}

// RateGovernor admits or denies sends and tracks domain health.
type RateGovernor interface {
	Reserve(ctx context.Context, emailDomain string) error
	RecordOutcome(ctx context.Context, emailDomain string, success bool) error
	SetDomainBlock(ctx context.Context, emailDomain string, nextAttempt int) (time.Duration, error)
	SetGlobalBlock(ctx context.Context, nextAttempt int) (time.Duration, error)
}

// Publisher is the pub/sub surface the worker announces progress on.
type Publisher interface {
	PublishCampaign(ctx context.Context, n bus.CampaignNotice)
	PublishContactUpdate(ctx context.Context, u bus.ContactUpdate)
	PublishEvent(ctx context.Context, campaignID string, payload any)
}
