package api

import (
	"context"
	"time"

	"github.com/pulsemail/relay/internal/domain"
	"github.com/pulsemail/relay/internal/queue"
	"github.com/pulsemail/relay/internal/replies"
)

// CampaignReader is the read-only slice of the ledger the API serves.
type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, limit int) ([]*domain.Campaign, error)
	GetRow(ctx context.Context, campaignID, contactID string) (*domain.LedgerRow, error)
	ListRows(ctx context.Context, campaignID string, limit, offset int) ([]*domain.LedgerRow, error)
	ListEvents(ctx context.Context, campaignID string, limit, offset int) ([]*domain.CampaignEvent, error)
	ListReplies(ctx context.Context, campaignID string, limit, offset int) ([]*domain.Reply, error)
}

// Tracker is the slice of the ledger the tracking endpoints write through.
type Tracker interface {
	SetOpened(ctx context.Context, campaignID, contactID string, at time.Time) (bool, error)
	SetClicked(ctx context.Context, campaignID, contactID string, at time.Time) (bool, error)
	InsertEvent(ctx context.Context, e *domain.CampaignEvent) error
}

// LiveCache exposes the cached live counters.
type LiveCache interface {
	Meta(ctx context.Context, campaignID string) (map[string]string, error)
	Health(ctx context.Context, campaignID string) (map[string]string, error)
	IncrMetric(ctx context.Context, campaignID, field string, n int64) error
}

// QueueStats exposes queue depth for the stats endpoint.
type QueueStats interface {
	Snapshot(ctx context.Context) (queue.Stats, error)
}

// PoolStats exposes the delivery pool counters.
type PoolStats interface {
	Stats() map[string]int64
}

// InboundProcessor handles one inbound reply from the provider webhook.
type InboundProcessor interface {
	Process(ctx context.Context, msg *replies.Inbound) error
}
