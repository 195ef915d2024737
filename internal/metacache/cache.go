// Package metacache holds the volatile per-campaign counters, the definition
// blob, and domain-health snapshots in Redis.
//
// The cache is advisory: every read path tolerates eviction, and the
// finalizer recomputes from the ledger whenever the cache is empty or stale.
// When the two disagree, the ledger wins and the reconciler writes the
// ledger-derived totals back here.
//
// Key layout:
//
//	campaign:{id}:meta        hash  name,total,processed,sent,failed,status,createdAt
//	campaign:{id}:definition  string (JSON)
//	campaign:{id}:metrics     hash  opens,clicks
//	campaign:{id}:health      hash  domain:{d}:sent|failed|lastUpdated
//	campaign:all              set
package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsemail/relay/internal/domain"
)

// ErrNoDefinition is returned when a campaign's definition blob is absent
// (evicted or deleted by the control plane).
var ErrNoDefinition = errors.New("campaign definition not cached")

// Cache is the Redis-backed meta cache.
type Cache struct {
	redis *redis.Client
}

// New creates a Cache on an existing Redis client.
func New(client *redis.Client) *Cache {
	return &Cache{redis: client}
}

func metaKey(id string) string       { return fmt.Sprintf("campaign:%s:meta", id) }
func definitionKey(id string) string { return fmt.Sprintf("campaign:%s:definition", id) }
func metricsKey(id string) string    { return fmt.Sprintf("campaign:%s:metrics", id) }
func healthKey(id string) string     { return fmt.Sprintf("campaign:%s:health", id) }

const allCampaignsKey = "campaign:all"

// InitCampaign seeds the meta hash, stores the definition blob, and registers
// the campaign in the campaign:all set. Called once at campaign start.
func (c *Cache) InitCampaign(ctx context.Context, campaign *domain.Campaign, def *domain.Definition) error {
	blob, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	pipe := c.redis.Pipeline()
	pipe.HSet(ctx, metaKey(campaign.ID), map[string]any{
		"name":      campaign.Name,
		"total":     campaign.Totals.Intended,
		"processed": 0,
		"sent":      0,
		"failed":    0,
		"status":    string(campaign.Status),
		"createdAt": campaign.CreatedAt.UTC().Format(time.RFC3339),
	})
	pipe.Set(ctx, definitionKey(campaign.ID), blob, 0)
	pipe.SAdd(ctx, allCampaignsKey, campaign.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// IncrCounter atomically bumps one meta counter (processed, sent, failed).
func (c *Cache) IncrCounter(ctx context.Context, campaignID, field string, n int64) error {
	return c.redis.HIncrBy(ctx, metaKey(campaignID), field, n).Err()
}

// IncrMetric atomically bumps one engagement metric (opens, clicks).
func (c *Cache) IncrMetric(ctx context.Context, campaignID, field string, n int64) error {
	return c.redis.HIncrBy(ctx, metricsKey(campaignID), field, n).Err()
}

// SetStatus writes the cached campaign status.
func (c *Cache) SetStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error {
	return c.redis.HSet(ctx, metaKey(campaignID), "status", string(status)).Err()
}

// Meta returns the raw meta hash. An empty map means evicted.
func (c *Cache) Meta(ctx context.Context, campaignID string) (map[string]string, error) {
	return c.redis.HGetAll(ctx, metaKey(campaignID)).Result()
}

// WriteTotals flushes ledger-derived totals (and status) into the meta hash.
// Used by the finalizer and the reconciler to repair drift.
func (c *Cache) WriteTotals(ctx context.Context, campaignID string, t domain.Totals, status domain.CampaignStatus) error {
	return c.redis.HSet(ctx, metaKey(campaignID), map[string]any{
		"total":     t.Intended,
		"processed": t.Processed,
		"sent":      t.Sent,
		"failed":    t.Failed,
		"status":    string(status),
	}).Err()
}

// Definition returns the cached send plan, or ErrNoDefinition if evicted.
func (c *Cache) Definition(ctx context.Context, campaignID string) (*domain.Definition, error) {
	raw, err := c.redis.Get(ctx, definitionKey(campaignID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoDefinition
	}
	if err != nil {
		return nil, err
	}
	var def domain.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}

// SetDefinition re-stores the definition blob (cache refill after eviction).
func (c *Cache) SetDefinition(ctx context.Context, campaignID string, def *domain.Definition) error {
	blob, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	return c.redis.Set(ctx, definitionKey(campaignID), blob, 0).Err()
}

// DeleteDefinition removes the send plan. Done when a campaign fully
// completes; retained for completed_with_failures so retries stay possible.
func (c *Cache) DeleteDefinition(ctx context.Context, campaignID string) error {
	return c.redis.Del(ctx, definitionKey(campaignID)).Err()
}

// DeleteCampaign removes every cache key for a campaign.
func (c *Cache) DeleteCampaign(ctx context.Context, campaignID string) error {
	pipe := c.redis.Pipeline()
	pipe.Del(ctx, metaKey(campaignID), definitionKey(campaignID), metricsKey(campaignID), healthKey(campaignID))
	pipe.SRem(ctx, allCampaignsKey, campaignID)
	_, err := pipe.Exec(ctx)
	return err
}

// AllCampaigns returns the ids registered in campaign:all.
func (c *Cache) AllCampaigns(ctx context.Context) ([]string, error) {
	return c.redis.SMembers(ctx, allCampaignsKey).Result()
}

// RecordDomainHealth bumps the per-campaign, per-domain sent/failed counters.
func (c *Cache) RecordDomainHealth(ctx context.Context, campaignID, emailDomain string, success bool) error {
	field := "failed"
	if success {
		field = "sent"
	}
	pipe := c.redis.Pipeline()
	pipe.HIncrBy(ctx, healthKey(campaignID), fmt.Sprintf("domain:%s:%s", emailDomain, field), 1)
	pipe.HSet(ctx, healthKey(campaignID), fmt.Sprintf("domain:%s:lastUpdated", emailDomain),
		time.Now().UTC().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

// Health returns the raw health hash for a campaign.
func (c *Cache) Health(ctx context.Context, campaignID string) (map[string]string, error) {
	return c.redis.HGetAll(ctx, healthKey(campaignID)).Result()
}
