// Package bus is the engine's pub/sub fabric. Live updates flow over Redis
// channels; the campaign lifecycle channel additionally lands in a capped
// Redis list so a restarted subscriber can replay recent history.
//
// Publishing is fire-and-forget: the ledger is the source of truth and
// subscribers are expected to tolerate a missed message by polling or
// finalizing (the reconciler repairs any drift).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ChannelCampaigns carries campaign-lifecycle notices.
	ChannelCampaigns = "campaign:new"

	// campaignLogKey is the durable replay list for ChannelCampaigns.
	campaignLogKey = "campaign:new:log"
	campaignLogCap = 1000
)

// ContactUpdateChannel returns the per-campaign recipient update channel.
func ContactUpdateChannel(campaignID string) string {
	return fmt.Sprintf("campaign:%s:contact_update", campaignID)
}

// EventsChannel returns the generic per-campaign notification channel.
func EventsChannel(campaignID string) string {
	return fmt.Sprintf("campaign:%s:events", campaignID)
}

// CampaignNotice is the payload published on ChannelCampaigns.
type CampaignNotice struct {
	ID     string            `json:"id"`
	Status string            `json:"status,omitempty"`
	Totals *TotalsPayload    `json:"totals,omitempty"`
	Health map[string]string `json:"health,omitempty"`
}

// TotalsPayload mirrors domain.Totals for the wire.
type TotalsPayload struct {
	Intended  int `json:"intended"`
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// ContactUpdate is the payload published on a campaign's contact_update
// channel. Optional fields are pointers so that "unchanged" and "zero" are
// distinguishable to consumers.
type ContactUpdate struct {
	CampaignID    string     `json:"campaignId"`
	ContactID     string     `json:"contactId"`
	Status        string     `json:"status,omitempty"`
	Attempts      *int       `json:"attempts,omitempty"`
	BgAttempts    *int       `json:"bgAttempts,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	Event         string     `json:"event,omitempty"`
	OpenedAt      *time.Time `json:"openedAt,omitempty"`
	LastOpenAt    *time.Time `json:"lastOpenAt,omitempty"`
	LastClickAt   *time.Time `json:"lastClickAt,omitempty"`
	RepliesCount  *int       `json:"repliesCount,omitempty"`
	LastReplyAt   *time.Time `json:"lastReplyAt,omitempty"`
}

// Message is one decoded pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Bus publishes and subscribes to the engine's Redis channels.
type Bus struct {
	redis *redis.Client
}

// New creates a Bus on an existing Redis client.
func New(client *redis.Client) *Bus {
	return &Bus{redis: client}
}

// PublishCampaign publishes a campaign-lifecycle notice and appends it to
// the durable replay list.
func (b *Bus) PublishCampaign(ctx context.Context, n CampaignNotice) {
	body, err := json.Marshal(n)
	if err != nil {
		log.Printf("[Bus] marshal campaign notice: %v", err)
		return
	}

	pipe := b.redis.Pipeline()
	pipe.Publish(ctx, ChannelCampaigns, body)
	pipe.LPush(ctx, campaignLogKey, body)
	pipe.LTrim(ctx, campaignLogKey, 0, campaignLogCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Bus] publish %s: %v", ChannelCampaigns, err)
	}
}

// PublishContactUpdate publishes a per-recipient update.
func (b *Bus) PublishContactUpdate(ctx context.Context, u ContactUpdate) {
	b.publish(ctx, ContactUpdateChannel(u.CampaignID), u)
}

// PublishEvent publishes a generic per-campaign notification.
func (b *Bus) PublishEvent(ctx context.Context, campaignID string, payload any) {
	b.publish(ctx, EventsChannel(campaignID), payload)
}

func (b *Bus) publish(ctx context.Context, channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Bus] marshal for %s: %v", channel, err)
		return
	}
	if err := b.redis.Publish(ctx, channel, body).Err(); err != nil {
		log.Printf("[Bus] publish %s: %v", channel, err)
	}
}

// RecentCampaignNotices returns up to n entries from the durable campaign
// stream, newest first.
func (b *Bus) RecentCampaignNotices(ctx context.Context, n int) ([]CampaignNotice, error) {
	raw, err := b.redis.LRange(ctx, campaignLogKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	notices := make([]CampaignNotice, 0, len(raw))
	for _, item := range raw {
		var notice CampaignNotice
		if err := json.Unmarshal([]byte(item), &notice); err != nil {
			continue
		}
		notices = append(notices, notice)
	}
	return notices, nil
}

// Subscribe subscribes to channels (patterns allowed with "*") and streams
// deliveries until ctx is cancelled. The returned channel is closed on
// cancellation.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan Message {
	out := make(chan Message, 64)

	hasPattern := false
	for _, ch := range channels {
		if containsPattern(ch) {
			hasPattern = true
			break
		}
	}

	var sub *redis.PubSub
	if hasPattern {
		sub = b.redis.PSubscribe(ctx, channels...)
	} else {
		sub = b.redis.Subscribe(ctx, channels...)
	}

	go func() {
		defer close(out)
		defer sub.Close()

		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func containsPattern(s string) bool {
	for _, r := range s {
		if r == '*' || r == '?' || r == '[' {
			return true
		}
	}
	return false
}
