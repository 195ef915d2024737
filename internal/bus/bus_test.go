package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestChannelNames(t *testing.T) {
	if got := ContactUpdateChannel("abc"); got != "campaign:abc:contact_update" {
		t.Errorf("ContactUpdateChannel = %q", got)
	}
	if got := EventsChannel("abc"); got != "campaign:abc:events" {
		t.Errorf("EventsChannel = %q", got)
	}
}

func TestPublishCampaignAppendsToReplayLog(t *testing.T) {
	b, _ := setupBus(t)
	ctx := context.Background()

	b.PublishCampaign(ctx, CampaignNotice{ID: "one", Status: "running"})
	b.PublishCampaign(ctx, CampaignNotice{
		ID:     "two",
		Status: "completed",
		Totals: &TotalsPayload{Intended: 5, Processed: 5, Sent: 5},
	})

	notices, err := b.RecentCampaignNotices(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(notices) != 2 {
		t.Fatalf("got %d notices, want 2", len(notices))
	}
	// Newest first.
	if notices[0].ID != "two" || notices[1].ID != "one" {
		t.Errorf("order = %s, %s", notices[0].ID, notices[1].ID)
	}
	if notices[0].Totals == nil || notices[0].Totals.Sent != 5 {
		t.Errorf("totals not round-tripped: %+v", notices[0].Totals)
	}
}

func TestReplayLogSkipsCorruptEntries(t *testing.T) {
	b, mr := setupBus(t)
	ctx := context.Background()

	b.PublishCampaign(ctx, CampaignNotice{ID: "good"})
	mr.Lpush(campaignLogKey, "{not json")

	notices, err := b.RecentCampaignNotices(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(notices) != 1 || notices[0].ID != "good" {
		t.Fatalf("got %+v, want just the good entry", notices)
	}
}

func TestReplayLogCapped(t *testing.T) {
	b, mr := setupBus(t)
	ctx := context.Background()

	for i := 0; i < campaignLogCap+25; i++ {
		b.PublishCampaign(ctx, CampaignNotice{ID: fmt.Sprintf("c%d", i)})
	}

	items, err := mr.List(campaignLogKey)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != campaignLogCap {
		t.Errorf("log length = %d, want %d", len(items), campaignLogCap)
	}
}

func TestSubscribeReceivesContactUpdates(t *testing.T) {
	b, _ := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := b.Subscribe(ctx, ContactUpdateChannel("camp-1"))
	// Give the subscriber a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	attempts := 1
	b.PublishContactUpdate(ctx, ContactUpdate{
		CampaignID: "camp-1",
		ContactID:  "ct-1",
		Status:     "sent",
		Attempts:   &attempts,
	})

	select {
	case msg := <-msgs:
		if msg.Channel != "campaign:camp-1:contact_update" {
			t.Errorf("channel = %q", msg.Channel)
		}
		var u ContactUpdate
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if u.ContactID != "ct-1" || u.Status != "sent" {
			t.Errorf("payload = %+v", u)
		}
		if u.Attempts == nil || *u.Attempts != 1 {
			t.Errorf("attempts pointer not preserved: %+v", u.Attempts)
		}
		if u.BgAttempts != nil {
			t.Error("unset optional field should stay nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for contact update")
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	b, _ := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	msgs := b.Subscribe(ctx, ChannelCampaigns)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case _, ok := <-msgs:
		if ok {
			// A buffered delivery may race the cancel; drain to the close.
			for range msgs {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
