package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pulsemail/relay/internal/config"
)

func setupGovernor(t *testing.T, rates config.RatesConfig) (*Governor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, rates), mr
}

func testRates() config.RatesConfig {
	return config.RatesConfig{
		DomainMax:         3,
		DomainWindowSec:   60,
		GlobalMax:         10,
		GlobalWindowSec:   60,
		WarmupFactor:      1.0,
		FailureWarnRate:   0.05,
		FailureStrictRate: 0.15,
		DomainBlockTTLSec: 300,
		GlobalBlockTTLSec: 120,
	}
}

func TestBlockKeyLayout(t *testing.T) {
	g, mr := setupGovernor(t, testRates())
	ctx := context.Background()

	if _, err := g.SetDomainBlock(ctx, "example.com", 1); err != nil {
		t.Fatalf("set domain block: %v", err)
	}
	if _, err := g.SetGlobalBlock(ctx, 1); err != nil {
		t.Fatalf("set global block: %v", err)
	}

	if !mr.Exists("throttle:domain:example.com") {
		t.Fatal("domain block not under throttle:domain:{d}")
	}
	if !mr.Exists("throttle:global") {
		t.Fatal("global block not under throttle:global")
	}
}

func TestReserveDomainCapacity(t *testing.T) {
	g, _ := setupGovernor(t, testRates())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Reserve(ctx, "example.com"); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	err := g.Reserve(ctx, "example.com")
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Reason != ReasonDomainCapacity {
		t.Fatalf("expected %s, got %s", ReasonDomainCapacity, denied.Reason)
	}
	if denied.Global() {
		t.Fatal("domain capacity denial must not be global")
	}

	// Another domain still has headroom
	if err := g.Reserve(ctx, "other.com"); err != nil {
		t.Fatalf("other domain should be admitted: %v", err)
	}
}

func TestReserveGlobalCapacity(t *testing.T) {
	rates := testRates()
	rates.DomainMax = 100
	rates.GlobalMax = 2
	g, _ := setupGovernor(t, rates)
	ctx := context.Background()

	if err := g.Reserve(ctx, "a.com"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := g.Reserve(ctx, "b.com"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	err := g.Reserve(ctx, "c.com")
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Reason != ReasonGlobalCapacity {
		t.Fatalf("expected %s, got %s", ReasonGlobalCapacity, denied.Reason)
	}
	if !denied.Global() {
		t.Fatal("global capacity denial must report Global()")
	}
}

func TestReserveWindowSlides(t *testing.T) {
	g, mr := setupGovernor(t, testRates())
	ctx := context.Background()

	// Backdate three reservations past the window edge; the next reserve
	// must prune them and admit.
	old := float64(time.Now().Add(-2 * time.Minute).UnixMilli())
	for i, member := range []string{"a", "b", "c"} {
		mr.ZAdd("rate:domain:example.com", old+float64(i), member)
		mr.ZAdd("rate:global", old+float64(i), member)
	}

	if err := g.Reserve(ctx, "example.com"); err != nil {
		t.Fatalf("reserve after window slide: %v", err)
	}
}

func TestDomainBlockDenies(t *testing.T) {
	g, _ := setupGovernor(t, testRates())
	ctx := context.Background()

	ttl, err := g.SetDomainBlock(ctx, "example.com", 1)
	if err != nil {
		t.Fatalf("set block: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected positive TTL, got %v", ttl)
	}

	err = g.Reserve(ctx, "example.com")
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != ReasonDomainBlocked {
		t.Fatalf("expected domain-blocked, got %v", err)
	}

	// Unrelated domain unaffected
	if err := g.Reserve(ctx, "other.com"); err != nil {
		t.Fatalf("other domain should pass: %v", err)
	}
}

func TestGlobalBlockDeniesEverything(t *testing.T) {
	g, _ := setupGovernor(t, testRates())
	ctx := context.Background()

	if _, err := g.SetGlobalBlock(ctx, 1); err != nil {
		t.Fatalf("set global block: %v", err)
	}

	err := g.Reserve(ctx, "anything.com")
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != ReasonGlobalBlocked {
		t.Fatalf("expected global-blocked, got %v", err)
	}
}

func TestBlockExpires(t *testing.T) {
	g, mr := setupGovernor(t, testRates())
	ctx := context.Background()

	ttl, err := g.SetDomainBlock(ctx, "example.com", 0)
	if err != nil {
		t.Fatalf("set block: %v", err)
	}

	mr.FastForward(ttl + time.Second)

	if err := g.Reserve(ctx, "example.com"); err != nil {
		t.Fatalf("reserve after block expiry: %v", err)
	}
}

func TestBlockTTLScaling(t *testing.T) {
	base := 5 * time.Minute

	// attempt 1, clean domain: base * 1.5
	if got := blockTTL(base, 1, 0); got != time.Duration(1.5*float64(base)) {
		t.Fatalf("attempt 1: got %v", got)
	}
	// deeper attempts and failure pressure stretch the TTL
	if blockTTL(base, 2, 0.5) <= blockTTL(base, 1, 0) {
		t.Fatal("TTL should grow with attempt and fail rate")
	}
	// capped at an hour
	if got := blockTTL(base, 100, 1.0); got != time.Hour {
		t.Fatalf("expected 1h cap, got %v", got)
	}
}

func TestFailRateAndDynamicCapacity(t *testing.T) {
	g, _ := setupGovernor(t, testRates())
	ctx := context.Background()

	// 2 failures out of 10 -> 20% fail rate, past strict threshold
	for i := 0; i < 8; i++ {
		if err := g.RecordOutcome(ctx, "shaky.com", true); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := g.RecordOutcome(ctx, "shaky.com", false); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	rate, err := g.FailRate(ctx, "shaky.com")
	if err != nil {
		t.Fatalf("fail rate: %v", err)
	}
	if rate != 0.2 {
		t.Fatalf("expected 0.2, got %f", rate)
	}

	// DomainMax 3 at strict pressure -> floor(3*0.2)=0, clamped to 1
	if err := g.Reserve(ctx, "shaky.com"); err != nil {
		t.Fatalf("first reserve should pass: %v", err)
	}
	err = g.Reserve(ctx, "shaky.com")
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != ReasonDomainCapacity {
		t.Fatalf("expected capacity denial under pressure, got %v", err)
	}
}

func TestEffectiveLimitTiers(t *testing.T) {
	g, _ := setupGovernor(t, testRates())

	if got := g.effectiveLimit(100, 0.0); got != 100 {
		t.Fatalf("healthy: got %d", got)
	}
	if got := g.effectiveLimit(100, 0.06); got != 50 {
		t.Fatalf("warn tier: got %d", got)
	}
	if got := g.effectiveLimit(100, 0.2); got != 20 {
		t.Fatalf("strict tier: got %d", got)
	}
	if got := g.effectiveLimit(2, 0.99); got != 1 {
		t.Fatalf("clamp: got %d", got)
	}
}

func TestBlockState(t *testing.T) {
	g, _ := setupGovernor(t, testRates())
	ctx := context.Background()

	dTTL, gTTL, err := g.BlockState(ctx, "example.com")
	if err != nil {
		t.Fatalf("block state: %v", err)
	}
	if dTTL != 0 || gTTL != 0 {
		t.Fatalf("expected no blocks, got %v %v", dTTL, gTTL)
	}

	if _, err := g.SetDomainBlock(ctx, "example.com", 1); err != nil {
		t.Fatalf("set block: %v", err)
	}
	dTTL, _, err = g.BlockState(ctx, "example.com")
	if err != nil {
		t.Fatalf("block state: %v", err)
	}
	if dTTL <= 0 {
		t.Fatalf("expected positive domain TTL, got %v", dTTL)
	}
}
