// Package governor enforces the per-domain and global send-rate ceilings.
//
// Admission is a sliding window over Redis sorted sets, reserved atomically
// by a Lua script so concurrent workers cannot oversubscribe a window. A
// reservation is consumed whether the subsequent send succeeds or not; the
// governor meters attempts against the provider, not outcomes.
package governor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsemail/relay/internal/config"
)

// Denial reasons, in the order the reserve script checks them.
const (
	ReasonGlobalBlocked  = "global-blocked"
	ReasonDomainBlocked  = "domain-blocked"
	ReasonGlobalCapacity = "global-capacity"
	ReasonDomainCapacity = "domain-capacity"
)

// DeniedError is returned by Reserve when admission is refused. It is a
// scheduling signal, not a failure: callers reschedule the job without
// consuming an attempt.
type DeniedError struct {
	Reason string
	Domain string
}

func (e *DeniedError) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("send denied (%s) for %s", e.Reason, e.Domain)
	}
	return fmt.Sprintf("send denied (%s)", e.Reason)
}

// Global reports whether the denial applies to all domains.
func (e *DeniedError) Global() bool {
	return e.Reason == ReasonGlobalBlocked || e.Reason == ReasonGlobalCapacity
}

// reserveScript checks blocks and both windows, and records the reservation
// in a single round trip. Returns "ok" or a denial reason.
var reserveScript = redis.NewScript(`
local domainZ, globalZ, domainBlock, globalBlock = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now = tonumber(ARGV[1])
local domainWin = tonumber(ARGV[2])
local domainMax = tonumber(ARGV[3])
local globalWin = tonumber(ARGV[4])
local globalMax = tonumber(ARGV[5])
local member = ARGV[6]

if redis.call('EXISTS', globalBlock) == 1 then
	return 'global-blocked'
end
if redis.call('EXISTS', domainBlock) == 1 then
	return 'domain-blocked'
end

redis.call('ZREMRANGEBYSCORE', globalZ, 0, now - globalWin)
if redis.call('ZCARD', globalZ) >= globalMax then
	return 'global-capacity'
end

redis.call('ZREMRANGEBYSCORE', domainZ, 0, now - domainWin)
if redis.call('ZCARD', domainZ) >= domainMax then
	return 'domain-capacity'
end

redis.call('ZADD', domainZ, now, member)
redis.call('PEXPIRE', domainZ, domainWin)
redis.call('ZADD', globalZ, now, member)
redis.call('PEXPIRE', globalZ, globalWin)
return 'ok'
`)

// Governor is the Redis-backed rate admission controller.
type Governor struct {
	redis *redis.Client
	rates config.RatesConfig
}

// New creates a Governor with the configured windows and ceilings.
func New(client *redis.Client, rates config.RatesConfig) *Governor {
	return &Governor{redis: client, rates: rates}
}

func domainRateKey(d string) string  { return fmt.Sprintf("rate:domain:%s", d) }
func domainBlockKey(d string) string { return fmt.Sprintf("throttle:domain:%s", d) }
func domainStatsKey(d string) string { return fmt.Sprintf("stats:domain:%s", d) }

const (
	globalRateKey  = "rate:global"
	globalBlockKey = "throttle:global"
)

// Reserve admits one send for emailDomain or returns *DeniedError. The
// effective per-domain ceiling shrinks under failure pressure: the recent
// fail rate scales capacity to 50% past the warn threshold and 20% past the
// strict threshold, on top of the operator warmup factor.
func (g *Governor) Reserve(ctx context.Context, emailDomain string) error {
	failRate, err := g.FailRate(ctx, emailDomain)
	if err != nil {
		// Advisory stats; admit on the raw ceiling if they are unreadable
		failRate = 0
	}

	domainMax := g.effectiveLimit(g.rates.DomainMax, failRate)
	globalMax := g.effectiveLimit(g.rates.GlobalMax, 0)

	now := time.Now().UnixMilli()
	res, err := reserveScript.Run(ctx, g.redis,
		[]string{domainRateKey(emailDomain), globalRateKey, domainBlockKey(emailDomain), globalBlockKey},
		now,
		g.rates.DomainWindow().Milliseconds(), domainMax,
		g.rates.GlobalWindow().Milliseconds(), globalMax,
		fmt.Sprintf("%d-%s", now, uuid.New().String()[:8]),
	).Text()
	if err != nil {
		return fmt.Errorf("rate reserve: %w", err)
	}
	if res != "ok" {
		d := emailDomain
		if res == ReasonGlobalBlocked || res == ReasonGlobalCapacity {
			d = ""
		}
		return &DeniedError{Reason: res, Domain: d}
	}
	return nil
}

// effectiveLimit applies the warmup factor and the failure-pressure factor.
// Never below 1 so a domain can always probe its way back to health.
func (g *Governor) effectiveLimit(base int, failRate float64) int {
	factor := 1.0
	switch {
	case failRate >= g.rates.FailureStrictRate:
		factor = 0.2
	case failRate >= g.rates.FailureWarnRate:
		factor = 0.5
	}
	n := int(math.Floor(float64(base) * g.rates.WarmupFactor * factor))
	if n < 1 {
		n = 1
	}
	return n
}

// RecordOutcome feeds the per-domain health stats that drive dynamic
// capacity. Counters roll over daily via TTL rather than explicit resets.
func (g *Governor) RecordOutcome(ctx context.Context, emailDomain string, success bool) error {
	field := "failed"
	if success {
		field = "sent"
	}
	pipe := g.redis.Pipeline()
	pipe.HIncrBy(ctx, domainStatsKey(emailDomain), field, 1)
	pipe.Expire(ctx, domainStatsKey(emailDomain), 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// FailRate returns failed/(sent+failed) for the domain's rolling stats.
// Zero when no outcomes are recorded.
func (g *Governor) FailRate(ctx context.Context, emailDomain string) (float64, error) {
	vals, err := g.redis.HGetAll(ctx, domainStatsKey(emailDomain)).Result()
	if err != nil {
		return 0, err
	}
	sent, _ := strconv.ParseFloat(vals["sent"], 64)
	failed, _ := strconv.ParseFloat(vals["failed"], 64)
	if sent+failed == 0 {
		return 0, nil
	}
	return failed / (sent + failed), nil
}

// SetDomainBlock pauses one domain after a provider throttle rejection. The
// TTL stretches with the retry depth and the domain's recent fail rate, and
// is capped at an hour so a flapping provider cannot park a domain forever.
func (g *Governor) SetDomainBlock(ctx context.Context, emailDomain string, nextAttempt int) (time.Duration, error) {
	failRate, _ := g.FailRate(ctx, emailDomain)
	ttl := blockTTL(g.rates.DomainBlockTTL(), nextAttempt, failRate)
	if err := g.redis.Set(ctx, domainBlockKey(emailDomain), "1", ttl).Err(); err != nil {
		return 0, err
	}
	return ttl, nil
}

// SetGlobalBlock pauses all sending after a provider-wide throttle signal.
func (g *Governor) SetGlobalBlock(ctx context.Context, nextAttempt int) (time.Duration, error) {
	ttl := blockTTL(g.rates.GlobalBlockTTL(), nextAttempt, 0)
	if err := g.redis.Set(ctx, globalBlockKey, "1", ttl).Err(); err != nil {
		return 0, err
	}
	return ttl, nil
}

func blockTTL(base time.Duration, nextAttempt int, failRate float64) time.Duration {
	ttl := time.Duration(float64(base) * (1 + 0.5*float64(nextAttempt) + 4*failRate))
	if ttl > time.Hour {
		ttl = time.Hour
	}
	return ttl
}

// BlockState reports whether the domain or the global gate is blocked and
// the remaining TTLs. Used by the ops endpoints.
func (g *Governor) BlockState(ctx context.Context, emailDomain string) (domainTTL, globalTTL time.Duration, err error) {
	pipe := g.redis.Pipeline()
	dCmd := pipe.PTTL(ctx, domainBlockKey(emailDomain))
	gCmd := pipe.PTTL(ctx, globalBlockKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	if d := dCmd.Val(); d > 0 {
		domainTTL = d
	}
	if gl := gCmd.Val(); gl > 0 {
		globalTTL = gl
	}
	return domainTTL, globalTTL, nil
}
