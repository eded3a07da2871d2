// Package ratelimit throttles outbound provider API calls with Redis-backed
// fixed windows. The check-and-increment runs in a Lua script so concurrent
// workers cannot race past a limit between reading and incrementing.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limits caps calls to one provider per second and per minute.
type Limits struct {
	PerSecond int
	PerMinute int
}

// defaultLimits reflect production-tier plans for the built-in providers.
var defaultLimits = map[string]Limits{
	"sparkpost": {PerSecond: 100, PerMinute: 5000},
	"ses":       {PerSecond: 500, PerMinute: 30000},
	"mailgun":   {PerSecond: 50, PerMinute: 3000},
}

// unknownProviderLimits apply to providers without an entry.
var unknownProviderLimits = Limits{PerSecond: 50, PerMinute: 3000}

// Both window counters are checked before either is incremented, so a denial
// consumes nothing.
const acquireScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")

if secCurrent + increment > secondLimit then
    return {0, 1}
end
if minCurrent + increment > minuteLimit then
    return {0, 2}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, 2)
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, 120)
end

return {1, 0}
`

// Limiter reserves send slots per provider across all worker processes
// sharing the Redis instance.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	limits map[string]Limits

	now func() time.Time
}

// New creates a limiter. Entries in overrides replace the built-in limits for
// their provider; overrides may be nil.
func New(rdb *redis.Client, overrides map[string]Limits) *Limiter {
	limits := make(map[string]Limits, len(defaultLimits)+len(overrides))
	for name, l := range defaultLimits {
		limits[name] = l
	}
	for name, l := range overrides {
		limits[name] = l
	}
	return &Limiter{
		redis:  rdb,
		script: redis.NewScript(acquireScript),
		limits: limits,
		now:    time.Now,
	}
}

func (l *Limiter) limitsFor(provider string) Limits {
	if lim, ok := l.limits[provider]; ok {
		return lim
	}
	return unknownProviderLimits
}

// Acquire atomically reserves n slots for the provider. When denied, wait is
// how long the caller should back off before trying again; nothing was
// consumed.
func (l *Limiter) Acquire(ctx context.Context, provider string, n int) (allowed bool, wait time.Duration, err error) {
	limits := l.limitsFor(provider)
	// A reservation larger than the whole window could never be granted;
	// clamp so oversized batches consume a full window instead.
	if n > limits.PerSecond {
		n = limits.PerSecond
	}
	now := l.now()

	secondKey := fmt.Sprintf("ratelimit:%s:sec:%d", provider, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:%s:min:%d", provider, now.Unix()/60)

	result, err := l.script.Run(ctx, l.redis,
		[]string{secondKey, minuteKey},
		n, limits.PerSecond, limits.PerMinute,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	switch result[1].(int64) {
	case 1:
		wait = time.Second
	case 2:
		wait = time.Duration(60-now.Second()) * time.Second
	}
	return false, wait, nil
}

// Wait blocks until n slots are available for the provider, or ctx ends.
func (l *Limiter) Wait(ctx context.Context, provider string, n int) error {
	for {
		allowed, wait, err := l.Acquire(ctx, provider, n)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
