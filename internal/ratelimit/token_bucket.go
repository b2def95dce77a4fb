package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"generation-orchestrator/internal/config"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token is available. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// TokenBucket is a distributed token bucket shared by every API replica.
// Buckets live in Redis hashes under prefix+key.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket builds a limiter from cfg. A non-positive capacity disables
// limiting.
func NewTokenBucket(client *redis.Client, prefix string, cfg config.RateLimitConfig) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: cfg.Capacity,
		refill:   cfg.Refill,
		ttl:      cfg.TTL,
	}
}

// Allow consumes one token from the bucket for key.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	if b == nil || b.capacity <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	d := Decision{Allowed: allowed == 1, Remaining: number(res[1])}
	if !d.Allowed {
		d.RetryAfter = b.retryAfter(d.Remaining)
	}
	return d, nil
}

func (b *TokenBucket) retryAfter(tokens float64) time.Duration {
	if b.refill <= 0 {
		return b.ttl
	}
	missing := math.Max(0, 1-tokens)
	return time.Duration(math.Ceil(missing/b.refill*1000)) * time.Millisecond
}

// number reads a Lua reply value. Lua numbers are truncated to integers on
// the way out, so the script returns the token count as a string.
func number(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		var f float64
		if _, err := fmt.Sscan(n, &f); err == nil {
			return f
		}
	}
	return 0
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
