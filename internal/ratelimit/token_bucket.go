package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket shared by every process that uses the same scope.
type TokenBucket struct {
	client   *redis.Client
	scope    string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket family named scope, e.g. "submit" or "analyze".
func NewTokenBucket(client *redis.Client, scope string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		scope:    scope,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (b *TokenBucket) key(id string) string {
	return fmt.Sprintf("ratelimit:%s:%s", b.scope, id)
}

// Allow consumes one token from the bucket of id (usually an organization) if available.
// It returns the allowed flag and the tokens left.
func (b *TokenBucket) Allow(ctx context.Context, id string) (bool, float64, error) {
	if b == nil || b.capacity <= 0 {
		return true, 0, nil
	}
	res, err := bucketScript.Run(ctx, b.client, []string{b.key(id)},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", id, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", id, res)
	}
	allowed, _ := res[0].(int64)
	var tokens float64
	switch v := res[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Tokens are returned as a string; Lua numbers would be truncated to integers.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens)}
`)
