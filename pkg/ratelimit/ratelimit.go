// Package ratelimit enforces the authority-scoped token bucket described by
// spec.md §4.9: one bucket per (authorityId, authorityType, action), never
// per incident — CP-7's optimistic-concurrency version counter is what
// handles write contention on a single incident, not a rate limiter.
// Grounded on the teacher's Redis Lua token-bucket script for the production
// path and its per-IP `golang.org/x/time/rate` visitor map for the in-memory
// fallback. Refill uses the wall clock deliberately: spec.md §9 carves rate
// limiting out of the replay-determinism guarantee explicitly, so this is
// the one place in the core allowed to call time.Now directly.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Key identifies one bucket.
type Key struct {
	AuthorityID   string
	AuthorityType string
	Action        string
}

func (k Key) string() string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", k.AuthorityType, k.AuthorityID, k.Action)
}

// Policy configures one bucket's refill rate and burst capacity.
type Policy struct {
	RequestsPerMinute int
	Burst             int
}

// Limiter is satisfied by both the Redis-backed and in-memory
// implementations.
type Limiter interface {
	Allow(ctx context.Context, key Key, policy Policy) (bool, error)
}

var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is the production-path bucket store: atomic refill-and-
// consume via a Lua script so concurrent requests against the same
// authority never race past each other.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key Key, policy Policy) (bool, error) {
	ratePerSecond := float64(policy.RequestsPerMinute) / 60.0
	if ratePerSecond <= 0 {
		ratePerSecond = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key.string()}, ratePerSecond, policy.Burst, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	return allowed == 1, nil
}

// InMemoryLimiter is the dev-path fallback: one golang.org/x/time/rate
// limiter per bucket key, lazily created. Not shared across process
// instances — use RedisLimiter for any multi-instance deployment.
type InMemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{limiters: map[string]*rate.Limiter{}}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key Key, policy Policy) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key.string()
	lim, ok := l.limiters[k]
	if !ok {
		rps := float64(policy.RequestsPerMinute) / 60.0
		lim = rate.NewLimiter(rate.Limit(rps), policy.Burst)
		l.limiters[k] = lim
	}
	return lim.Allow(), nil
}
