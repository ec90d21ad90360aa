// Package ratelimit bounds the request rate for backpressure: a
// Redis-backed token bucket shared across replicas, with an in-memory
// fallback for single-instance deployments. It limits rate, not the
// number of concurrent in-flight requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy bounds a single actor's request rate.
type Policy struct {
	RPM   int
	Burst int
}

// LimiterStore abstracts the backing store for token-bucket rate limiting.
type LimiterStore interface {
	// Allow reports whether actorID may spend cost tokens against policy
	// right now.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// EvaluateBackpressure fails closed: a nil or errored store rejects the
// request rather than letting it through unbounded.
func EvaluateBackpressure(ctx context.Context, store LimiterStore, actorID string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("ratelimit: no limiter store configured")
	}
	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("ratelimit: backpressure check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("ratelimit: rate limit exceeded for %s", actorID)
	}
	return nil
}

// TokenBucket is a thread-safe, single-process token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket builds a bucket that refills at ratePerSec up to capacity.
func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

// Allow refills the bucket for elapsed time, then consumes cost tokens if
// enough are available.
func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// InMemoryLimiterStore keeps one TokenBucket per actor; used when no
// Redis instance is configured, or in single-replica deployments where
// cross-instance sharing doesn't matter.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewInMemoryLimiterStore constructs an empty, lazily-populated store.
func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*TokenBucket)}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, exists := s.buckets[actorID]
	if !exists {
		rate := float64(policy.RPM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		tb = NewTokenBucket(rate, burst)
		s.buckets[actorID] = tb
	}

	return tb.Allow(cost), nil
}

// redisTokenBucketScript runs the refill-then-consume algorithm atomically
// in Redis so concurrent callers across replicas never oversubscribe the
// bucket.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
	tokens = capacity
	last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
	tokens = tokens + elapsed * rate
	if tokens > capacity then
		tokens = capacity
	end
	last_refill = now
end

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore implements LimiterStore against a shared Redis
// instance, so a bucket is consistent across every gateway replica.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore dials a Redis client for the given address.
func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiterStore{client: rdb}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	key := fmt.Sprintf("sealgate:ratelimit:%s", actorID)

	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, rate, burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script response shape")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
