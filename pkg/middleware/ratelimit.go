package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// RatePolicy bounds how often one origin may invoke.
type RatePolicy struct {
	RPM   int `yaml:"rpm" json:"rpm" toml:"rpm"`
	Burst int `yaml:"burst" json:"burst" toml:"burst"`
}

func (p RatePolicy) perSecond() float64 {
	if p.RPM <= 0 {
		return 1
	}
	return float64(p.RPM) / 60.0
}

func (p RatePolicy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// LimiterStore keeps token buckets keyed by origin.
type LimiterStore interface {
	Allow(ctx context.Context, key string, policy RatePolicy, cost int) (bool, error)
}

// MemoryLimiterStore keeps buckets in process.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryLimiterStore creates an empty store.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, key string, policy RatePolicy, cost int) (bool, error) {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (seconds, microsecond precision)
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
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tostring(tokens)}
`)

// RedisLimiterStore shares buckets between hosts through Redis.
type RedisLimiterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiterStore wraps an existing client.
func NewRedisLimiterStore(client *redis.Client) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, prefix: "wascc:limiter:"}
}

// NewRedisLimiterStoreFromURL connects to a redis:// URL.
func NewRedisLimiterStoreFromURL(url string) (*RedisLimiterStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLimiterStore(redis.NewClient(opts)), nil
}

// Ping checks connectivity.
func (s *RedisLimiterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisLimiterStore) Close() error {
	return s.client.Close()
}

func (s *RedisLimiterStore) Allow(ctx context.Context, key string, policy RatePolicy, cost int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		policy.perSecond(), policy.burst(), cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// RateLimit halts invocations from origins that exceed their policy.
type RateLimit struct {
	store  LimiterStore
	policy RatePolicy
}

// NewRateLimit creates the rate limiting middleware.
func NewRateLimit(store LimiterStore, policy RatePolicy) *RateLimit {
	return &RateLimit{store: store, policy: policy}
}

func (r *RateLimit) Name() string { return "ratelimit" }

func (r *RateLimit) PreInvoke(ctx context.Context, inv *contracts.Invocation) (PreResult, error) {
	allowed, err := r.store.Allow(ctx, inv.Origin.Key(), r.policy, 1)
	if err != nil {
		return PreResult{}, err
	}
	if !allowed {
		return Halt(contracts.NewErrorResponse(inv, contracts.KindUnauthorized, "rate limit exceeded")), nil
	}
	return Continue(), nil
}

func (r *RateLimit) PostInvoke(_ context.Context, _ *contracts.Invocation, resp *contracts.InvocationResponse) (*contracts.InvocationResponse, error) {
	return resp, nil
}
