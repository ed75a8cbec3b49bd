// Package ratelimit throttles callers of the gateway.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether a request from key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NoopLimiter allows every request.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(context.Context, string) (bool, error) {
	return true, nil
}

const (
	defaultMaxClients = 10000
	defaultIdleTTL    = 10 * time.Minute
)

// ClientLimiter keeps a token bucket per client in process memory. Buckets
// of clients idle for longer than the TTL are evicted.
type ClientLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewClientLimiter allows rps requests per second per client with bursts
// of up to burst.
func NewClientLimiter(rps float64, burst int) *ClientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](defaultMaxClients, nil, defaultIdleTTL),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ClientLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-adding refreshes the idle TTL.
	l.buckets.Add(key, bucket)
	l.mu.Unlock()

	return bucket.Allow(), nil
}

// Clients returns how many clients currently hold a bucket.
func (l *ClientLimiter) Clients() int {
	return l.buckets.Len()
}

// RedisLimiter applies one limit per client across every gateway replica
// sharing the Redis instance.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisLimiter allows rps requests per second per client with bursts of
// up to burst.
func NewRedisLimiter(client *redis.Client, rps float64, burst int) *RedisLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redisLimit(rps, burst),
		prefix:  "keygate:ratelimit:",
	}
}

// redisLimit converts rps to a whole-number rate. Fractional rates are
// expressed per minute.
func redisLimit(rps float64, burst int) redis_rate.Limit {
	if rps >= 1 && rps == math.Trunc(rps) {
		return redis_rate.Limit{Rate: int(rps), Burst: burst, Period: time.Second}
	}
	return redis_rate.Limit{Rate: max(1, int(math.Round(rps*60))), Burst: burst, Period: time.Minute}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := l.limiter.Allow(ctx, l.prefix+key, l.limit)
	if err != nil {
		return false, err
	}
	return res.Allowed > 0, nil
}

// Reset clears the state kept for key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.limiter.Reset(ctx, l.prefix+key)
}
