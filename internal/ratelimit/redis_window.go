package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps each identity's admissions in a sorted set scored by
// millisecond timestamps, so several dispatcher processes sharing an identity
// share one window.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisBackend constructs a backend storing windows under prefix.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "throttle:"
	}
	return &RedisBackend{client: client, prefix: prefix, now: time.Now}
}

func (b *RedisBackend) key(identity string) string {
	return b.prefix + identity
}

// Reserve implements Backend.
func (b *RedisBackend) Reserve(ctx context.Context, identity string, limit int, window time.Duration) (Reservation, error) {
	now := b.now()
	res, err := reserveScript.Run(ctx, b.client, []string{b.key(identity)},
		limit, window.Milliseconds(), now.UnixMilli(), uuid.NewString()).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("throttle reserve: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Reservation{}, fmt.Errorf("throttle reserve: unexpected reply %T", res)
	}
	admitted, _ := arr[0].(int64)
	wait, _ := arr[1].(int64)
	if admitted == 1 {
		return Reservation{OK: true, At: time.UnixMilli(now.UnixMilli())}, nil
	}
	return Reservation{Wait: time.Duration(wait) * time.Millisecond}, nil
}

// Occupancy implements Backend.
func (b *RedisBackend) Occupancy(ctx context.Context, identity string, window time.Duration) (int, time.Time, error) {
	key := b.key(identity)
	lower := fmt.Sprintf("(%d", b.now().Add(-window).UnixMilli())
	entries, err := b.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: lower,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("throttle occupancy: %w", err)
	}
	if len(entries) == 0 {
		return 0, time.Time{}, nil
	}
	return len(entries), time.UnixMilli(int64(entries[0].Score)), nil
}

// Forget implements Backend.
func (b *RedisBackend) Forget(ctx context.Context, identity string) error {
	return b.client.Del(ctx, b.key(identity)).Err()
}

var reserveScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = window - (now - tonumber(oldest[2]))
if wait < 1 then wait = 1 end
return {0, wait}
`)
