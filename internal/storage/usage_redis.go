package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miniapp-entitlements/internal/models"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/redis/go-redis/v9"
)

// usageKeyGrace keeps yesterday's counters readable for an hour past midnight
const usageKeyGrace = time.Hour

// incrementScript bumps the counter and pins its expiry to the end of the usage day
var incrementScript = redis.NewScript(`
	local calls = redis.call('INCR', KEYS[1])
	redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[1]))
	return calls
`)

// rollbackScript decrements the counter without letting it drop below zero
var rollbackScript = redis.NewScript(`
	local calls = tonumber(redis.call('GET', KEYS[1]) or '0')
	if calls <= 0 then
		return 0
	end
	return redis.call('DECR', KEYS[1])
`)

// RedisUsageCounter keeps per-day metered call counters in Redis.
// Keys expire shortly after their UTC day ends, so no cleanup job is needed.
type RedisUsageCounter struct {
	redis redis.Cmdable
	now   func() time.Time
}

// NewRedisUsageCounter creates a usage counter on the given client
func NewRedisUsageCounter(client redis.Cmdable) *RedisUsageCounter {
	return &RedisUsageCounter{redis: client, now: time.Now}
}

// usageKey returns the counter key for the wallet, category and day
func usageKey(address string, category types.UsageCategory, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s", address, category, day.Format("2006-01-02"))
}

// Used returns today's call count, 0 when the key does not exist
func (c *RedisUsageCounter) Used(ctx context.Context, address string, category types.UsageCategory) (int, error) {
	address, category, err := validateUsageKey(address, category)
	if err != nil {
		return 0, err
	}

	calls, err := c.redis.Get(ctx, usageKey(address, category, models.UsageDay(c.now()))).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get api usage: %w", err)
	}

	return calls, nil
}

// Increment adds one call to today's counter and returns the new value
func (c *RedisUsageCounter) Increment(ctx context.Context, address string, category types.UsageCategory) (int, error) {
	address, category, err := validateUsageKey(address, category)
	if err != nil {
		return 0, err
	}

	day := models.UsageDay(c.now())
	expireAt := day.AddDate(0, 0, 1).Add(usageKeyGrace).Unix()

	calls, err := incrementScript.Run(ctx, c.redis, []string{usageKey(address, category, day)}, expireAt).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment api usage: %w", err)
	}

	return calls, nil
}

// Rollback removes one call from today's counter, clamping at zero, and returns the new value
func (c *RedisUsageCounter) Rollback(ctx context.Context, address string, category types.UsageCategory) (int, error) {
	address, category, err := validateUsageKey(address, category)
	if err != nil {
		return 0, err
	}

	key := usageKey(address, category, models.UsageDay(c.now()))
	calls, err := rollbackScript.Run(ctx, c.redis, []string{key}).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to roll back api usage: %w", err)
	}

	return calls, nil
}
