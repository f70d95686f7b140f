package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sweetpotato0/stageflow/quota"
)

// acquireScript performs the whole admission inside Redis so that both
// ceiling checks and both increments happen atomically.
//
// KEYS: window-start, daily count, active count
// ARGV: now (unix seconds), window length (seconds), daily limit,
// concurrent limit
//
// Returns {status, daily, active, windowStart} where status is 0 on
// success, 1 for a daily breach and 2 for a concurrent breach.
var acquireScript = redis.NewScript(`
local window = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local windowLen = tonumber(ARGV[2])
local dailyLimit = tonumber(ARGV[3])
local activeLimit = tonumber(ARGV[4])

if window == 0 or now - window >= windowLen then
  redis.call('SET', KEYS[1], now)
  redis.call('SET', KEYS[2], 0)
  window = now
end

local daily = tonumber(redis.call('GET', KEYS[2]) or '0')
local active = tonumber(redis.call('GET', KEYS[3]) or '0')

if daily >= dailyLimit then
  return {1, daily, active, window}
end
if active >= activeLimit then
  return {2, daily, active, window}
end

redis.call('INCR', KEYS[2])
redis.call('INCR', KEYS[3])
return {0, daily + 1, active + 1, window}
`)

// releaseScript decrements the active count but never below zero.
var releaseScript = redis.NewScript(`
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
if active > 0 then
  redis.call('DECR', KEYS[1])
end
return active
`)

// RedisStore implements quota.CounterStore using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis configuration for quota counters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore creates a new Redis-based counter store.
func NewRedisStore(config *RedisConfig) *RedisStore {
	if config == nil {
		config = &RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "stageflow:quota:",
		}
	}
	if config.Prefix == "" {
		config.Prefix = "stageflow:quota:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisStore{
		client: client,
		prefix: config.Prefix,
	}
}

// Acquire atomically checks both ceilings and claims a slot.
func (s *RedisStore) Acquire(ctx context.Context, userID string, now time.Time, limits quota.Limits) (*quota.Usage, error) {
	keys := []string{s.windowKey(userID), s.dailyKey(userID), s.activeKey(userID)}
	args := []interface{}{
		now.Unix(),
		int64(limits.Window.Seconds()),
		limits.Daily,
		limits.Concurrent,
	}

	raw, err := acquireScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run quota admission: %w", err)
	}

	status, daily, active, windowStart, err := decodeCounters(raw)
	if err != nil {
		return nil, err
	}

	switch status {
	case 1:
		return nil, &quota.LimitError{Kind: quota.KindDaily, Limit: limits.Daily, Current: daily}
	case 2:
		return nil, &quota.LimitError{Kind: quota.KindConcurrent, Limit: limits.Concurrent, Current: active}
	}

	return &quota.Usage{
		DailyUsed:    daily,
		DailyLimit:   limits.Daily,
		Active:       active,
		ActiveLimit:  limits.Concurrent,
		WindowResets: time.Unix(windowStart, 0).Add(limits.Window),
	}, nil
}

// Release frees a concurrent slot.
func (s *RedisStore) Release(ctx context.Context, userID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.activeKey(userID)}).Err(); err != nil {
		return fmt.Errorf("failed to release quota slot: %w", err)
	}
	return nil
}

// Snapshot returns the user's counters without modifying them.
func (s *RedisStore) Snapshot(ctx context.Context, userID string, now time.Time, limits quota.Limits) (*quota.Usage, error) {
	values, err := s.client.MGet(ctx, s.windowKey(userID), s.dailyKey(userID), s.activeKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read quota counters: %w", err)
	}

	windowStart := parseInt(values[0])
	daily := parseInt(values[1])
	active := parseInt(values[2])

	usage := &quota.Usage{
		DailyUsed:    int(daily),
		DailyLimit:   limits.Daily,
		Active:       int(active),
		ActiveLimit:  limits.Concurrent,
		WindowResets: time.Unix(windowStart, 0).Add(limits.Window),
	}
	if windowStart == 0 || now.Sub(time.Unix(windowStart, 0)) >= limits.Window {
		usage.DailyUsed = 0
		usage.WindowResets = now.Add(limits.Window)
	}
	return usage, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) windowKey(userID string) string {
	return s.prefix + userID + ":window"
}

func (s *RedisStore) dailyKey(userID string) string {
	return s.prefix + userID + ":daily"
}

func (s *RedisStore) activeKey(userID string) string {
	return s.prefix + userID + ":active"
}

func decodeCounters(raw interface{}) (status int, daily int, active int, windowStart int64, err error) {
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("unexpected quota script reply: %v", raw)
	}
	nums := make([]int64, 4)
	for i, v := range reply {
		n, ok := v.(int64)
		if !ok {
			return 0, 0, 0, 0, fmt.Errorf("unexpected quota script reply element: %v", v)
		}
		nums[i] = n
	}
	return int(nums[0]), int(nums[1]), int(nums[2]), nums[3], nil
}

func parseInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
