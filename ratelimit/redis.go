package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// reserveScript keeps one sorted set per key, scored by reservation time in
// milliseconds. ARGV is now, member, cutoff, then a (start, max, window)
// triple per limit and finally the key ttl. The member is added only when no
// window is full; otherwise the reply carries the earliest instant at which
// all full windows have room.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local member = ARGV[2]
local cutoff = ARGV[3]

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)

local retry = 0
for i = 4, #ARGV - 1, 3 do
  local start = ARGV[i]
  local max = tonumber(ARGV[i + 1])
  local window = tonumber(ARGV[i + 2])
  local entries = redis.call('ZRANGEBYSCORE', key, '(' .. start, '+inf', 'WITHSCORES')
  local count = #entries / 2
  if count >= max then
    local free = tonumber(entries[(count - max) * 2 + 2]) + window
    if free > retry then
      retry = free
    end
  end
end

if retry > 0 then
  return {0, retry}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, ARGV[#ARGV])
return {1, 0}
`)

// RedisLimiter shares its windows across every worker process.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

var _ Limiter = (*RedisLimiter)(nil)

func (l *RedisLimiter) Reserve(ctx context.Context, key string, limits []Limit, now time.Time, member string) (Reservation, error) {
	if len(limits) == 0 {
		return Reservation{Allowed: true}, nil
	}
	nowMs := now.UnixMilli()
	h := horizon(limits).Milliseconds()
	args := []interface{}{nowMs, member, nowMs - h}
	for _, lim := range limits {
		w := lim.Window.Milliseconds()
		args = append(args, nowMs-w, lim.Max, w)
	}
	args = append(args, h)

	res, err := reserveScript.Run(ctx, l.client, []string{key}, args...).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("rate limit reserve %s: %w", key, err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Reservation{}, fmt.Errorf("rate limit reserve %s: unexpected reply %v", key, res)
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return Reservation{}, err
	}
	if allowed == 1 {
		return Reservation{Allowed: true}, nil
	}
	retry, err := toInt64(values[1])
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{RetryAt: time.UnixMilli(retry).UTC()}, nil
}

func (l *RedisLimiter) Release(ctx context.Context, key, member string) error {
	if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("rate limit release %s: %w", key, err)
	}
	return nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("rate limit: unexpected value %v (%T)", v, v)
	}
}
