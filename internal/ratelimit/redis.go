package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript checks cooldown and the trailing-window quota and records the
// firing atomically.
//
// KEYS[1] last-fired key, KEYS[2] hits sorted set
// ARGV now_ms, cooldown_ms, max_per_hour, window_ms, member, ttl_ms
// returns {allowed, reason, previous_last_ms}
var acquireScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local cooldown = tonumber(ARGV[2])
	local max = tonumber(ARGV[3])
	local window = tonumber(ARGV[4])

	local last = tonumber(redis.call('GET', KEYS[1]) or '-1')
	if cooldown > 0 and last >= 0 and now - last < cooldown then
		return {0, 'cooldown', last}
	end

	redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - window)
	if max > 0 and redis.call('ZCARD', KEYS[2]) >= max then
		return {0, 'hourly_cap', last}
	end

	redis.call('ZADD', KEYS[2], now, ARGV[5])
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[6])
	redis.call('PEXPIRE', KEYS[2], ARGV[6])
	return {1, '', last}
`)

// cancelScript removes a reserved hit and restores the previous last-fired
// time if nothing fired since.
//
// KEYS[1] last-fired key, KEYS[2] hits sorted set
// ARGV member, reserved_at_ms, previous_last_ms, ttl_ms
var cancelScript = redis.NewScript(`
	redis.call('ZREM', KEYS[2], ARGV[1])
	local last = redis.call('GET', KEYS[1])
	if last and last == ARGV[2] then
		if tonumber(ARGV[3]) >= 0 then
			redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
		else
			redis.call('DEL', KEYS[1])
		end
	end
	return 1
`)

// RedisLimiter shares rate-limit state between instances using Lua scripts so
// each check-and-record is a single atomic step on the server.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter wraps a connected client.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLimiter) keys(ruleID string) []string {
	base := l.prefix + "ratelimit:" + ruleID
	return []string{base + ":last", base + ":hits"}
}

func (l *RedisLimiter) ttl(cooldown time.Duration) int64 {
	ttl := Window
	if cooldown > ttl {
		ttl = cooldown
	}
	return (ttl + time.Minute).Milliseconds()
}

// TryAcquire implements Limiter.
func (l *RedisLimiter) TryAcquire(ctx context.Context, ruleID string, cooldown time.Duration, maxPerHour int) (Reservation, error) {
	now := l.now()
	member := uuid.NewString()

	raw, err := acquireScript.Run(ctx, l.client, l.keys(ruleID),
		now.UnixMilli(),
		cooldown.Milliseconds(),
		maxPerHour,
		Window.Milliseconds(),
		member,
		l.ttl(cooldown),
	).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis ratelimit acquire: %w", err)
	}
	if len(raw) != 3 {
		return Reservation{}, fmt.Errorf("redis ratelimit acquire: unexpected reply %v", raw)
	}

	allowed, _ := raw[0].(int64)
	reason, _ := raw[1].(string)
	prev, _ := raw[2].(int64)

	res := Reservation{
		Allowed: allowed == 1,
		Reason:  Reason(reason),
		RuleID:  ruleID,
		At:      time.UnixMilli(now.UnixMilli()),
		token:   member,
	}
	if prev >= 0 {
		res.prevLast = time.UnixMilli(prev)
	}
	return res, nil
}

// Cancel implements Limiter.
func (l *RedisLimiter) Cancel(ctx context.Context, res Reservation) error {
	if !res.Allowed || res.token == "" {
		return nil
	}
	prev := int64(-1)
	if !res.prevLast.IsZero() {
		prev = res.prevLast.UnixMilli()
	}
	err := cancelScript.Run(ctx, l.client, l.keys(res.RuleID),
		res.token,
		strconv.FormatInt(res.At.UnixMilli(), 10),
		prev,
		l.ttl(0),
	).Err()
	if err != nil {
		return fmt.Errorf("redis ratelimit cancel: %w", err)
	}
	return nil
}

var _ Limiter = (*RedisLimiter)(nil)
