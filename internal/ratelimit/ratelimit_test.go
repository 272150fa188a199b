package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestCooldown(t *testing.T) {
	clock := newClock()
	l := NewMemoryLimiter().WithClock(clock.Now)
	ctx := context.Background()

	res, err := l.TryAcquire(ctx, "r1", 10*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	clock.Advance(5 * time.Second)
	res, _ = l.TryAcquire(ctx, "r1", 10*time.Second, 0)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonCooldown, res.Reason)

	// a denied attempt does not move lastTriggeredAt
	clock.Advance(5 * time.Second)
	res, _ = l.TryAcquire(ctx, "r1", 10*time.Second, 0)
	assert.True(t, res.Allowed)

	// other rules are independent
	res, _ = l.TryAcquire(ctx, "r2", 10*time.Second, 0)
	assert.True(t, res.Allowed)
}

func TestZeroCooldownAndUnlimited(t *testing.T) {
	l := NewMemoryLimiter().WithClock(newClock().Now)
	for i := 0; i < 20; i++ {
		res, err := l.TryAcquire(context.Background(), "r", 0, 0)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestHourlyCapIsSliding(t *testing.T) {
	clock := newClock()
	l := NewMemoryLimiter().WithClock(clock.Now)
	ctx := context.Background()
	const limit = 3

	for i := 0; i < limit; i++ {
		res, _ := l.TryAcquire(ctx, "r", time.Minute, limit)
		require.True(t, res.Allowed, "firing %d", i)
		clock.Advance(2 * time.Minute)
	}

	res, _ := l.TryAcquire(ctx, "r", time.Minute, limit)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonHourlyCap, res.Reason)

	// first hit was at t0; at t0+60m+1s it has left the trailing window
	clock.Advance(54*time.Minute + time.Second)
	res, _ = l.TryAcquire(ctx, "r", time.Minute, limit)
	assert.True(t, res.Allowed)

	res, _ = l.TryAcquire(ctx, "r", 0, limit)
	assert.False(t, res.Allowed)
}

func TestCancelRollsBack(t *testing.T) {
	clock := newClock()
	l := NewMemoryLimiter().WithClock(clock.Now)
	ctx := context.Background()

	first, _ := l.TryAcquire(ctx, "r", time.Minute, 1)
	require.True(t, first.Allowed)
	clock.Advance(2 * time.Minute)

	res, _ := l.TryAcquire(ctx, "r", time.Minute, 2)
	require.True(t, res.Allowed)
	require.NoError(t, l.Cancel(ctx, res))

	// the cancelled firing neither counts toward the cap nor restarts the cooldown
	res, _ = l.TryAcquire(ctx, "r", time.Minute, 2)
	assert.True(t, res.Allowed)
	res, _ = l.TryAcquire(ctx, "r", 0, 2)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonHourlyCap, res.Reason)

	assert.NoError(t, l.Cancel(ctx, Reservation{}))
}

func TestConcurrentAcquireAdmitsOne(t *testing.T) {
	l := NewMemoryLimiter()
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.TryAcquire(context.Background(), "hot", time.Hour, 0)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestPrune(t *testing.T) {
	clock := newClock()
	l := NewMemoryLimiter().WithClock(clock.Now)
	_, _ = l.TryAcquire(context.Background(), "old", 0, 0)
	clock.Advance(2 * time.Hour)
	_, _ = l.TryAcquire(context.Background(), "fresh", 0, 0)

	assert.Equal(t, 1, l.Prune(clock.Now(), time.Hour))
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("ALERTD_TEST_REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("ALERTD_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLimiter(client, "alertd-test:"+time.Now().Format("150405.000000")+":")

	res, err := l.TryAcquire(ctx, "r", time.Hour, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	denied, err := l.TryAcquire(ctx, "r", time.Hour, 2)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonCooldown, denied.Reason)

	require.NoError(t, l.Cancel(ctx, res))
	res, err = l.TryAcquire(ctx, "r", time.Hour, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
