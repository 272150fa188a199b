package dedup

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

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
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

func TestMemoryStoreWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()
	window := time.Minute

	suppressed, err := store.ShouldSuppress(ctx, "k", window)
	require.NoError(t, err)
	assert.False(t, suppressed, "first occurrence proceeds")

	clock.Advance(30 * time.Second)
	suppressed, _ = store.ShouldSuppress(ctx, "k", window)
	assert.True(t, suppressed, "duplicate inside window")

	// First occurrence wins: the duplicate at +30s did not slide the expiry.
	clock.Advance(30 * time.Second)
	suppressed, _ = store.ShouldSuppress(ctx, "k", window)
	assert.False(t, suppressed, "window elapsed since first occurrence")

	suppressed, _ = store.ShouldSuppress(ctx, "other", window)
	assert.False(t, suppressed)
}

func TestMemoryStoreZeroWindowNeverSuppresses(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		suppressed, err := store.ShouldSuppress(context.Background(), "k", 0)
		require.NoError(t, err)
		assert.False(t, suppressed)
	}
	assert.Zero(t, store.Len())
}

func TestMemoryStoreConcurrentFirstWins(t *testing.T) {
	store := NewMemoryStore()
	var proceeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			suppressed, err := store.ShouldSuppress(context.Background(), "same", time.Hour)
			if err == nil && !suppressed {
				proceeded.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), proceeded.Load())
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()

	_, _ = store.ShouldSuppress(ctx, "short", time.Second)
	_, _ = store.ShouldSuppress(ctx, "long", time.Hour)

	removed, err := store.Sweep(ctx, clock.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())

	suppressed, _ := store.ShouldSuppress(ctx, "long", time.Hour)
	assert.True(t, suppressed)
}

func TestKeyIsStableAcrossValues(t *testing.T) {
	ev := model.Event{Kind: model.KindToken, Key: "mint1"}
	a := model.MatchResult{Matched: true, Reasons: []string{"b > 1", "a < 2"}, Values: map[string]any{"a": 1}}
	b := model.MatchResult{Matched: true, Reasons: []string{"a < 2", "b > 1"}, Values: map[string]any{"a": 1.9}}

	assert.Equal(t, Key("r1", ev, a), Key("r1", ev, b))
	assert.NotEqual(t, Key("r1", ev, a), Key("r2", ev, a))
	assert.NotEqual(t, Key("r1", ev, a), Key("r1", model.Event{Key: "mint2"}, a))
}

func TestNearDuplicates(t *testing.T) {
	sameText := SimilarityFunc(func(a, b model.PendingAlert) float64 {
		if a.Message.Text == b.Message.Text {
			return 1
		}
		return 0
	})
	nd := NewNearDuplicates(sameText, 0.9, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	alert := model.PendingAlert{RuleID: "r", EventKey: "k", Message: model.Message{Text: "whale bought"}}
	assert.False(t, nd.Suppress(alert, now))
	assert.True(t, nd.Suppress(alert, now.Add(time.Second)))

	other := alert
	other.Message.Text = "whale sold"
	assert.False(t, nd.Suppress(other, now.Add(2*time.Second)))

	assert.False(t, nd.Suppress(alert, now.Add(2*time.Minute)))
	assert.Equal(t, 1, nd.Sweep(now.Add(10*time.Minute)))
}

func TestNearDuplicatesDisabledWithoutStrategy(t *testing.T) {
	nd := NewNearDuplicates(nil, 0.5, time.Minute)
	alert := model.PendingAlert{RuleID: "r", EventKey: "k"}
	assert.False(t, nd.Suppress(alert, time.Now()))
	assert.False(t, nd.Suppress(alert, time.Now()))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ALERTD_TEST_REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("ALERTD_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "alertd-test:" + time.Now().Format("150405.000000") + ":"
	store := NewRedisStore(client, prefix)

	suppressed, err := store.ShouldSuppress(ctx, "k", 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, suppressed)

	suppressed, err = store.ShouldSuppress(ctx, "k", 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, suppressed)

	require.Eventually(t, func() bool {
		s, err := store.ShouldSuppress(ctx, "k", time.Minute)
		return err == nil && !s
	}, 2*time.Second, 50*time.Millisecond)
}
