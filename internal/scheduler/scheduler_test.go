package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNextTickAlignment(t *testing.T) {
	s, err := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 20, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), s.nextTick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), s.bucketStart(now))

	free, _ := New(Options{Interval: time.Minute}, zerolog.Nop())
	assert.Equal(t, now.Add(time.Minute), free.nextTick(now))
	assert.Equal(t, now, free.bucketStart(now))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s, err := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if ticks.Add(1) == 1 {
				return errors.New("first tick fails")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestHousekeeperRunsAllTasks(t *testing.T) {
	var ran []string
	now := time.Unix(1_700_000_000, 0)
	h := NewHousekeeper(zerolog.Nop(),
		Task{Name: "dedup", Run: func(_ context.Context, at time.Time) (int, error) {
			assert.Equal(t, now, at)
			ran = append(ran, "dedup")
			return 3, nil
		}},
		Task{Name: "broken", Run: func(context.Context, time.Time) (int, error) {
			ran = append(ran, "broken")
			return 0, errors.New("db down")
		}},
	)
	h.Add(Task{Name: "log", Run: func(context.Context, time.Time) (int, error) {
		ran = append(ran, "log")
		return 0, nil
	}})

	err := h.Tick(context.Background(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: db down")
	assert.Equal(t, []string{"dedup", "broken", "log"}, ran)
}
