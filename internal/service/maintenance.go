package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// TickRunner is one housekeeping pass.
type TickRunner interface {
	Tick(ctx context.Context, now time.Time) error
}

// Maintenance runs housekeeping passes, guarded by a postgres advisory lock
// when one is configured so only one replica sweeps shared state per tick.
type Maintenance struct {
	runner  TickRunner
	locker  AdvisoryLocker
	lockKey int64
	logger  zerolog.Logger
}

// NewMaintenance wraps runner. A nil locker or zero lockKey disables locking.
func NewMaintenance(runner TickRunner, locker AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Maintenance {
	return &Maintenance{
		runner:  runner,
		locker:  locker,
		lockKey: lockKey,
		logger:  logger.With().Str("component", "maintenance").Logger(),
	}
}

// Tick 执行一次清理，锁被其他实例持有时跳过。
func (m *Maintenance) Tick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("bucket", bucket).Msg("skip housekeeping because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	return m.runner.Tick(ctx, bucket)
}

func (m *Maintenance) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.lockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
