package ratelimit

import (
	"context"
	"sync"
	"time"
)

type ruleState struct {
	last time.Time
	hits []time.Time // ascending
}

// MemoryLimiter keeps per-rule state in process. All operations on a rule
// happen under one mutex, so concurrent callers cannot both pass a check that
// admits only one.
type MemoryLimiter struct {
	mu    sync.Mutex
	rules map[string]*ruleState
	now   func() time.Time
}

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{rules: make(map[string]*ruleState), now: time.Now}
}

// WithClock replaces the limiter's time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// TryAcquire implements Limiter.
func (l *MemoryLimiter) TryAcquire(_ context.Context, ruleID string, cooldown time.Duration, maxPerHour int) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.rules[ruleID]
	if !ok {
		st = &ruleState{}
		l.rules[ruleID] = st
	}
	st.prune(now)

	res := Reservation{RuleID: ruleID, At: now}
	if cooldown > 0 && !st.last.IsZero() && now.Sub(st.last) < cooldown {
		res.Reason = ReasonCooldown
		return res, nil
	}
	if maxPerHour > 0 && len(st.hits) >= maxPerHour {
		res.Reason = ReasonHourlyCap
		return res, nil
	}

	res.Allowed = true
	res.prevLast = st.last
	st.last = now
	st.hits = append(st.hits, now)
	return res, nil
}

// Cancel implements Limiter.
func (l *MemoryLimiter) Cancel(_ context.Context, res Reservation) error {
	if !res.Allowed {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.rules[res.RuleID]
	if !ok {
		return nil
	}
	for i := len(st.hits) - 1; i >= 0; i-- {
		if st.hits[i].Equal(res.At) {
			st.hits = append(st.hits[:i], st.hits[i+1:]...)
			break
		}
	}
	if st.last.Equal(res.At) {
		st.last = res.prevLast
	}
	return nil
}

// Prune drops rules with no hits in the trailing window and a last firing
// older than idle. It returns the number of rules removed.
func (l *MemoryLimiter) Prune(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, st := range l.rules {
		st.prune(now)
		if len(st.hits) == 0 && now.Sub(st.last) > idle {
			delete(l.rules, id)
			removed++
		}
	}
	return removed
}

func (s *ruleState) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(s.hits) && !s.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.hits = append(s.hits[:0], s.hits[i:]...)
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
