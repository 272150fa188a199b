// Package ratelimit enforces per-rule cooldowns and trailing-hour quotas.
//
// TryAcquire both checks and records a firing. When a later stage (dedup)
// decides the alert must not fire after all, the caller hands the
// reservation back with Cancel so the firing is not counted.
package ratelimit

import (
	"context"
	"time"
)

// Window is the trailing period the hourly quota is counted over.
const Window = time.Hour

// Reason explains a denial.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonCooldown  Reason = "cooldown"
	ReasonHourlyCap Reason = "hourly_cap"
)

// Reservation is the outcome of TryAcquire.
type Reservation struct {
	Allowed bool
	Reason  Reason
	RuleID  string
	At      time.Time

	token    string
	prevLast time.Time
}

// Limiter is the per-rule rate limiter contract. A zero cooldown disables the
// cooldown check and a zero maxPerHour disables the quota.
type Limiter interface {
	TryAcquire(ctx context.Context, ruleID string, cooldown time.Duration, maxPerHour int) (Reservation, error)
	Cancel(ctx context.Context, res Reservation) error
}
