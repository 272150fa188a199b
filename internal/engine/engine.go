// Package engine runs every active rule against incoming events and produces
// the pending alerts that survive rate limiting and deduplication.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/condition"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/dedup"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/ratelimit"
)

// RuleSet provides the current snapshot of rules.
type RuleSet interface {
	Rules() []model.Rule
}

// StatsRecorder persists trigger statistics.
type StatsRecorder interface {
	RecordTrigger(ctx context.Context, ruleID string, at time.Time) error
	RecordSuppressed(ctx context.Context, ruleID string) error
}

// Options tune the engine.
type Options struct {
	DedupWindow    time.Duration
	NearDuplicates *dedup.NearDuplicates
	Stats          StatsRecorder
	Now            func() time.Time
}

// Engine evaluates rules. It is safe for concurrent use; per-rule decisions are
// serialised by the limiter and dedup store.
type Engine struct {
	rules   RuleSet
	limiter ratelimit.Limiter
	dedup   dedup.Store
	opts    Options
	logger  zerolog.Logger
	render  *renderer

	mu    sync.Mutex
	stats map[string]model.RuleStats
}

// New constructs an Engine.
func New(rules RuleSet, limiter ratelimit.Limiter, store dedup.Store, opts Options, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		rules:   rules,
		limiter: limiter,
		dedup:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "engine").Logger(),
		render:  newRenderer(),
		stats:   make(map[string]model.RuleStats),
	}
}

// Process evaluates ev against the rule snapshot taken at entry and returns one
// pending alert per rule that fired. A failing dedup or limiter backend skips
// only the rule it failed for.
func (e *Engine) Process(ctx context.Context, ev model.Event) []model.PendingAlert {
	ev.Key = model.NormalizeKey(ev.Key)
	snapshot := e.rules.Rules()

	var out []model.PendingAlert
	for _, rule := range snapshot {
		if !rule.Enabled || !rule.AppliesTo(ev) {
			continue
		}
		alert, ok := e.processRule(ctx, rule, ev)
		if ok {
			out = append(out, alert)
		}
	}
	return out
}

func (e *Engine) processRule(ctx context.Context, rule model.Rule, ev model.Event) (model.PendingAlert, bool) {
	log := e.logger.With().Str("rule_id", rule.ID).Str("key", ev.Key).Logger()

	match := condition.Evaluate(ev, rule.Condition)
	if !match.Matched {
		return model.PendingAlert{}, false
	}

	res, err := e.limiter.TryAcquire(ctx, rule.ID, rule.Cooldown, rule.MaxPerHour)
	if err != nil {
		log.Error().Err(err).Msg("rate limiter unavailable, skipping rule")
		return model.PendingAlert{}, false
	}
	if !res.Allowed {
		log.Debug().Str("reason", string(res.Reason)).Msg("rate limited")
		e.recordSuppressed(ctx, rule.ID)
		return model.PendingAlert{}, false
	}

	key := dedup.Key(rule.ID, ev, match)
	suppressed, err := e.dedup.ShouldSuppress(ctx, key, e.opts.DedupWindow)
	if err != nil {
		log.Error().Err(err).Msg("dedup store unavailable, skipping rule")
		e.release(ctx, res)
		return model.PendingAlert{}, false
	}
	if suppressed {
		log.Debug().Str("dedup_key", key).Msg("duplicate suppressed")
		e.release(ctx, res)
		e.recordSuppressed(ctx, rule.ID)
		return model.PendingAlert{}, false
	}

	now := e.opts.Now().UTC()
	alert := model.PendingAlert{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		EventKind: ev.Kind,
		EventKey:  ev.Key,
		Type:      alertType(rule, ev),
		Priority:  rule.Priority,
		Message:   e.render.message(rule, ev, match, log),
		Channels:  append([]string(nil), rule.Channels...),
		DedupKey:  key,
		Match:     match,
		CreatedAt: now,
	}
	if alert.Priority == "" {
		alert.Priority = model.PriorityNormal
	}

	if e.opts.NearDuplicates.Suppress(alert, now) {
		log.Debug().Msg("near duplicate suppressed")
		e.release(ctx, res)
		e.recordSuppressed(ctx, rule.ID)
		return model.PendingAlert{}, false
	}

	e.recordTrigger(ctx, rule.ID, now)
	log.Info().Str("alert_id", alert.ID).Str("priority", string(alert.Priority)).Msg("rule fired")
	return alert, true
}

func (e *Engine) release(ctx context.Context, res ratelimit.Reservation) {
	if err := e.limiter.Cancel(ctx, res); err != nil {
		e.logger.Warn().Err(err).Str("rule_id", res.RuleID).Msg("failed to release rate limit reservation")
	}
}

func alertType(rule model.Rule, ev model.Event) string {
	if rule.AlertType != "" {
		return rule.AlertType
	}
	return string(ev.Kind)
}

func (e *Engine) recordTrigger(ctx context.Context, ruleID string, at time.Time) {
	e.mu.Lock()
	st := e.stats[ruleID]
	st.TriggerCount++
	t := at
	st.LastTriggeredAt = &t
	e.stats[ruleID] = st
	e.mu.Unlock()

	if e.opts.Stats != nil {
		if err := e.opts.Stats.RecordTrigger(ctx, ruleID, at); err != nil {
			e.logger.Warn().Err(err).Str("rule_id", ruleID).Msg("failed to persist trigger stats")
		}
	}
}

func (e *Engine) recordSuppressed(ctx context.Context, ruleID string) {
	e.mu.Lock()
	st := e.stats[ruleID]
	st.SuppressedCount++
	e.stats[ruleID] = st
	e.mu.Unlock()

	if e.opts.Stats != nil {
		if err := e.opts.Stats.RecordSuppressed(ctx, ruleID); err != nil {
			e.logger.Warn().Err(err).Str("rule_id", ruleID).Msg("failed to persist suppression stats")
		}
	}
}

// Stats returns the in-process statistics for a rule since start.
func (e *Engine) Stats(ruleID string) model.RuleStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats[ruleID]
}
