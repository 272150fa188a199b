package rules

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// DisableFunc is notified when a rule transitions from enabled to disabled.
type DisableFunc func(ctx context.Context, ruleID string)

// Cache holds the active rule set. Readers get an immutable snapshot, so a
// reload never changes the rules an in-progress evaluation is looking at.
type Cache struct {
	source   Source
	interval time.Duration
	watch    bool
	logger   zerolog.Logger

	mu        sync.RWMutex
	rules     []model.Rule
	byID      map[string]model.Rule
	onDisable []DisableFunc
}

// Options tune the cache refresh loop.
type Options struct {
	RefreshInterval time.Duration
	Watch           bool
}

// NewCache creates an empty cache over source.
func NewCache(source Source, opts Options, logger zerolog.Logger) *Cache {
	return &Cache{
		source:   source,
		interval: opts.RefreshInterval,
		watch:    opts.Watch,
		logger:   logger.With().Str("component", "rules").Logger(),
		byID:     make(map[string]model.Rule),
	}
}

// OnDisable registers a callback for enabled -> disabled transitions. Rules
// that disappear from the source do not trigger it.
func (c *Cache) OnDisable(fn DisableFunc) {
	c.mu.Lock()
	c.onDisable = append(c.onDisable, fn)
	c.mu.Unlock()
}

// Rules returns the current snapshot. Callers must not modify it.
func (c *Cache) Rules() []model.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

// Get returns a rule by id.
func (c *Cache) Get(id string) (model.Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	return r, ok
}

// Refresh reloads from the source. On error the previous set stays active.
func (c *Cache) Refresh(ctx context.Context) error {
	loaded, err := c.source.Load(ctx)
	if err != nil {
		return err
	}
	c.Set(ctx, loaded)
	return nil
}

// Set replaces the active rule set.
func (c *Cache) Set(ctx context.Context, loaded []model.Rule) {
	next := make([]model.Rule, len(loaded))
	copy(next, loaded)
	byID := make(map[string]model.Rule, len(next))
	for _, r := range next {
		byID[r.ID] = r
	}

	c.mu.Lock()
	var disabled []string
	for id, prev := range c.byID {
		if cur, ok := byID[id]; ok && prev.Enabled && !cur.Enabled {
			disabled = append(disabled, id)
		}
	}
	c.rules = next
	c.byID = byID
	hooks := append([]DisableFunc(nil), c.onDisable...)
	c.mu.Unlock()

	c.logger.Info().Int("rules", len(next)).Int("disabled", len(disabled)).Msg("rule set loaded")
	for _, id := range disabled {
		for _, fn := range hooks {
			fn(ctx, id)
		}
	}
}

// Run refreshes on every interval tick and, when the source supports it, on
// change notifications. It blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)
	if w, ok := c.source.(Watcher); ok && c.watch {
		go func() {
			err := w.Watch(ctx, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
			if err != nil {
				c.logger.Error().Err(err).Msg("rules watch stopped")
			}
		}()
	}

	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-trigger:
		}
		if err := c.Refresh(ctx); err != nil {
			c.logger.Error().Err(err).Msg("rule refresh failed, keeping previous set")
		}
	}
}
