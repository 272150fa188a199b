// Package batcher folds pending alerts of the same type and priority that
// arrive within a short window into one summarised delivery per target
// channel.
package batcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Sink is the delivery side the batcher hands alerts to.
type Sink interface {
	Dispatch(ctx context.Context, alert model.PendingAlert) ([]model.DeliveryRecord, error)
	Hold(ctx context.Context, alert model.PendingAlert) ([]string, error)
	Release(ctx context.Context, ids []string)
	Held(ids []string) []string
	Claim(ctx context.Context, ids []string, reason string) []string
	DispatchBatch(ctx context.Context, batch model.Batch, msg model.Message) ([]model.DeliveryRecord, error)
}

// Store persists closed batches.
type Store interface {
	SaveBatch(ctx context.Context, batch model.Batch) error
}

type bucketKey struct {
	alertType string
	priority  model.Priority
	channel   string
}

// member is one alert's held record on the bucket's channel.
type member struct {
	alert  model.PendingAlert
	record string
}

type bucket struct {
	opened  time.Time
	members []member
	timer   *time.Timer
}

// Options configure batching.
type Options struct {
	Enabled bool
	Window  time.Duration
	Store   Store
	Now     func() time.Time
}

// Batcher collects alerts per (type, priority, channel) bucket, so a batch
// only reaches channels every one of its alerts targets. Critical alerts and
// everything submitted while batching is disabled go straight to the sink.
type Batcher struct {
	sink   Sink
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// New constructs a Batcher.
func New(sink Sink, opts Options, logger zerolog.Logger) *Batcher {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Batcher{
		sink:    sink,
		opts:    opts,
		logger:  logger.With().Str("component", "batcher").Logger(),
		buckets: make(map[bucketKey]*bucket),
	}
}

// Submit routes an alert. Batched alerts get held delivery records right away
// so they are visible in the delivery log while the window is open.
func (b *Batcher) Submit(ctx context.Context, alert model.PendingAlert) error {
	if !b.opts.Enabled || alert.Priority == model.PriorityCritical {
		_, err := b.sink.Dispatch(ctx, alert)
		return err
	}

	ids, err := b.sink.Hold(ctx, alert)
	if err != nil && len(ids) == 0 {
		return err
	}

	b.mu.Lock()
	// Hold returns one record per channel, in channel order.
	for i, id := range ids {
		if i >= len(alert.Channels) {
			break
		}
		key := bucketKey{alertType: alert.Type, priority: alert.Priority, channel: alert.Channels[i]}
		bk := b.bucketLocked(key)
		bk.members = append(bk.members, member{alert: alert, record: id})
	}
	b.mu.Unlock()
	return err
}

func (b *Batcher) bucketLocked(key bucketKey) *bucket {
	if bk, ok := b.buckets[key]; ok {
		return bk
	}
	bk := &bucket{opened: b.opts.Now().UTC()}
	bk.timer = time.AfterFunc(b.opts.Window, func() {
		b.flush(context.Background(), key, bk)
	})
	b.buckets[key] = bk
	return bk
}

// Pending returns the number of held records waiting in open buckets. An
// alert targeting several channels counts once per channel.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bk := range b.buckets {
		n += len(bk.members)
	}
	return n
}

// Flush closes every open bucket now.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	open := make(map[bucketKey]*bucket, len(b.buckets))
	for k, bk := range b.buckets {
		open[k] = bk
	}
	b.mu.Unlock()

	for k, bk := range open {
		bk.timer.Stop()
		b.flush(ctx, k, bk)
	}
}

// Run blocks until ctx is cancelled and then flushes what is still open.
func (b *Batcher) Run(ctx context.Context) error {
	<-ctx.Done()
	b.Flush(context.WithoutCancel(ctx))
	return ctx.Err()
}

func (b *Batcher) flush(ctx context.Context, key bucketKey, bk *bucket) {
	b.mu.Lock()
	if b.buckets[key] != bk {
		b.mu.Unlock()
		return
	}
	delete(b.buckets, key)
	members := bk.members
	b.mu.Unlock()

	// Records cancelled while the window was open (rule disabled) drop out.
	members = keep(members, b.sink.Held(recordIDs(members)))
	switch len(members) {
	case 0:
		return
	case 1:
		b.sink.Release(ctx, recordIDs(members))
		return
	}

	batchID := uuid.NewString()
	closed := b.opts.Now().UTC()
	members = keep(members, b.sink.Claim(ctx, recordIDs(members), "folded into batch "+batchID))
	switch len(members) {
	case 0:
		return
	case 1:
		// the others were cancelled between Held and Claim
		alert := members[0].alert
		alert.Channels = []string{key.channel}
		if _, err := b.sink.Dispatch(ctx, alert); err != nil {
			b.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to dispatch alert")
		}
		return
	}
	batch, msg := build(batchID, key, bk.opened, closed, members)

	if b.opts.Store != nil {
		if err := b.opts.Store.SaveBatch(ctx, batch); err != nil {
			b.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("failed to persist batch")
		}
	}
	if _, err := b.sink.DispatchBatch(ctx, batch, msg); err != nil {
		b.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("failed to dispatch batch")
		return
	}
	b.logger.Info().
		Str("batch_id", batch.ID).
		Str("type", batch.Type).
		Str("priority", string(batch.Priority)).
		Str("channel", key.channel).
		Int("alerts", len(batch.AlertIDs)).
		Msg("batch dispatched")
}

func build(id string, key bucketKey, opened, closed time.Time, members []member) (model.Batch, model.Message) {
	batch := model.Batch{
		ID:          id,
		Type:        key.alertType,
		Priority:    key.priority,
		Channels:    []string{key.channel},
		WindowStart: opened,
		ClosedAt:    closed,
	}

	rules := map[string]struct{}{}
	var lines []string
	for _, m := range members {
		a := m.alert
		batch.AlertIDs = append(batch.AlertIDs, a.ID)
		rules[a.RuleID] = struct{}{}
		lines = append(lines, "- "+headline(a))
	}
	for id := range rules {
		batch.RuleIDs = append(batch.RuleIDs, id)
	}
	sort.Strings(batch.RuleIDs)

	title := fmt.Sprintf("%d %s alerts", len(members), key.alertType)
	batch.Summary = title + "\n" + strings.Join(lines, "\n")

	return batch, model.Message{
		Title:    title,
		Text:     batch.Summary,
		Priority: key.priority,
		Tags: map[string]string{
			"batch_id": batch.ID,
			"type":     key.alertType,
		},
	}
}

func recordIDs(members []member) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.record
	}
	return ids
}

// keep returns the members whose record is in ids, preserving order.
func keep(members []member, ids []string) []member {
	live := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	out := members[:0:0]
	for _, m := range members {
		if _, ok := live[m.record]; ok {
			out = append(out, m)
		}
	}
	return out
}

func headline(a model.PendingAlert) string {
	first, _, _ := strings.Cut(strings.TrimSpace(a.Message.Text), "\n")
	if a.Message.Title == "" {
		return first
	}
	if first == "" {
		return a.Message.Title
	}
	return a.Message.Title + ": " + first
}
