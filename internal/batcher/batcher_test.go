package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

type countingSender struct {
	mu   sync.Mutex
	sent []model.DeliveryRecord
	msgs []model.Message
}

func (c *countingSender) Send(_ context.Context, rec model.DeliveryRecord, msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, rec)
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *countingSender) snapshot() ([]model.DeliveryRecord, []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.DeliveryRecord(nil), c.sent...), append([]model.Message(nil), c.msgs...)
}

type resolver map[string]delivery.Channel

func (r resolver) Channel(id string) (delivery.Channel, bool) {
	ch, ok := r[id]
	return ch, ok
}

type batchStore struct {
	mu      sync.Mutex
	batches []model.Batch
}

func (s *batchStore) SaveBatch(_ context.Context, b model.Batch) error {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	sender *countingSender
	other  *countingSender
	log    *delivery.MemoryLog
	sched  *delivery.Scheduler
	store  *batchStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	sender := &countingSender{}
	other := &countingSender{}
	log := delivery.NewMemoryLog()
	sched := delivery.NewScheduler(resolver{
		"tg": {ID: "tg", Type: "telegram", Sender: sender},
		"dc": {ID: "dc", Type: "discord", Sender: other},
	}, log, delivery.Options{Backoff: delivery.Backoff{Base: time.Millisecond, Max: time.Millisecond}}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return fixture{sender: sender, other: other, log: log, sched: sched, store: &batchStore{}}
}

func ruleAlert(id, ruleID, text string, channels ...string) model.PendingAlert {
	return model.PendingAlert{
		ID:       id,
		RuleID:   ruleID,
		Type:     "token",
		Priority: model.PriorityNormal,
		Channels: channels,
		Message:  model.Message{Title: ruleID, Text: text},
	}
}

func pending(id string, priority model.Priority) model.PendingAlert {
	return model.PendingAlert{
		ID:       id,
		RuleID:   "rule-" + string(priority),
		Type:     "token",
		Priority: priority,
		Channels: []string{"tg"},
		Message:  model.Message{Title: "Rug risk", Text: "alert " + id + "\nmore detail"},
	}
}

func TestCriticalBypassesAndNormalIsBatched(t *testing.T) {
	f := newFixture(t)
	b := New(f.sched, Options{Enabled: true, Window: 80 * time.Millisecond, Store: f.store}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, pending("E1", model.PriorityCritical)))
	require.Eventually(t, func() bool {
		sent, _ := f.sender.snapshot()
		return len(sent) == 1
	}, time.Second, 2*time.Millisecond, "critical alert is delivered without waiting for a window")
	sent, _ := f.sender.snapshot()
	assert.Equal(t, "E1", sent[0].AlertID)
	assert.Empty(t, sent[0].BatchID)

	require.NoError(t, b.Submit(ctx, pending("E2", model.PriorityNormal)))
	require.NoError(t, b.Submit(ctx, pending("E3", model.PriorityNormal)))
	assert.Equal(t, 2, b.Pending())

	require.Eventually(t, func() bool {
		sent, _ := f.sender.snapshot()
		return len(sent) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sent, msgs := f.sender.snapshot()
	batchRec := sent[1]
	assert.NotEmpty(t, batchRec.BatchID)
	assert.Equal(t, batchRec.BatchID, batchRec.AlertID)
	assert.Contains(t, msgs[1].Text, "Rug risk: alert E2")
	assert.Contains(t, msgs[1].Text, "Rug risk: alert E3")
	assert.Equal(t, "2 token alerts", msgs[1].Title)

	require.Len(t, f.store.batches, 1)
	saved := f.store.batches[0]
	assert.Equal(t, []string{"E2", "E3"}, saved.AlertIDs)
	assert.Equal(t, batchRec.BatchID, saved.ID)
	assert.Equal(t, model.PriorityNormal, saved.Priority)

	all, err := f.log.Recent(ctx, 0)
	require.NoError(t, err)
	cancelled := 0
	for _, rec := range all {
		if rec.AlertID == "E2" || rec.AlertID == "E3" {
			assert.Equal(t, model.StatusCancelled, rec.Status)
			cancelled++
		}
	}
	assert.Equal(t, 2, cancelled)
	assert.Zero(t, b.Pending())
}

func TestSingleAlertIsReleasedUnbatched(t *testing.T) {
	f := newFixture(t)
	b := New(f.sched, Options{Enabled: true, Window: time.Hour}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, pending("solo", model.PriorityHigh)))
	time.Sleep(20 * time.Millisecond)
	sent, _ := f.sender.snapshot()
	assert.Empty(t, sent, "held until the window closes")

	b.Flush(ctx)
	require.Eventually(t, func() bool {
		sent, _ := f.sender.snapshot()
		return len(sent) == 1
	}, time.Second, 2*time.Millisecond)
	sent, _ = f.sender.snapshot()
	assert.Equal(t, "solo", sent[0].AlertID)
}

func TestBucketsAreKeyedByTypeAndPriority(t *testing.T) {
	f := newFixture(t)
	b := New(f.sched, Options{Enabled: true, Window: time.Hour, Store: f.store}, zerolog.Nop())
	ctx := context.Background()

	wallet := pending("w1", model.PriorityNormal)
	wallet.Type = "wallet"
	require.NoError(t, b.Submit(ctx, pending("t1", model.PriorityNormal)))
	require.NoError(t, b.Submit(ctx, pending("t2", model.PriorityLow)))
	require.NoError(t, b.Submit(ctx, wallet))

	b.Flush(ctx)
	assert.Empty(t, f.store.batches, "no bucket had more than one alert")
	require.Eventually(t, func() bool {
		sent, _ := f.sender.snapshot()
		return len(sent) == 3
	}, time.Second, 2*time.Millisecond)
}

func TestDisabledDispatchesImmediately(t *testing.T) {
	f := newFixture(t)
	b := New(f.sched, Options{Enabled: false}, zerolog.Nop())
	require.NoError(t, b.Submit(context.Background(), pending("x", model.PriorityLow)))
	assert.Zero(t, b.Pending())
	require.Eventually(t, func() bool {
		sent, _ := f.sender.snapshot()
		return len(sent) == 1
	}, time.Second, 2*time.Millisecond)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	f := newFixture(t)
	b := New(f.sched, Options{Enabled: true, Window: time.Hour, Store: f.store}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Submit(ctx, pending("a", model.PriorityNormal)))
	require.NoError(t, b.Submit(ctx, pending("b", model.PriorityNormal)))

	cancel()
	assert.ErrorIs(t, b.Run(ctx), context.Canceled)
	assert.Len(t, f.store.batches, 1)
}

func TestBatchesOnlyReachTargetedChannels(t *testing.T) {
	f := newFixture(t)
	b := New(f.sched, Options{Enabled: true, Window: time.Hour, Store: f.store}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, ruleAlert("a1", "owner-1", "secret A1", "tg")))
	require.NoError(t, b.Submit(ctx, ruleAlert("a2", "owner-1", "secret A2", "tg")))
	require.NoError(t, b.Submit(ctx, ruleAlert("b1", "owner-2", "secret B1", "dc")))
	require.NoError(t, b.Submit(ctx, ruleAlert("c1", "shared", "shared C1", "tg", "dc")))
	assert.Equal(t, 5, b.Pending())

	b.Flush(ctx)
	require.Eventually(t, func() bool {
		tg, _ := f.sender.snapshot()
		dc, _ := f.other.snapshot()
		return len(tg) == 1 && len(dc) == 1
	}, time.Second, 2*time.Millisecond)

	_, tgMsgs := f.sender.snapshot()
	assert.Equal(t, "3 token alerts", tgMsgs[0].Title)
	assert.Contains(t, tgMsgs[0].Text, "secret A1")
	assert.Contains(t, tgMsgs[0].Text, "secret A2")
	assert.Contains(t, tgMsgs[0].Text, "shared C1")
	assert.NotContains(t, tgMsgs[0].Text, "secret B1")

	_, dcMsgs := f.other.snapshot()
	assert.Equal(t, "2 token alerts", dcMsgs[0].Title)
	assert.Contains(t, dcMsgs[0].Text, "secret B1")
	assert.Contains(t, dcMsgs[0].Text, "shared C1")
	assert.NotContains(t, dcMsgs[0].Text, "secret A")

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Len(t, f.store.batches, 2)
	for _, batch := range f.store.batches {
		require.Len(t, batch.Channels, 1)
		if batch.Channels[0] == "dc" {
			assert.Equal(t, []string{"b1", "c1"}, batch.AlertIDs)
			assert.Equal(t, []string{"owner-2", "shared"}, batch.RuleIDs)
		} else {
			assert.Equal(t, []string{"a1", "a2", "c1"}, batch.AlertIDs)
		}
	}
}

func TestDisabledRuleAlertsAreNotRevivedByFlush(t *testing.T) {
	f := newFixture(t)
	b := New(f.sched, Options{Enabled: true, Window: time.Hour, Store: f.store}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, ruleAlert("A1", "disabled-rule", "A1", "tg")))
	require.NoError(t, b.Submit(ctx, ruleAlert("A2", "disabled-rule", "A2", "tg")))
	require.NoError(t, b.Submit(ctx, ruleAlert("K1", "kept-rule", "K1", "tg")))

	assert.Equal(t, 2, f.sched.CancelRule(ctx, "disabled-rule"))
	b.Flush(ctx)

	require.Eventually(t, func() bool {
		sent, _ := f.sender.snapshot()
		return len(sent) == 1
	}, time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	sent, msgs := f.sender.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, "K1", sent[0].AlertID, "the remaining alert is released on its own")
	assert.Empty(t, sent[0].BatchID)
	assert.NotContains(t, msgs[0].Text, "A1")
	assert.Empty(t, f.store.batches)

	all, err := f.log.Recent(ctx, 0)
	require.NoError(t, err)
	for _, rec := range all {
		if rec.RuleID == "disabled-rule" {
			assert.Equal(t, model.StatusCancelled, rec.Status)
			assert.Equal(t, "rule disabled", rec.LastError)
		}
	}
}

func TestFlushWithEveryAlertCancelledSendsNothing(t *testing.T) {
	f := newFixture(t)
	b := New(f.sched, Options{Enabled: true, Window: time.Hour, Store: f.store}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, ruleAlert("A1", "off", "A1", "tg")))
	require.NoError(t, b.Submit(ctx, ruleAlert("A2", "off", "A2", "tg")))
	f.sched.CancelRule(ctx, "off")

	b.Flush(ctx)
	time.Sleep(30 * time.Millisecond)
	sent, _ := f.sender.snapshot()
	assert.Empty(t, sent)
	assert.Empty(t, f.store.batches)
	assert.Zero(t, f.sched.Outstanding())
}
