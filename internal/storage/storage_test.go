package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/auth"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/config"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

func TestNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.ListRules(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.ShouldSuppress(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.Create(ctx, model.DeliveryRecord{}), ErrNotConfigured)
	_, err = s.Validator().Validate(ctx, "token")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.Migrate(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()

	suppressed, err := s.ShouldSuppress(ctx, "k", 0)
	require.NoError(t, err)
	assert.False(t, suppressed, "zero window never touches the database")
}

func TestNewPoolRequiresDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{})
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	body, err := migrationFS.ReadFile("migrations/0001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"rules", "delivery_log", "dedup_cache", "batches", "api_keys"} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ALERTD_TEST_DSN")
	if testing.Short() || dsn == "" {
		t.Skip("ALERTD_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	s := NewStore(pool)
	t.Cleanup(s.Close)

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	return s
}

func TestPostgresRulesAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := "it-" + uuid.NewString()
	rule := model.Rule{
		ID:         id,
		Name:       "whale buy",
		Enabled:    true,
		Condition:  model.And(model.Leaf("sol_amount", model.OpGTE, 100), model.Leaf("whale_action", model.OpEQ, "buy")),
		Priority:   model.PriorityHigh,
		Channels:   []string{"tg"},
		Cooldown:   90 * time.Second,
		MaxPerHour: 4,
		EntityKind: model.KindWallet,
	}
	require.NoError(t, s.UpsertRule(ctx, rule))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.RecordTrigger(ctx, id, at))
	require.NoError(t, s.RecordSuppressed(ctx, id))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	var got *model.Rule
	for i := range rules {
		if rules[i].ID == id {
			got = &rules[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, 90*time.Second, got.Cooldown)
	assert.Equal(t, model.NodeAnd, got.Condition.Kind)
	assert.EqualValues(t, 1, got.Stats.TriggerCount)
	assert.EqualValues(t, 1, got.Stats.SuppressedCount)
	require.NotNil(t, got.Stats.LastTriggeredAt)
	assert.True(t, at.Equal(*got.Stats.LastTriggeredAt))
}

func TestPostgresDeliveryLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := model.DeliveryRecord{
		ID: uuid.NewString(), AlertID: uuid.NewString(), RuleID: "r", ChannelID: "tg", ChannelType: "telegram",
		Status: model.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.Create(ctx, rec))

	rec.Status = model.StatusSent
	rec.SentAt = &now
	rec.DeliveredAt = &now
	require.NoError(t, s.Update(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status)
	require.NotNil(t, got.SentAt)

	_, err = s.Get(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, delivery.ErrUnknownRecord)
	assert.ErrorIs(t, s.Update(ctx, model.DeliveryRecord{ID: "missing-" + uuid.NewString()}), delivery.ErrUnknownRecord)

	between, err := s.Between(ctx, now.Add(-time.Second), now.Add(time.Second))
	require.NoError(t, err)
	assert.NotEmpty(t, between)
}

func TestPostgresDedupCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "it:" + uuid.NewString()

	base := time.Now()
	s.now = func() time.Time { return base }

	suppressed, err := s.ShouldSuppress(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, suppressed)

	suppressed, err = s.ShouldSuppress(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, suppressed)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	suppressed, err = s.ShouldSuppress(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, suppressed, "expired entry is reclaimed")

	removed, err := s.Sweep(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)
}

func TestPostgresAPIKeysAndBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	token := "tok-" + uuid.NewString()
	require.NoError(t, s.PutAPIKey(ctx, token, "desk-1"))

	id, err := s.Validator().Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "desk-1", id.ID)

	_, err = s.Validator().Validate(ctx, "nope")
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)

	batch := model.Batch{
		ID: uuid.NewString(), Type: "wallet", Priority: model.PriorityNormal,
		AlertIDs: []string{"a", "b"}, RuleIDs: []string{"r"}, Channels: []string{"tg"},
		Summary: "2 wallet alerts", WindowStart: time.Now(), ClosedAt: time.Now(),
	}
	require.NoError(t, s.SaveBatch(ctx, batch))
	require.NoError(t, s.SaveBatch(ctx, batch))
}
