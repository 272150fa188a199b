package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/auth"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listRulesSQL = `SELECT
        id, name, enabled, condition, priority, channels, template,
        cooldown_ms, max_per_hour, owner, alert_type, entity_kind, keys,
        last_triggered_at, trigger_count, suppressed_count
    FROM rules
    ORDER BY id;`

	upsertRuleSQL = `INSERT INTO rules (
        id, name, enabled, condition, priority, channels, template,
        cooldown_ms, max_per_hour, owner, alert_type, entity_kind, keys, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now()
    )
    ON CONFLICT (id) DO UPDATE
    SET
        name         = EXCLUDED.name,
        enabled      = EXCLUDED.enabled,
        condition    = EXCLUDED.condition,
        priority     = EXCLUDED.priority,
        channels     = EXCLUDED.channels,
        template     = EXCLUDED.template,
        cooldown_ms  = EXCLUDED.cooldown_ms,
        max_per_hour = EXCLUDED.max_per_hour,
        owner        = EXCLUDED.owner,
        alert_type   = EXCLUDED.alert_type,
        entity_kind  = EXCLUDED.entity_kind,
        keys         = EXCLUDED.keys,
        updated_at   = now();`

	recordTriggerSQL = `UPDATE rules
    SET last_triggered_at = $2, trigger_count = trigger_count + 1
    WHERE id = $1;`

	recordSuppressedSQL = `UPDATE rules
    SET suppressed_count = suppressed_count + 1
    WHERE id = $1;`

	deliveryColumns = `id, alert_id, batch_id, rule_id, channel_id, channel_type, status,
        retry_count, last_error, created_at, sent_at, delivered_at, next_retry_at, updated_at`

	insertDeliverySQL = `INSERT INTO delivery_log (` + deliveryColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);`

	updateDeliverySQL = `UPDATE delivery_log
    SET status        = $2,
        retry_count   = $3,
        last_error    = $4,
        sent_at       = $5,
        delivered_at  = $6,
        next_retry_at = $7,
        updated_at    = $8
    WHERE id = $1;`

	getDeliverySQL = `SELECT ` + deliveryColumns + ` FROM delivery_log WHERE id = $1;`

	listRecentDeliveriesSQL = `SELECT ` + deliveryColumns + `
    FROM delivery_log
    ORDER BY created_at DESC
    LIMIT $1;`

	listDeliveriesBetweenSQL = `SELECT ` + deliveryColumns + `
    FROM delivery_log
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	deleteDeliveriesBeforeSQL = `DELETE FROM delivery_log WHERE created_at < $1;`

	// A row comes back only when the key was absent or its entry had expired.
	claimDedupSQL = `INSERT INTO dedup_cache (key, expires_at)
    VALUES ($1, $2)
    ON CONFLICT (key) DO UPDATE
    SET expires_at = EXCLUDED.expires_at
    WHERE dedup_cache.expires_at <= $3
    RETURNING key;`

	sweepDedupSQL = `DELETE FROM dedup_cache WHERE expires_at <= $1;`

	insertBatchSQL = `INSERT INTO batches (
        id, alert_type, priority, alert_ids, rule_ids, channels, summary, window_start, closed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO NOTHING;`

	touchAPIKeySQL = `UPDATE api_keys
    SET last_used_at = now()
    WHERE key_hash = $1
      AND revoked_at IS NULL
    RETURNING identity;`

	insertAPIKeySQL = `INSERT INTO api_keys (key_hash, identity)
    VALUES ($1, $2)
    ON CONFLICT (key_hash) DO UPDATE
    SET identity = EXCLUDED.identity, revoked_at = NULL;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store aggregates access to rules, the delivery log, the dedup cache,
// batches and API keys.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListRules loads every rule with its persisted trigger statistics.
func (s *Store) ListRules(ctx context.Context) ([]model.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertRule inserts or replaces a rule definition. Statistics are kept.
func (s *Store) UpsertRule(ctx context.Context, r model.Rule) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	row, err := ruleArgs(r)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertRuleSQL, row...); err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.ID, err)
	}
	return nil
}

// RecordTrigger bumps a rule's trigger counter. Unknown ids are ignored.
func (s *Store) RecordTrigger(ctx context.Context, ruleID string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, recordTriggerSQL, ruleID, at); err != nil {
		return fmt.Errorf("record trigger: %w", err)
	}
	return nil
}

// RecordSuppressed bumps a rule's suppressed counter.
func (s *Store) RecordSuppressed(ctx context.Context, ruleID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, recordSuppressedSQL, ruleID); err != nil {
		return fmt.Errorf("record suppressed: %w", err)
	}
	return nil
}

// Create implements delivery.Log.
func (s *Store) Create(ctx context.Context, rec model.DeliveryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertDeliverySQL,
		rec.ID,
		rec.AlertID,
		rec.BatchID,
		rec.RuleID,
		rec.ChannelID,
		rec.ChannelType,
		string(rec.Status),
		rec.RetryCount,
		rec.LastError,
		rec.CreatedAt,
		rec.SentAt,
		rec.DeliveredAt,
		rec.NextRetryAt,
		rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert delivery %s: %w", rec.ID, err)
	}
	return nil
}

// Update implements delivery.Log.
func (s *Store) Update(ctx context.Context, rec model.DeliveryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, updateDeliverySQL,
		rec.ID,
		string(rec.Status),
		rec.RetryCount,
		rec.LastError,
		rec.SentAt,
		rec.DeliveredAt,
		rec.NextRetryAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", delivery.ErrUnknownRecord, rec.ID)
	}
	return nil
}

// Get implements delivery.Log.
func (s *Store) Get(ctx context.Context, id string) (model.DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	rows, err := pool.Query(ctx, getDeliverySQL, id)
	if err != nil {
		return model.DeliveryRecord{}, fmt.Errorf("get delivery: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanDelivery)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %s", delivery.ErrUnknownRecord, id)
	}
	if err != nil {
		return model.DeliveryRecord{}, fmt.Errorf("get delivery: %w", err)
	}
	return rec, nil
}

// Recent implements delivery.Log.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentDeliveriesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanDelivery)
	if err != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", err)
	}
	return recs, nil
}

// Between implements delivery.Log.
func (s *Store) Between(ctx context.Context, from, to time.Time) ([]model.DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listDeliveriesBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list deliveries between: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanDelivery)
	if err != nil {
		return nil, fmt.Errorf("list deliveries between: %w", err)
	}
	return recs, nil
}

// PruneBefore implements delivery.Log.
func (s *Store) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteDeliveriesBeforeSQL, before)
	if err != nil {
		return 0, fmt.Errorf("delete deliveries before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ShouldSuppress implements dedup.Store on the dedup_cache table.
func (s *Store) ShouldSuppress(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	now := s.now()
	var claimed string
	err = pool.QueryRow(ctx, claimDedupSQL, key, now.Add(window), now).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim dedup key: %w", err)
	}
	return false, nil
}

// Sweep implements dedup.Sweeper.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, sweepDedupSQL, now)
	if err != nil {
		return 0, fmt.Errorf("sweep dedup cache: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveBatch persists a closed batch. Saving the same id twice is a no-op.
func (s *Store) SaveBatch(ctx context.Context, b model.Batch) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertBatchSQL,
		b.ID,
		b.Type,
		string(b.Priority),
		nonNil(b.AlertIDs),
		nonNil(b.RuleIDs),
		nonNil(b.Channels),
		b.Summary,
		b.WindowStart,
		b.ClosedAt,
	); err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

// PutAPIKey stores the digest of token for identity.
func (s *Store) PutAPIKey(ctx context.Context, token, identity string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertAPIKeySQL, auth.HashToken(token), identity); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// Validator returns an auth.Validator backed by the api_keys table.
func (s *Store) Validator() auth.Validator {
	return auth.ValidatorFunc(func(ctx context.Context, token string) (auth.Identity, error) {
		if token == "" {
			return auth.Identity{}, auth.ErrInvalidCredential
		}
		pool, err := s.getPool()
		if err != nil {
			return auth.Identity{}, err
		}
		var identity string
		err = pool.QueryRow(ctx, touchAPIKeySQL, auth.HashToken(token)).Scan(&identity)
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Identity{}, auth.ErrInvalidCredential
		}
		if err != nil {
			return auth.Identity{}, fmt.Errorf("lookup api key: %w", err)
		}
		return auth.Identity{ID: identity}, nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
