package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

func ruleArgs(r model.Rule) ([]any, error) {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return nil, fmt.Errorf("encode condition for rule %s: %w", r.ID, err)
	}
	return []any{
		r.ID,
		r.Name,
		r.Enabled,
		cond,
		string(r.Priority),
		nonNil(r.Channels),
		r.MessageTemplate,
		r.Cooldown.Milliseconds(),
		r.MaxPerHour,
		r.Owner,
		r.AlertType,
		string(r.EntityKind),
		nonNil(r.Keys),
	}, nil
}

func scanRule(rows pgx.Rows) (model.Rule, error) {
	var (
		r          model.Rule
		cond       []byte
		priority   string
		cooldownMS int64
		entityKind string
	)
	if err := rows.Scan(
		&r.ID,
		&r.Name,
		&r.Enabled,
		&cond,
		&priority,
		&r.Channels,
		&r.MessageTemplate,
		&cooldownMS,
		&r.MaxPerHour,
		&r.Owner,
		&r.AlertType,
		&entityKind,
		&r.Keys,
		&r.Stats.LastTriggeredAt,
		&r.Stats.TriggerCount,
		&r.Stats.SuppressedCount,
	); err != nil {
		return model.Rule{}, err
	}

	if err := json.Unmarshal(cond, &r.Condition); err != nil {
		return model.Rule{}, fmt.Errorf("parse condition for rule %s: %w", r.ID, err)
	}
	r.Priority = model.Priority(priority)
	r.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	r.EntityKind = model.EntityKind(entityKind)
	return r, nil
}

func scanDelivery(row pgx.CollectableRow) (model.DeliveryRecord, error) {
	var (
		rec    model.DeliveryRecord
		status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.BatchID,
		&rec.RuleID,
		&rec.ChannelID,
		&rec.ChannelType,
		&status,
		&rec.RetryCount,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.SentAt,
		&rec.DeliveredAt,
		&rec.NextRetryAt,
		&rec.UpdatedAt,
	)
	rec.Status = model.DeliveryStatus(status)
	return rec, err
}
