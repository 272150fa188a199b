package model

import "time"

// MatchResult is the outcome of evaluating a condition tree against an event.
// Reasons describe the matched leaves without their observed values so they
// stay stable across events; Values holds what was observed.
type MatchResult struct {
	Matched bool           `json:"matched"`
	Reasons []string       `json:"reasons,omitempty"`
	Values  map[string]any `json:"values,omitempty"`
}

// Message is the channel-agnostic payload handed to senders.
type Message struct {
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Priority Priority          `json:"priority"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// PendingAlert is produced by a rule match that passed rate limiting and
// deduplication.
type PendingAlert struct {
	ID        string      `json:"id"`
	RuleID    string      `json:"rule_id"`
	RuleName  string      `json:"rule_name"`
	EventKind EntityKind  `json:"event_kind"`
	EventKey  string      `json:"event_key"`
	Type      string      `json:"type"`
	Priority  Priority    `json:"priority"`
	Message   Message     `json:"message"`
	Channels  []string    `json:"channels"`
	DedupKey  string      `json:"dedup_key"`
	Match     MatchResult `json:"match"`
	CreatedAt time.Time   `json:"created_at"`
}

// Batch folds several pending alerts of one type and priority into a single
// delivery.
type Batch struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Priority    Priority  `json:"priority"`
	AlertIDs    []string  `json:"alert_ids"`
	RuleIDs     []string  `json:"rule_ids"`
	Channels    []string  `json:"channels"`
	Summary     string    `json:"summary"`
	WindowStart time.Time `json:"window_start"`
	ClosedAt    time.Time `json:"closed_at"`
}
