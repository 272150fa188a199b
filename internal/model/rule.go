package model

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks how urgent an alert is. Critical alerts bypass batching.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority accepts a case-insensitive priority name; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Rank orders priorities from low (0) to critical (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// RuleStats tracks how often a rule fired and how often it was held back.
type RuleStats struct {
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" yaml:"-"`
	TriggerCount    int64      `json:"trigger_count" yaml:"-"`
	SuppressedCount int64      `json:"suppressed_count" yaml:"-"`
}

// Rule is an alert definition evaluated against every incoming event.
type Rule struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name" yaml:"name"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Condition       Condition     `json:"condition" yaml:"condition"`
	Priority        Priority      `json:"priority" yaml:"priority"`
	Channels        []string      `json:"channels" yaml:"channels"`
	MessageTemplate string        `json:"message_template,omitempty" yaml:"template"`
	Cooldown        time.Duration `json:"cooldown" yaml:"cooldown"`
	MaxPerHour      int           `json:"max_per_hour" yaml:"max_per_hour"`
	Owner           string        `json:"owner,omitempty" yaml:"owner"`

	// AlertType groups alerts for batching. Defaults to the event kind.
	AlertType string `json:"alert_type,omitempty" yaml:"alert_type"`
	// EntityKind and Keys narrow which events the rule looks at; empty means all.
	EntityKind EntityKind `json:"entity_kind,omitempty" yaml:"entity_kind"`
	Keys       []string   `json:"keys,omitempty" yaml:"keys"`

	Stats RuleStats `json:"stats" yaml:"-"`
}

// AppliesTo reports whether ev is in the rule's scope.
func (r Rule) AppliesTo(ev Event) bool {
	if r.EntityKind != "" && r.EntityKind != ev.Kind {
		return false
	}
	if len(r.Keys) == 0 {
		return true
	}
	key := NormalizeKey(ev.Key)
	for _, k := range r.Keys {
		if NormalizeKey(k) == key {
			return true
		}
	}
	return false
}

// Validate checks the static shape of a rule.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if _, err := ParsePriority(string(r.Priority)); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %s: cooldown cannot be negative", r.ID)
	}
	if r.MaxPerHour < 0 {
		return fmt.Errorf("rule %s: max_per_hour cannot be negative", r.ID)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}
