package model

import "time"

// DeliveryStatus is a state of the per-channel delivery state machine.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusFailed    DeliveryStatus = "failed"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is legal.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	switch s {
	case StatusPending, StatusRetrying:
		return next == StatusSending
	case StatusSending:
		return next == StatusSent || next == StatusFailed || next == StatusRetrying
	}
	return false
}

// DeliveryRecord tracks one (alert, channel) delivery. For batch deliveries
// AlertID and BatchID both carry the batch id.
type DeliveryRecord struct {
	ID          string         `json:"id"`
	AlertID     string         `json:"alert_id"`
	BatchID     string         `json:"batch_id,omitempty"`
	RuleID      string         `json:"rule_id"`
	ChannelID   string         `json:"channel_id"`
	ChannelType string         `json:"channel_type"`
	Status      DeliveryStatus `json:"status"`
	RetryCount  int            `json:"retry_count"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
