package channels

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// WebhookPayload is the JSON body posted to generic webhooks.
type WebhookPayload struct {
	DeliveryID string            `json:"delivery_id"`
	AlertID    string            `json:"alert_id"`
	BatchID    string            `json:"batch_id,omitempty"`
	RuleID     string            `json:"rule_id,omitempty"`
	Priority   model.Priority    `json:"priority"`
	Title      string            `json:"title"`
	Text       string            `json:"text"`
	Tags       map[string]string `json:"tags,omitempty"`
	Attempt    int               `json:"attempt"`
}

// WebhookSender posts the message as JSON. The delivery record id is sent as
// Idempotency-Key so receivers can drop retried duplicates.
type WebhookSender struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookSender builds a sender for url.
func NewWebhookSender(url string, timeout time.Duration, logger zerolog.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "channel_webhook").Logger(),
	}
}

// Send implements delivery.Sender.
func (s *WebhookSender) Send(ctx context.Context, rec model.DeliveryRecord, msg model.Message) error {
	payload := WebhookPayload{
		DeliveryID: rec.ID,
		AlertID:    rec.AlertID,
		BatchID:    rec.BatchID,
		RuleID:     rec.RuleID,
		Priority:   msg.Priority,
		Title:      msg.Title,
		Text:       msg.Text,
		Tags:       msg.Tags,
		Attempt:    rec.RetryCount + 1,
	}
	headers := map[string]string{"Idempotency-Key": rec.ID}
	if _, err := postJSON(ctx, s.client, "webhook", s.url, payload, headers); err != nil {
		return err
	}
	s.logger.Debug().Str("record_id", rec.ID).Msg("delivered to webhook")
	return nil
}

var _ delivery.Sender = (*WebhookSender)(nil)
