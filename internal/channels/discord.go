package channels

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Embed colours per priority.
var discordColors = map[model.Priority]int{
	model.PriorityLow:      0x95a5a6,
	model.PriorityNormal:   0x3498db,
	model.PriorityHigh:     0xe67e22,
	model.PriorityCritical: 0xe74c3c,
}

// DiscordSender posts to a Discord incoming webhook.
type DiscordSender struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewDiscordSender builds a sender for webhookURL.
func NewDiscordSender(webhookURL string, timeout time.Duration, logger zerolog.Logger) *DiscordSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DiscordSender{
		url:    webhookURL,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "channel_discord").Logger(),
	}
}

type discordEmbed struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Color       int               `json:"color"`
	Footer      map[string]string `json:"footer,omitempty"`
	Timestamp   string            `json:"timestamp,omitempty"`
}

// Send implements delivery.Sender.
func (s *DiscordSender) Send(ctx context.Context, rec model.DeliveryRecord, msg model.Message) error {
	payload := map[string]any{
		"embeds": []discordEmbed{{
			Title:       truncate(msg.Title, 256),
			Description: truncate(msg.Text, 4000),
			Color:       discordColors[msg.Priority],
			Footer:      map[string]string{"text": rec.ID},
			Timestamp:   rec.CreatedAt.UTC().Format(time.RFC3339),
		}},
		"allowed_mentions": map[string]any{"parse": []string{}},
	}
	if _, err := postJSON(ctx, s.client, "discord", s.url, payload, nil); err != nil {
		return err
	}
	s.logger.Debug().Str("record_id", rec.ID).Msg("delivered to discord")
	return nil
}

var _ delivery.Sender = (*DiscordSender)(nil)
