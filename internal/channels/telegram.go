package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// TelegramSender 通过 Telegram Bot API 推送告警。
type TelegramSender struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSender 构造 Telegram 渠道。
func NewTelegramSender(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "channel_telegram").Logger(),
	}
}

// Send 调用 sendMessage API 推送文本。
func (s *TelegramSender) Send(ctx context.Context, rec model.DeliveryRecord, msg model.Message) error {
	payload := map[string]any{
		"chat_id":                  s.chatID,
		"text":                     renderTelegram(msg),
		"disable_web_page_preview": true,
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	raw, err := postJSON(ctx, s.client, "telegram", url, payload, nil)

	var result struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	decodeErr := json.Unmarshal(raw, &result)

	if err != nil {
		var httpErr *HTTPError
		if decodeErr == nil && result.Parameters.RetryAfter > 0 && errors.As(err, &httpErr) && httpErr.RetryAfter == 0 {
			httpErr.RetryAfter = time.Duration(result.Parameters.RetryAfter) * time.Second
		}
		if decodeErr == nil && result.Description != "" {
			s.logger.Warn().Str("record_id", rec.ID).Int("error_code", result.ErrorCode).
				Int("retry_after", result.Parameters.RetryAfter).Msg(result.Description)
		}
		return err
	}
	if decodeErr == nil && !result.OK {
		tgErr := fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
		if result.ErrorCode == http.StatusTooManyRequests {
			return delivery.Retryable(tgErr)
		}
		return tgErr
	}

	s.logger.Debug().Str("record_id", rec.ID).Str("alert_id", rec.AlertID).Msg("告警已发送 (Telegram)")
	return nil
}

func renderTelegram(msg model.Message) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", strings.ToUpper(string(msg.Priority)), msg.Title))
	builder.WriteString(msg.Text)
	return builder.String()
}

var _ delivery.Sender = (*TelegramSender)(nil)
