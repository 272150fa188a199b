package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/config"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

func testRecord() model.DeliveryRecord {
	return model.DeliveryRecord{
		ID:        "rec-1",
		AlertID:   "alert-1",
		RuleID:    "whale-buy",
		ChannelID: "ops",
		CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func testMessage() model.Message {
	return model.Message{Title: "Whale buy", Text: "BONK whale bought 120 SOL", Priority: model.PriorityHigh}
}

func TestTelegramSenderSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), "路径应包含 sendMessage, 实际 %s", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, sender.Send(context.Background(), testRecord(), testMessage()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "[HIGH] Whale buy")
	assert.Contains(t, received["text"], "120 SOL")
}

func TestTelegramSenderOKFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", "chat", srv.URL, time.Second, zerolog.Nop())
	err := sender.Send(context.Background(), testRecord(), testMessage())
	require.Error(t, err)
	assert.False(t, delivery.IsRetryable(err))
}

func TestTelegramSenderRateLimitedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 429, "description": "Too Many Requests",
			"parameters": map[string]any{"retry_after": 3},
		})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", "chat", srv.URL, time.Second, zerolog.Nop())
	err := sender.Send(context.Background(), testRecord(), testMessage())
	require.Error(t, err)
	assert.True(t, delivery.IsRetryable(err))
	assert.Equal(t, 3*time.Second, delivery.RetryAfter(err), "retry_after 参数应传给调度器")
}

func TestDiscordSender(t *testing.T) {
	var body struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewDiscordSender(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, sender.Send(context.Background(), testRecord(), testMessage()))

	require.Len(t, body.Embeds, 1)
	assert.Equal(t, "Whale buy", body.Embeds[0].Title)
	assert.Equal(t, discordColors[model.PriorityHigh], body.Embeds[0].Color)
	assert.Equal(t, "2026-05-01T10:00:00Z", body.Embeds[0].Timestamp)
}

func TestWebhookSenderIdempotencyKey(t *testing.T) {
	var got WebhookPayload
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := testRecord()
	rec.RetryCount = 2
	sender := NewWebhookSender(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, sender.Send(context.Background(), rec, testMessage()))

	assert.Equal(t, "rec-1", key)
	assert.Equal(t, "alert-1", got.AlertID)
	assert.Equal(t, 3, got.Attempt)
	assert.Equal(t, model.PriorityHigh, got.Priority)
}

func TestHTTPErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhookSender(srv.URL, time.Second, zerolog.Nop()).Send(context.Background(), testRecord(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tt.retryable, delivery.IsRetryable(err))

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, 7*time.Second, httpErr.RetryAfter)
			assert.Equal(t, 7*time.Second, delivery.RetryAfter(err))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("-5", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("", now))
}

func TestTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewDiscordSender(url, time.Second, zerolog.Nop()).Send(context.Background(), testRecord(), testMessage())
	require.Error(t, err)
	assert.True(t, delivery.IsRetryable(err))
}

func TestRegistryFromConfig(t *testing.T) {
	reg, err := FromConfig([]config.ChannelConfig{
		{ID: "tg", Type: config.ChannelTelegram, Enabled: true, BotToken: "t", ChatID: "c"},
		{ID: "dc", Type: config.ChannelDiscord, Enabled: true, URL: "http://discord.invalid"},
		{ID: "off", Type: config.ChannelWebhook, Enabled: false, URL: "http://hook.invalid"},
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{"dc", "tg"}, reg.IDs())
	ch, ok := reg.Channel("tg")
	require.True(t, ok)
	assert.Equal(t, config.ChannelTelegram, ch.Type)
	assert.IsType(t, &TelegramSender{}, ch.Sender)

	_, ok = reg.Channel("off")
	assert.False(t, ok)

	_, err = FromConfig([]config.ChannelConfig{{ID: "x", Type: "sms", Enabled: true}}, zerolog.Nop())
	assert.Error(t, err)
}
