// Package channels holds the outbound channel adapters (Telegram, Discord,
// generic webhooks) and the registry the delivery scheduler resolves them
// through.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
)

// HTTPError is a non-2xx response from a channel endpoint.
type HTTPError struct {
	Channel    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

// RetryDelay exposes the Retry-After header to the delivery scheduler.
func (e *HTTPError) RetryDelay() time.Duration { return e.RetryAfter }

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Channel, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Channel, e.StatusCode, e.Body)
}

// classify wraps err as retryable for rate limiting, server errors and
// transport failures; other client errors stay terminal.
func classify(status int, err error) error {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return delivery.Retryable(err)
	}
	return err
}

func postJSON(ctx context.Context, client *http.Client, channel, url string, payload any, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, delivery.Retryable(fmt.Errorf("send %s request: %w", channel, err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{Channel: channel, StatusCode: resp.StatusCode, Body: truncate(string(raw), 256)}
		httpErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return raw, classify(resp.StatusCode, httpErr)
	}
	return raw, nil
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
