package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	sendTimeout = 10 * time.Second
	sendRetries = 2
)

// errRetryable marks webhook responses worth another attempt.
var errRetryable = errors.New("retryable status")

// poster sends JSON webhooks, retrying rate-limited and server-side failures.
type poster struct {
	client  *http.Client
	initial time.Duration
}

func newPoster() poster {
	return poster{client: &http.Client{Timeout: sendTimeout}, initial: 500 * time.Millisecond}
}

func (p poster) post(ctx context.Context, service, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", service, err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: build request: %w", service, err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: send: %w", service, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("%s: unexpected status %d: %s", service, resp.StatusCode, bytes.TrimSpace(detail))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", errRetryable, err)
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, sendRetries), ctx))
}

// TelegramSender posts alerts to a chat through the Bot API.
type TelegramSender struct {
	poster
	apiBase string
	token   string
	chatID  string
}

// NewTelegramSender creates a TelegramSender for a bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		poster:  newPoster(),
		apiBase: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
	}
}

// Send implements Sender. Text is HTML-escaped since trade IDs and reasons
// carry underscores that Markdown would misread. Only critical alerts ring.
func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	return t.post(ctx, "telegram", t.apiBase+"/bot"+t.token+"/sendMessage", map[string]any{
		"chat_id":              t.chatID,
		"text":                 "<b>" + html.EscapeString(a.Title) + "</b>\n" + html.EscapeString(a.Message),
		"parse_mode":           "HTML",
		"disable_notification": !a.Critical(),
	})
}

// Name implements Sender.
func (t *TelegramSender) Name() string { return "telegram" }

// Discord embed colours.
const (
	discordColorAlert = 0xE74C3C
	discordColorInfo  = 0x2ECC71
)

// DiscordSender posts alerts to a channel webhook as embeds.
type DiscordSender struct {
	poster
	webhookURL string
}

// NewDiscordSender creates a DiscordSender for a webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{poster: newPoster(), webhookURL: webhookURL}
}

// Send implements Sender.
func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	color := discordColorInfo
	if a.Critical() {
		color = discordColorAlert
	}
	return d.post(ctx, "discord", d.webhookURL, map[string]any{
		"embeds": []map[string]any{{
			"title":       a.Title,
			"description": a.Message,
			"color":       color,
			"footer":      map[string]string{"text": a.Event},
		}},
	})
}

// Name implements Sender.
func (d *DiscordSender) Name() string { return "discord" }
