package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Send error classes. The worker reacts differently to each: auth-denied
// and bad-request terminate the message, rate-limited suspends the
// worker, anything else is retried.
var (
	ErrAuthDenied = errors.New("dispatch: recipient blocked the bot")
	ErrBadRequest = errors.New("dispatch: malformed message")
)

// RateLimitError carries the server-provided pause.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("dispatch: rate limited, retry after %s", e.RetryAfter)
}

// Sender delivers one message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string, html bool) (messageID string, err error)
}

// NopSender drops every message. Used when chat delivery is disabled;
// entries still land in the log stream.
type NopSender struct{}

func (NopSender) Send(ctx context.Context, chatID, text string, html bool) (string, error) {
	return "", nil
}

// TelegramSender talks to the bot API.
type TelegramSender struct {
	http  *resty.Client
	token string
}

func NewTelegramSender(token, baseURL string, timeout time.Duration) *TelegramSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramSender{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		token: token,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *TelegramSender) Send(ctx context.Context, chatID, text string, html bool) (string, error) {
	body := map[string]string{
		"chat_id": chatID,
		"text":    text,
	}
	if html {
		body["parse_mode"] = "HTML"
	}
	var out telegramResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	if out.OK {
		return fmt.Sprintf("%d", out.Result.MessageID), nil
	}
	switch resp.StatusCode() {
	case 401, 403:
		return "", fmt.Errorf("%w: %s", ErrAuthDenied, out.Description)
	case 400:
		return "", fmt.Errorf("%w: %s", ErrBadRequest, out.Description)
	case 429:
		after := time.Duration(out.Parameters.RetryAfter) * time.Second
		if after <= 0 {
			after = time.Second
		}
		return "", &RateLimitError{RetryAfter: after}
	}
	return "", fmt.Errorf("telegram send: http %d: %s", resp.StatusCode(), out.Description)
}
