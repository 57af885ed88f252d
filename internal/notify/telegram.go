package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender. baseURL may be empty for the
// public API; client may be nil.
func NewTelegramSender(baseURL, token, chatID string, client *http.Client) *TelegramSender {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	if client == nil {
		client = defaultClient
	}
	return &TelegramSender{baseURL: strings.TrimRight(baseURL, "/"), token: token, chatID: chatID, client: client}
}

func (t *TelegramSender) Send(ctx context.Context, _, title, message string) error {
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	if err := postJSON(ctx, t.client, url, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
