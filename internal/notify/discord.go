package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// DiscordSender posts alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender; client may be nil.
func NewDiscordSender(webhookURL string, client *http.Client) *DiscordSender {
	if client == nil {
		client = defaultClient
	}
	return &DiscordSender{webhookURL: webhookURL, client: client}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

func embedColor(event string) int {
	switch event {
	case domain.EventRollbackFailed:
		return 0xE74C3C
	case domain.EventMarketResolved, domain.EventMarketSettled:
		return 0x2ECC71
	default:
		return 0x95A5A6
	}
}

func (d *DiscordSender) Send(ctx context.Context, event, title, message string) error {
	payload := map[string]any{
		"embeds": []discordEmbed{{Title: title, Description: message, Color: embedColor(event)}},
	}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
