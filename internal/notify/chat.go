package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"
)

// SlackConfig posts to a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Slack sends events through an incoming webhook.
type Slack struct {
	url string
}

// NewSlack creates a Slack sink.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{url: cfg.WebhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, e Event) error {
	msg := &slack.WebhookMessage{Text: toMrkdwn(e.Text)}
	if err := slack.PostWebhookContext(ctx, s.url, msg); err != nil {
		return fmt.Errorf("slack: send message: %w", err)
	}
	return nil
}

// TelegramConfig sends to one chat through a bot.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// APIEndpoint overrides the Bot API URL format, mainly for tests.
	APIEndpoint string `json:"api_endpoint,omitempty"`
}

// Telegram sends events to a chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram authenticates the bot. It makes one request to the Bot API.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := &http.Client{Timeout: 15 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Send delivers e as HTML, falling back to plain text if Telegram rejects
// the markup.
func (t *Telegram) Send(_ context.Context, e Event) error {
	msg := tgbotapi.NewMessage(t.chatID, toTelegramHTML(e.Text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := t.bot.Send(msg)
	if err != nil {
		t.logger.Warn("HTML send failed, falling back to plain text", "chat_id", t.chatID, "error", err)
		msg.Text = stripBold(e.Text)
		msg.ParseMode = ""
		_, err = t.bot.Send(msg)
	}
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// Event text only uses **bold**, so that is all the converters handle.

func toMrkdwn(md string) string {
	return strings.ReplaceAll(md, "**", "*")
}

func toTelegramHTML(md string) string {
	parts := strings.Split(html.EscapeString(md), "**")
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			if i%2 == 1 && i < len(parts)-1 {
				b.WriteString("<b>")
			} else if i%2 == 0 {
				b.WriteString("</b>")
			} else {
				b.WriteString("**")
			}
		}
		b.WriteString(p)
	}
	return b.String()
}

func stripBold(md string) string {
	return strings.ReplaceAll(md, "**", "")
}
