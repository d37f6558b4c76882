package channels

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// TelegramSender is the subset of *bot.Bot used by Telegram.
type TelegramSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Telegram sends alerts to Telegram chats.
type Telegram struct {
	bot TelegramSender
}

// NewTelegram builds a notifier for a bot token. serverURL overrides the Bot
// API base (used by tests); leave empty for api.telegram.org.
func NewTelegram(token, serverURL string) (*Telegram, error) {
	opts := []bot.Option{bot.WithSkipGetMe()}
	if serverURL != "" {
		opts = append(opts, bot.WithServerURL(serverURL))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Telegram{bot: b}, nil
}

// Type implements Notifier.
func (*Telegram) Type() string { return "telegram" }

// Notify sends the alert summary to chatID.
func (t *Telegram) Notify(ctx context.Context, chatID string, alert monitor.Alert) error {
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   FormatAlert(alert),
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message to %s: %w", chatID, err)
	}
	return nil
}
