// Package notify delivers touch notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sendTimeout bounds every Bot API call. The success pipeline runs on a
// single worker; a hung HTTP request must not stall it.
const sendTimeout = 10 * time.Second

func httpClient() *http.Client {
	return &http.Client{Timeout: sendTimeout}
}

// Telegram sends messages to a fixed chat. A nil *Telegram is a valid,
// disabled notifier so callers never have to branch on configuration.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram creates the notifier. Returns nil when botToken is empty
// (notifications disabled).
func NewTelegram(botToken string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	if botToken == "" {
		logger.Info("Telegram bot token not configured, notifications disabled")
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPIWithClient(botToken, tgbotapi.APIEndpoint, httpClient())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info("Telegram bot initialized", "bot_name", bot.Self.UserName)

	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

// Send implements engine.Notifier.
func (t *Telegram) Send(_ context.Context, text string) error {
	if t == nil || t.bot == nil {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
