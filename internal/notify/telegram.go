package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"grainwatch/internal/config"
	"grainwatch/internal/domain"

	tgbot "github.com/go-telegram/bot"
)

// TelegramChannel sends PUSH notifications through a Telegram bot.
// Params: bot client and default chat.
// Returns: channel that posts to recipients as chat ids or to the configured chat.
type TelegramChannel struct {
	client *tgbot.Bot
	chatID any
}

// NewTelegramChannel creates Telegram channel from bot config.
// Params: Telegram notifier config.
// Returns: channel or error when token/chat are missing.
func NewTelegramChannel(cfg config.TelegramNotifier) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat_id is required")
	}
	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	client, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramChannel{client: client, chatID: normalizeChatID(cfg.ChatID)}, nil
}

// Send posts subject and body to every recipient chat.
func (c *TelegramChannel) Send(ctx context.Context, notification domain.Notification, recipients []string) error {
	text := notification.Body
	if notification.Subject != "" {
		text = notification.Subject + "\n" + notification.Body
	}
	chats := []any{c.chatID}
	if len(recipients) > 0 {
		chats = chats[:0]
		for _, recipient := range recipients {
			chats = append(chats, normalizeChatID(recipient))
		}
	}
	var errs []error
	for _, chat := range chats {
		sent, err := c.client.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chat, Text: text})
		if err != nil {
			errs = append(errs, fmt.Errorf("telegram send to %v: %w", chat, err))
			continue
		}
		if sent == nil || sent.ID <= 0 {
			errs = append(errs, fmt.Errorf("telegram send to %v returned empty message id", chat))
		}
	}
	return errors.Join(errs...)
}

// normalizeChatID converts numeric chat IDs to int64 and keeps channel usernames as string.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
