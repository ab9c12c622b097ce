package gateway

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMessageLimit = 4096

type TelegramNotifier struct {
	Bot    *tgbotapi.BotAPI
	ChatID int64
}

func NewTelegramNotifier(token, chatID string) (*TelegramNotifier, error) {
	var id int64
	fmt.Sscanf(chatID, "%d", &id)
	if id == 0 {
		return nil, fmt.Errorf("invalid chat ID: %s", chatID)
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	return &TelegramNotifier{Bot: bot, ChatID: id}, nil
}

func (tg *TelegramNotifier) Name() string { return "telegram" }

// Notify sends plain text; run summaries contain characters Markdown would eat.
func (tg *TelegramNotifier) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(tg.ChatID, truncateMessage(text, telegramMessageLimit))
	_, err := tg.Bot.Send(msg)
	return err
}
