package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// BotClient is the slice of tgbotapi.BotAPI the sender needs.
type BotClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// OutboundAdapter sends messages through a Telegram bot.
type OutboundAdapter struct {
	bot BotClient
	log *slog.Logger
}

// NewOutboundAdapter builds the sender around an authorized bot client.
func NewOutboundAdapter(bot BotClient, log *slog.Logger) *OutboundAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &OutboundAdapter{
		bot: bot,
		log: log.With(slog.String("adapter", "telegram")),
	}
}

// Channel returns channel.Telegram.
func (a *OutboundAdapter) Channel() channel.Channel { return channel.Telegram }

// Send delivers msg to its chat, replying to InReplyTo when it names a
// message id.
func (a *OutboundAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if a.bot == nil {
		return channel.SendResult{}, channel.ConfigErrorf("telegram bot not configured")
	}
	rawChatID := msg.Metadata.TelegramChatID
	if rawChatID == "" && len(msg.To) > 0 {
		rawChatID = msg.To[0]
	}
	chatID, err := strconv.ParseInt(rawChatID, 10, 64)
	if err != nil {
		return channel.SendResult{}, channel.ConfigErrorf("telegram send has no valid chat id: %q", rawChatID)
	}

	text := msg.TextBody
	if text == "" {
		text = msg.HTMLBody
	}

	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = tgbotapi.ModeHTML
	if replyID, err := strconv.Atoi(msg.InReplyTo); err == nil {
		out.ReplyToMessageID = replyID
	}

	sent, err := a.bot.Send(out)
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("telegram send: %v", err)
	}

	a.log.Info("sent telegram message",
		slog.Int64("chat_id", chatID),
		slog.Int("message_id", sent.MessageID))
	return channel.SendResult{
		Success:     true,
		MessageID:   strconv.Itoa(sent.MessageID),
		SubmittedAt: time.Now().UTC(),
	}, nil
}
