// Package telegram adapts Telegram Bot API updates and sendMessage to the
// canonical message model.
package telegram

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// InboundAdapter parses Telegram webhook updates.
type InboundAdapter struct {
	bots *channel.BotIdentitySet
}

// NewInboundAdapter builds the inbound adapter. bots holds the bot user ids
// or usernames whose messages are dropped.
func NewInboundAdapter(bots *channel.BotIdentitySet) *InboundAdapter {
	return &InboundAdapter{bots: bots}
}

// Channel returns channel.Telegram.
func (a *InboundAdapter) Channel() channel.Channel { return channel.Telegram }

// Parse decodes a webhook Update. Edited messages are treated like new ones;
// captions stand in for text on media messages.
func (a *InboundAdapter) Parse(raw []byte) (*channel.InboundMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, channel.ParseErrorf("decode telegram update: %v", err)
	}

	message := update.Message
	if message == nil {
		message = update.EditedMessage
	}
	if message == nil {
		return nil, channel.Ignored("update carries no message")
	}
	from := message.From
	if from == nil {
		return nil, channel.ParseErrorf("telegram message has no sender")
	}
	senderID := strconv.FormatInt(from.ID, 10)
	if from.IsBot || a.bots.Contains(senderID) || a.bots.Contains(from.UserName) {
		return nil, channel.Ignored("message from bot " + senderID)
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}

	var attachments []channel.Attachment
	if len(message.Photo) > 0 {
		largest := message.Photo[len(message.Photo)-1]
		attachments = append(attachments, channel.Attachment{
			Name: fmt.Sprintf("photo_%s.jpg", largest.FileID),
			Mime: "image/jpeg",
			Ref:  largest.FileID,
		})
	}
	if doc := message.Document; doc != nil {
		name := doc.FileName
		if name == "" {
			name = "document"
		}
		mime := doc.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		attachments = append(attachments, channel.Attachment{
			Name: name,
			Mime: mime,
			Ref:  doc.FileID,
		})
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil, channel.Ignored("empty message")
	}

	senderName := strings.TrimSpace(strings.TrimSpace(from.FirstName) + " " + strings.TrimSpace(from.LastName))
	if senderName == "" {
		senderName = from.UserName
	}
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	return &channel.InboundMessage{
		Channel:     channel.Telegram,
		Sender:      senderID,
		SenderName:  senderName,
		Recipient:   chatID,
		TextBody:    text,
		ThreadID:    chatID,
		MessageID:   strconv.Itoa(message.MessageID),
		ReplyTo:     []string{chatID},
		Attachments: attachments,
		Metadata: channel.Metadata{
			TelegramChatID: chatID,
		},
		RawPayload: raw,
	}, nil
}
