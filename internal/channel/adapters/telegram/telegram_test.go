package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/channel"
)

func TestParseMessage(t *testing.T) {
	raw := []byte(`{
		"update_id": 1,
		"message": {
			"message_id": 77,
			"from": {"id": 42, "is_bot": false, "first_name": "Alice", "last_name": "Liddell"},
			"chat": {"id": -100123},
			"text": "remind me at 5"
		}
	}`)
	msg, err := NewInboundAdapter(nil).Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "42", msg.Sender)
	assert.Equal(t, "Alice Liddell", msg.SenderName)
	assert.Equal(t, "-100123", msg.ThreadID)
	assert.Equal(t, "77", msg.MessageID)
	assert.Equal(t, "-100123", msg.Metadata.TelegramChatID)
}

func TestParseEditedMessageAndCaption(t *testing.T) {
	raw := []byte(`{
		"update_id": 2,
		"edited_message": {
			"message_id": 78,
			"from": {"id": 42, "first_name": "Alice"},
			"chat": {"id": 9},
			"caption": "see attached",
			"document": {"file_id": "F1", "file_name": "plan.pdf", "mime_type": "application/pdf"}
		}
	}`)
	msg, err := NewInboundAdapter(nil).Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "see attached", msg.TextBody)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "plan.pdf", msg.Attachments[0].Name)
	assert.Equal(t, "F1", msg.Attachments[0].Ref)
}

func TestParsePicksLargestPhoto(t *testing.T) {
	raw := []byte(`{
		"update_id": 3,
		"message": {
			"message_id": 79,
			"from": {"id": 42, "first_name": "Alice"},
			"chat": {"id": 9},
			"photo": [{"file_id": "small"}, {"file_id": "large"}]
		}
	}`)
	msg, err := NewInboundAdapter(nil).Parse(raw)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "large", msg.Attachments[0].Ref)
}

func TestParseIgnoresBots(t *testing.T) {
	raw := []byte(`{
		"update_id": 4,
		"message": {
			"message_id": 80,
			"from": {"id": 7, "is_bot": true, "first_name": "Bot"},
			"chat": {"id": 9},
			"text": "echo"
		}
	}`)
	_, err := NewInboundAdapter(nil).Parse(raw)
	require.ErrorIs(t, err, channel.ErrIgnored)

	raw = []byte(`{
		"update_id": 5,
		"message": {
			"message_id": 81,
			"from": {"id": 8, "username": "dowhiz_bot", "first_name": "DoWhiz"},
			"chat": {"id": 9},
			"text": "echo"
		}
	}`)
	_, err = NewInboundAdapter(channel.NewBotIdentitySet("dowhiz_bot")).Parse(raw)
	require.ErrorIs(t, err, channel.ErrIgnored)
}

func TestParseIgnoresEmptyUpdate(t *testing.T) {
	_, err := NewInboundAdapter(nil).Parse([]byte(`{"update_id": 6}`))
	require.ErrorIs(t, err, channel.ErrIgnored)
}

type fakeBot struct {
	got  tgbotapi.Chattable
	err  error
	sent tgbotapi.Message
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.got = c
	return f.sent, f.err
}

func TestSendRepliesInChat(t *testing.T) {
	bot := &fakeBot{sent: tgbotapi.Message{MessageID: 900}}
	adapter := NewOutboundAdapter(bot, nil)

	result, err := adapter.Send(context.Background(), channel.OutboundMessage{
		TextBody:  "done",
		InReplyTo: "77",
		Metadata:  channel.Metadata{TelegramChatID: "-100123"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "900", result.MessageID)

	cfg, ok := bot.got.(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-100123), cfg.ChatID)
	assert.Equal(t, "done", cfg.Text)
	assert.Equal(t, 77, cfg.ReplyToMessageID)
	assert.Equal(t, tgbotapi.ModeHTML, cfg.ParseMode)
}

func TestSendInvalidChatID(t *testing.T) {
	adapter := NewOutboundAdapter(&fakeBot{}, nil)
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{To: []string{"not-a-number"}})
	var adapterErr *channel.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, channel.ErrKindConfig, adapterErr.Kind)
}

func TestSendAPIError(t *testing.T) {
	adapter := NewOutboundAdapter(&fakeBot{err: errors.New("forbidden")}, nil)
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{To: []string{"9"}})
	var adapterErr *channel.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, channel.ErrKindSend, adapterErr.Kind)
}
