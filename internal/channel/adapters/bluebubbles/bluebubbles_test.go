package bluebubbles

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/channel"
)

func webhookJSON(t *testing.T, payload WebhookPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func TestParseNewMessage(t *testing.T) {
	raw := webhookJSON(t, WebhookPayload{
		Type: "new-message",
		Data: WebhookData{
			GUID: "msg-1",
			Text: "hey, can you check the doc?",
			Handle: Handle{
				Address:     "+14155550123",
				DisplayName: "Alice",
			},
			Chats: []Chat{{GUID: "iMessage;-;+14155550123"}},
			Attachments: []WebhookAttachment{
				{TransferName: "IMG_0001.jpeg", MimeType: "image/jpeg"},
			},
		},
	})
	msg, err := NewInboundAdapter(nil).Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "+14155550123", msg.Sender)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, "imessage:iMessage;-;+14155550123", msg.ThreadID)
	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, "iMessage;-;+14155550123", msg.Metadata.BlueBubblesChatGUID)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "IMG_0001.jpeg", msg.Attachments[0].Name)
}

func TestParseIgnores(t *testing.T) {
	adapter := NewInboundAdapter(nil)

	_, err := adapter.Parse(webhookJSON(t, WebhookPayload{Type: "typing-indicator"}))
	require.ErrorIs(t, err, channel.ErrIgnored)

	_, err = adapter.Parse(webhookJSON(t, WebhookPayload{
		Type: "new-message",
		Data: WebhookData{GUID: "m", Text: "echo", IsFromMe: true},
	}))
	require.ErrorIs(t, err, channel.ErrIgnored)

	_, err = adapter.Parse(webhookJSON(t, WebhookPayload{
		Type: "new-message",
		Data: WebhookData{GUID: "m", Handle: Handle{Address: "+1"}},
	}))
	require.ErrorIs(t, err, channel.ErrIgnored)
}

func TestParseFallsBackToMessageGUID(t *testing.T) {
	raw := webhookJSON(t, WebhookPayload{
		Type: "new-message",
		Data: WebhookData{GUID: "msg-2", Text: "hi", Handle: Handle{Address: "+1"}},
	})
	msg, err := NewInboundAdapter(nil).Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "imessage:msg-2", msg.ThreadID)
}

func TestSend(t *testing.T) {
	var got sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/message/text", r.URL.Path)
		assert.Equal(t, "pw", r.URL.Query().Get("password"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"status": 200,
			"data":   map[string]any{"guid": "out-1"},
		})
	}))
	defer srv.Close()

	adapter := NewOutboundAdapter(srv.URL, "pw", nil)
	result, err := adapter.Send(context.Background(), channel.OutboundMessage{
		TextBody: "done!",
		Metadata: channel.Metadata{BlueBubblesChatGUID: "chat-1"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "out-1", result.MessageID)
	assert.Equal(t, "chat-1", got.ChatGUID)
	assert.Equal(t, "apple-script", got.Method)
	assert.NotEmpty(t, got.TempGUID)
}

func TestSendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad password"))
	}))
	defer srv.Close()

	adapter := NewOutboundAdapter(srv.URL, "pw", nil)
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{To: []string{"chat-1"}})
	var adapterErr *channel.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, channel.ErrKindSend, adapterErr.Kind)
	assert.Contains(t, adapterErr.Message, "HTTP 401")
}

func TestSendMissingConfig(t *testing.T) {
	t.Setenv("BLUEBUBBLES_URL", "")
	t.Setenv("BLUEBUBBLES_SERVER_URL", "")
	t.Setenv("BLUEBUBBLES_PASSWORD", "")
	adapter := NewOutboundAdapter("", "", nil)
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{To: []string{"chat-1"}})
	var adapterErr *channel.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, channel.ErrKindConfig, adapterErr.Kind)
}
