// Package bluebubbles adapts BlueBubbles (iMessage bridge) webhooks and its
// text-send endpoint to the canonical message model.
package bluebubbles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Handle is the sender handle on a webhook message.
type Handle struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
}

// Chat identifies the iMessage conversation.
type Chat struct {
	GUID string `json:"guid"`
}

// WebhookAttachment describes a file on an inbound message.
type WebhookAttachment struct {
	TransferName string `json:"transferName"`
	MimeType     string `json:"mimeType"`
}

// WebhookData is the message body of a new-message event.
type WebhookData struct {
	GUID        string              `json:"guid"`
	Text        string              `json:"text"`
	IsFromMe    bool                `json:"isFromMe"`
	Handle      Handle              `json:"handle"`
	Chats       []Chat              `json:"chats"`
	Attachments []WebhookAttachment `json:"attachments"`
	DateCreated int64               `json:"dateCreated"`
}

// WebhookPayload is the BlueBubbles webhook envelope.
type WebhookPayload struct {
	Type string      `json:"type"`
	Data WebhookData `json:"data"`
}

// ThreadKey builds the conversation key for a chat guid.
func ThreadKey(chatGUID string) string {
	return "imessage:" + chatGUID
}

// InboundAdapter parses BlueBubbles webhook payloads.
type InboundAdapter struct {
	bots *channel.BotIdentitySet
}

// NewInboundAdapter builds the inbound adapter.
func NewInboundAdapter(bots *channel.BotIdentitySet) *InboundAdapter {
	return &InboundAdapter{bots: bots}
}

// Channel returns channel.BlueBubbles.
func (a *InboundAdapter) Channel() channel.Channel { return channel.BlueBubbles }

// Parse decodes a new-message webhook. Self-sent messages and non-message
// events are ignored.
func (a *InboundAdapter) Parse(raw []byte) (*channel.InboundMessage, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, channel.ParseErrorf("decode bluebubbles payload: %v", err)
	}
	if payload.Type != "new-message" {
		return nil, channel.Ignored("event type " + payload.Type)
	}
	data := payload.Data
	if data.IsFromMe {
		return nil, channel.Ignored("message sent by ourselves")
	}
	sender := strings.TrimSpace(data.Handle.Address)
	if a.bots.Contains(sender) {
		return nil, channel.Ignored("message from own handle " + sender)
	}
	if strings.TrimSpace(data.Text) == "" && len(data.Attachments) == 0 {
		return nil, channel.Ignored("empty message")
	}

	chatGUID := data.GUID
	if len(data.Chats) > 0 && data.Chats[0].GUID != "" {
		chatGUID = data.Chats[0].GUID
	}

	msg := &channel.InboundMessage{
		Channel:    channel.BlueBubbles,
		Sender:     sender,
		SenderName: strings.TrimSpace(data.Handle.DisplayName),
		Recipient:  chatGUID,
		TextBody:   data.Text,
		ThreadID:   ThreadKey(chatGUID),
		MessageID:  data.GUID,
		ReplyTo:    []string{chatGUID},
		Metadata: channel.Metadata{
			BlueBubblesChatGUID: chatGUID,
		},
		RawPayload: raw,
	}
	for _, att := range data.Attachments {
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Name: att.TransferName,
			Mime: att.MimeType,
		})
	}
	return msg, nil
}

// OutboundAdapter posts text messages to a BlueBubbles server.
type OutboundAdapter struct {
	serverURL string
	password  string
	client    *http.Client
	log       *slog.Logger
}

// NewOutboundAdapter builds the sender. Server URL falls back to
// BLUEBUBBLES_URL then BLUEBUBBLES_SERVER_URL, the password to
// BLUEBUBBLES_PASSWORD.
func NewOutboundAdapter(serverURL, password string, log *slog.Logger) *OutboundAdapter {
	if log == nil {
		log = slog.Default()
	}
	if serverURL == "" {
		serverURL = strings.TrimSpace(os.Getenv("BLUEBUBBLES_URL"))
	}
	if serverURL == "" {
		serverURL = strings.TrimSpace(os.Getenv("BLUEBUBBLES_SERVER_URL"))
	}
	if password == "" {
		password = strings.TrimSpace(os.Getenv("BLUEBUBBLES_PASSWORD"))
	}
	return &OutboundAdapter{
		serverURL: strings.TrimRight(serverURL, "/"),
		password:  password,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log.With(slog.String("adapter", "bluebubbles")),
	}
}

// Channel returns channel.BlueBubbles.
func (a *OutboundAdapter) Channel() channel.Channel { return channel.BlueBubbles }

type sendTextRequest struct {
	ChatGUID string `json:"chatGuid"`
	Message  string `json:"message"`
	Method   string `json:"method"`
	TempGUID string `json:"tempGuid"`
}

type sendTextResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    struct {
		GUID string `json:"guid"`
	} `json:"data"`
}

// Send posts plain text into the message's chat.
func (a *OutboundAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if a.serverURL == "" || a.password == "" {
		return channel.SendResult{}, channel.ConfigErrorf("BLUEBUBBLES_URL or BLUEBUBBLES_PASSWORD not set")
	}
	chatGUID := msg.Metadata.BlueBubblesChatGUID
	if chatGUID == "" && len(msg.To) > 0 {
		chatGUID = msg.To[0]
	}
	if chatGUID == "" {
		return channel.SendResult{}, channel.ConfigErrorf("bluebubbles send has no chat guid")
	}

	body, err := json.Marshal(sendTextRequest{
		ChatGUID: chatGUID,
		Message:  msg.TextBody,
		Method:   "apple-script",
		TempGUID: uuid.NewString(),
	})
	if err != nil {
		return channel.SendResult{}, channel.ParseErrorf("encode send request: %v", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/message/text?password=%s", a.serverURL, url.QueryEscape(a.password))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("bluebubbles request: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return channel.SendResult{}, channel.HTTPSendError(resp.StatusCode, respBody)
	}

	var parsed sendTextResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return channel.SendResult{}, channel.ParseErrorf("decode send response: %v", err)
	}

	a.log.Info("sent imessage",
		slog.String("chat_guid", chatGUID),
		slog.String("guid", parsed.Data.GUID))
	return channel.SendResult{
		Success:     true,
		MessageID:   parsed.Data.GUID,
		SubmittedAt: time.Now().UTC(),
	}, nil
}
