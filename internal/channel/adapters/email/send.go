package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

const defaultAPIBase = "https://api.postmarkapp.com"

// OutboundAdapter sends email through the Postmark server API.
type OutboundAdapter struct {
	token   string
	apiBase string
	client  *http.Client
	log     *slog.Logger
}

// NewOutboundAdapter builds the sender. Token and base URL come from
// POSTMARK_SERVER_TOKEN and POSTMARK_API_BASE_URL when empty.
func NewOutboundAdapter(token, apiBase string, log *slog.Logger) *OutboundAdapter {
	if log == nil {
		log = slog.Default()
	}
	if token == "" {
		token = strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN"))
	}
	if apiBase == "" {
		apiBase = strings.TrimSpace(os.Getenv("POSTMARK_API_BASE_URL"))
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &OutboundAdapter{
		token:   token,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With(slog.String("adapter", "email")),
	}
}

// Channel returns channel.Email.
func (a *OutboundAdapter) Channel() channel.Channel { return channel.Email }

type sendAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

type sendRequest struct {
	From        string           `json:"From"`
	To          string           `json:"To"`
	Cc          string           `json:"Cc,omitempty"`
	Bcc         string           `json:"Bcc,omitempty"`
	Subject     string           `json:"Subject"`
	HTMLBody    string           `json:"HtmlBody,omitempty"`
	TextBody    string           `json:"TextBody,omitempty"`
	Headers     []Header         `json:"Headers,omitempty"`
	Attachments []sendAttachment `json:"Attachments,omitempty"`
}

type sendResponse struct {
	MessageID   string `json:"MessageID"`
	SubmittedAt string `json:"SubmittedAt"`
	ErrorCode   int    `json:"ErrorCode"`
	Message     string `json:"Message"`
}

// Send delivers msg via the Postmark /email endpoint. Threading headers are
// set from InReplyTo and References when present.
func (a *OutboundAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if a.token == "" {
		return channel.SendResult{}, channel.ConfigErrorf("POSTMARK_SERVER_TOKEN not set")
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, channel.ConfigErrorf("email send has no recipients")
	}

	req := sendRequest{
		From:     msg.From,
		To:       strings.Join(msg.To, ","),
		Cc:       strings.Join(msg.CC, ","),
		Bcc:      strings.Join(msg.BCC, ","),
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
		TextBody: msg.TextBody,
	}
	if msg.InReplyTo != "" {
		req.Headers = append(req.Headers, Header{Name: "In-Reply-To", Value: angleWrap(msg.InReplyTo)})
	}
	if msg.References != "" {
		req.Headers = append(req.Headers, Header{Name: "References", Value: msg.References})
	}
	for _, att := range msg.Attachments {
		if len(att.Content) == 0 {
			continue
		}
		req.Attachments = append(req.Attachments, sendAttachment{
			Name:        att.Name,
			Content:     base64.StdEncoding.EncodeToString(att.Content),
			ContentType: att.Mime,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return channel.SendResult{}, channel.ParseErrorf("encode send request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/email", bytes.NewReader(body))
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Postmark-Server-Token", a.token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("postmark request: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return channel.SendResult{}, channel.HTTPSendError(resp.StatusCode, respBody)
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return channel.SendResult{}, channel.ParseErrorf("decode send response: %v", err)
	}
	if parsed.ErrorCode != 0 {
		return channel.SendResult{
			Error: parsed.Message,
		}, channel.SendErrorf("postmark error %d: %s", parsed.ErrorCode, parsed.Message)
	}

	submitted, err := time.Parse(time.RFC3339, parsed.SubmittedAt)
	if err != nil {
		submitted = time.Now().UTC()
	}
	a.log.Info("sent email",
		slog.String("to", req.To),
		slog.String("message_id", parsed.MessageID))
	return channel.SendResult{
		Success:     true,
		MessageID:   parsed.MessageID,
		SubmittedAt: submitted,
	}, nil
}

func angleWrap(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
