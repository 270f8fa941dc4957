// Package sms adapts Twilio webhook form payloads and the Messages API to
// the canonical message model.
package sms

import (
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

	"github.com/dowhiz/dowhiz/internal/channel"
)

const defaultAPIBase = "https://api.twilio.com"

// NormalizePhone reduces a phone number to `+` and digits so the same number
// always yields the same thread key.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ThreadKey builds the conversation key for a (service number, peer) pair.
func ThreadKey(to, from string) string {
	return fmt.Sprintf("sms:%s:%s", NormalizePhone(to), NormalizePhone(from))
}

// InboundAdapter parses Twilio inbound webhook form bodies.
type InboundAdapter struct {
	bots *channel.BotIdentitySet
}

// NewInboundAdapter builds the inbound SMS adapter.
func NewInboundAdapter(bots *channel.BotIdentitySet) *InboundAdapter {
	return &InboundAdapter{bots: bots}
}

// Channel returns channel.SMS.
func (a *InboundAdapter) Channel() channel.Channel { return channel.SMS }

// Parse decodes a form-encoded Twilio webhook body.
func (a *InboundAdapter) Parse(raw []byte) (*channel.InboundMessage, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, channel.ParseErrorf("decode twilio form: %v", err)
	}

	from := strings.TrimSpace(form.Get("From"))
	to := strings.TrimSpace(form.Get("To"))
	body := form.Get("Body")
	if from == "" || to == "" {
		return nil, channel.ParseErrorf("twilio payload missing From or To")
	}
	if a.bots.Contains(NormalizePhone(from)) {
		return nil, channel.Ignored("message from own number " + from)
	}
	if strings.TrimSpace(body) == "" {
		return nil, channel.Ignored("empty message body")
	}

	return &channel.InboundMessage{
		Channel:   channel.SMS,
		Sender:    NormalizePhone(from),
		Recipient: NormalizePhone(to),
		TextBody:  body,
		ThreadID:  ThreadKey(to, from),
		MessageID: form.Get("MessageSid"),
		ReplyTo:   []string{NormalizePhone(from)},
		Metadata: channel.Metadata{
			SMSFrom: NormalizePhone(from),
			SMSTo:   NormalizePhone(to),
		},
		RawPayload: raw,
	}, nil
}

// OutboundAdapter sends SMS through the Twilio Messages endpoint.
type OutboundAdapter struct {
	accountSID string
	authToken  string
	apiBase    string
	client     *http.Client
	log        *slog.Logger
}

// NewOutboundAdapter builds the sender. Credentials fall back to
// TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN, the base URL to
// TWILIO_API_BASE_URL.
func NewOutboundAdapter(accountSID, authToken, apiBase string, log *slog.Logger) *OutboundAdapter {
	if log == nil {
		log = slog.Default()
	}
	if accountSID == "" {
		accountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	}
	if authToken == "" {
		authToken = strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN"))
	}
	if apiBase == "" {
		apiBase = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &OutboundAdapter{
		accountSID: accountSID,
		authToken:  authToken,
		apiBase:    strings.TrimRight(apiBase, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        log.With(slog.String("adapter", "sms")),
	}
}

// Channel returns channel.SMS.
func (a *OutboundAdapter) Channel() channel.Channel { return channel.SMS }

// Send posts a form-encoded message request with Basic auth.
func (a *OutboundAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if a.accountSID == "" || a.authToken == "" {
		return channel.SendResult{}, channel.ConfigErrorf("TWILIO_ACCOUNT_SID or TWILIO_AUTH_TOKEN not set")
	}
	if msg.From == "" {
		return channel.SendResult{}, channel.ConfigErrorf("sms send has no from number")
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, channel.ConfigErrorf("sms send has no to number")
	}

	form := url.Values{}
	form.Set("To", msg.To[0])
	form.Set("From", msg.From)
	form.Set("Body", strings.TrimSpace(msg.TextBody))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", a.apiBase, a.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("twilio request: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return channel.SendResult{}, channel.HTTPSendError(resp.StatusCode, respBody)
	}

	var parsed struct {
		SID string `json:"sid"`
	}
	_ = json.Unmarshal(respBody, &parsed)

	a.log.Info("sent sms",
		slog.String("to", msg.To[0]),
		slog.String("sid", parsed.SID))
	return channel.SendResult{
		Success:     true,
		MessageID:   parsed.SID,
		SubmittedAt: time.Now().UTC(),
	}, nil
}
