// Package email adapts Postmark inbound webhooks and the Postmark send API
// to the canonical message model.
package email

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Address is a structured Postmark address.
type Address struct {
	Email string `json:"Email"`
	Name  string `json:"Name"`
}

// Header is one entry of the inbound payload's Headers list.
type Header struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// InboundAttachment is a base64-encoded file on the inbound payload.
type InboundAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

// InboundPayload is the Postmark inbound webhook body.
type InboundPayload struct {
	From              string              `json:"From"`
	FromFull          Address             `json:"FromFull"`
	To                string              `json:"To"`
	ToFull            []Address           `json:"ToFull"`
	Cc                string              `json:"Cc"`
	CcFull            []Address           `json:"CcFull"`
	Bcc               string              `json:"Bcc"`
	BccFull           []Address           `json:"BccFull"`
	ReplyTo           string              `json:"ReplyTo"`
	Subject           string              `json:"Subject"`
	TextBody          string              `json:"TextBody"`
	StrippedTextReply string              `json:"StrippedTextReply"`
	HTMLBody          string              `json:"HtmlBody"`
	MessageID         string              `json:"MessageID"`
	Headers           []Header            `json:"Headers"`
	Attachments       []InboundAttachment `json:"Attachments"`
}

// Header returns the first header value matching name, case-insensitively.
func (p *InboundPayload) Header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// forwardingHeaders are the headers checked, in order, for the address the
// provider actually delivered to. Forwarded mail often carries the service
// address only here, not in To.
var forwardingHeaders = []string{
	"X-Original-To",
	"Delivered-To",
	"Envelope-To",
	"X-Envelope-To",
	"X-Forwarded-To",
	"X-Original-Recipient",
	"Original-Recipient",
}

// InboundAdapter parses Postmark inbound webhook payloads.
type InboundAdapter struct {
	bots *channel.BotIdentitySet
}

// NewInboundAdapter builds the inbound email adapter. bots may be nil.
func NewInboundAdapter(bots *channel.BotIdentitySet) *InboundAdapter {
	return &InboundAdapter{bots: bots}
}

// Channel returns channel.Email.
func (a *InboundAdapter) Channel() channel.Channel { return channel.Email }

// Parse decodes a Postmark inbound payload into the canonical record.
func (a *InboundAdapter) Parse(raw []byte) (*channel.InboundMessage, error) {
	var payload InboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, channel.ParseErrorf("decode postmark payload: %v", err)
	}

	sender := strings.TrimSpace(payload.FromFull.Email)
	if sender == "" {
		sender = strings.TrimSpace(payload.From)
	}
	if a.bots.Contains(sender) {
		return nil, channel.Ignored("message from own address " + sender)
	}

	msg := &channel.InboundMessage{
		Channel:    channel.Email,
		Sender:     sender,
		SenderName: strings.TrimSpace(payload.FromFull.Name),
		Recipient:  firstRecipient(&payload),
		Subject:    payload.Subject,
		TextBody:   payload.TextBody,
		HTMLBody:   payload.HTMLBody,
		ThreadID:   threadID(&payload, raw),
		MessageID:  NormalizeMessageID(payload.MessageID),
		References: payload.Header("References"),
		ReplyTo:    replySet(&payload, sender),
		RawPayload: raw,
	}

	for _, att := range payload.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Name:    att.Name,
			Mime:    att.ContentType,
			Content: content,
		})
	}
	return msg, nil
}

// ServiceAddressCandidates returns every address the payload could have been
// delivered to, in resolution order: To, Cc, then forwarding headers. Used by
// the gateway to match an employee address.
func ServiceAddressCandidates(payload *InboundPayload) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, a := range payload.ToFull {
		add(a.Email)
	}
	for _, part := range strings.Split(payload.To, ",") {
		add(bareAddress(part))
	}
	for _, a := range payload.CcFull {
		add(a.Email)
	}
	for _, part := range strings.Split(payload.Cc, ",") {
		add(bareAddress(part))
	}
	for _, name := range forwardingHeaders {
		add(bareAddress(payload.Header(name)))
	}
	return out
}

// DecodePayload parses the raw webhook body without building a canonical
// message. Used where only the provider fields are needed.
func DecodePayload(raw []byte) (*InboundPayload, error) {
	var payload InboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, channel.ParseErrorf("decode postmark payload: %v", err)
	}
	return &payload, nil
}

// NormalizeMessageID trims whitespace and angle brackets and lowercases a
// Message-ID so equal ids compare equal across providers.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}

// threadID picks the thread key: first id in References, else In-Reply-To,
// else the message's own id, else the payload hash.
func threadID(payload *InboundPayload, raw []byte) string {
	if id := firstMessageID(payload.Header("References")); id != "" {
		return id
	}
	if id := firstMessageID(payload.Header("In-Reply-To")); id != "" {
		return id
	}
	if id := NormalizeMessageID(payload.MessageID); id != "" {
		return id
	}
	return channel.RawHash(raw)
}

func firstMessageID(header string) string {
	for _, token := range strings.Fields(header) {
		if id := NormalizeMessageID(token); id != "" {
			return id
		}
	}
	return ""
}

func replySet(payload *InboundPayload, sender string) []string {
	if rt := bareAddress(payload.ReplyTo); rt != "" {
		return []string{rt}
	}
	if sender != "" {
		return []string{sender}
	}
	return nil
}

func firstRecipient(payload *InboundPayload) string {
	if cands := ServiceAddressCandidates(payload); len(cands) > 0 {
		return cands[0]
	}
	return ""
}

// bareAddress extracts the address from forms like `Name <a@b>` or `a@b`.
func bareAddress(value string) string {
	value = strings.TrimSpace(value)
	if start := strings.LastIndex(value, "<"); start >= 0 {
		if end := strings.Index(value[start:], ">"); end > 0 {
			return strings.TrimSpace(value[start+1 : start+end])
		}
	}
	return value
}
