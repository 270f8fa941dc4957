// Package channel defines the canonical inbound/outbound message model shared
// by every messaging platform the service speaks, plus the adapter interfaces
// and registry used to dispatch on a channel at runtime.
package channel

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Channel identifies a messaging platform.
type Channel string

const (
	Email       Channel = "email"
	Slack       Channel = "slack"
	Discord     Channel = "discord"
	SMS         Channel = "sms"
	BlueBubbles Channel = "bluebubbles"
	Telegram    Channel = "telegram"
	GoogleDocs  Channel = "google_docs"
)

// String returns the channel as a plain string.
func (c Channel) String() string { return string(c) }

// Parse normalizes a raw channel name. Unknown names are returned as-is so
// callers can decide whether to reject them.
func Parse(raw string) Channel {
	return Channel(strings.ToLower(strings.TrimSpace(raw)))
}

// Known reports whether c is one of the supported channels.
func (c Channel) Known() bool {
	switch c {
	case Email, Slack, Discord, SMS, BlueBubbles, Telegram, GoogleDocs:
		return true
	}
	return false
}

// Attachment is a binary file carried by a message. Either Content or Ref is
// set; Ref points at a provider-side resource the outbound side can fetch.
type Attachment struct {
	Name    string `json:"name"`
	Mime    string `json:"mime,omitempty"`
	Content []byte `json:"content,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// Metadata carries the channel-specific fields of an inbound message. Only the
// fields for the message's channel are populated.
type Metadata struct {
	SlackChannelID      string `json:"slack_channel_id,omitempty"`
	SlackTeamID         string `json:"slack_team_id,omitempty"`
	DiscordChannelID    string `json:"discord_channel_id,omitempty"`
	DiscordGuildID      string `json:"discord_guild_id,omitempty"`
	BlueBubblesChatGUID string `json:"bluebubbles_chat_guid,omitempty"`
	TelegramChatID      string `json:"telegram_chat_id,omitempty"`
	GoogleDocsDocumentID   string `json:"google_docs_document_id,omitempty"`
	GoogleDocsCommentID    string `json:"google_docs_comment_id,omitempty"`
	GoogleDocsDocumentName string `json:"google_docs_document_name,omitempty"`
	SMSFrom             string `json:"sms_from,omitempty"`
	SMSTo               string `json:"sms_to,omitempty"`
}

// InboundMessage is the canonical record every inbound adapter produces.
type InboundMessage struct {
	Channel     Channel      `json:"channel"`
	Sender      string       `json:"sender"`
	SenderName  string       `json:"sender_name,omitempty"`
	Recipient   string       `json:"recipient"`
	Subject     string       `json:"subject,omitempty"`
	TextBody    string       `json:"text_body,omitempty"`
	HTMLBody    string       `json:"html_body,omitempty"`
	ThreadID    string       `json:"thread_id"`
	MessageID   string       `json:"message_id,omitempty"`
	References  string       `json:"references,omitempty"`
	ReplyTo     []string     `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Metadata    Metadata     `json:"metadata"`
	RawPayload  []byte       `json:"-"`
}

// OutboundMessage is the canonical record handed to outbound adapters.
type OutboundMessage struct {
	Channel     Channel      `json:"channel"`
	From        string       `json:"from,omitempty"`
	To          []string     `json:"to"`
	CC          []string     `json:"cc,omitempty"`
	BCC         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject,omitempty"`
	TextBody    string       `json:"text_body,omitempty"`
	HTMLBody    string       `json:"html_body,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  string       `json:"references,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Metadata    Metadata     `json:"metadata"`
}

// SendResult reports the outcome of an outbound send.
type SendResult struct {
	Success     bool      `json:"success"`
	MessageID   string    `json:"message_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	Error       string    `json:"error,omitempty"`
}

// RawHash returns the md5 hex digest of a raw provider payload, used as a
// thread/dedupe fallback when no channel-native id exists.
func RawHash(raw []byte) string {
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// ThreadHash returns the workspace-directory component for a thread key.
func ThreadHash(threadKey string) string {
	sum := md5.Sum([]byte(threadKey))
	return hex.EncodeToString(sum[:])
}
