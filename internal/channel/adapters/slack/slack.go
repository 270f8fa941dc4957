// Package slack adapts Slack Events API payloads and chat.postMessage to the
// canonical message model.
package slack

import (
	"encoding/json"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Event is the inner event of an Events API callback.
type Event struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	Channel  string `json:"channel"`
}

// Envelope is the Events API outer payload.
type Envelope struct {
	Token     string `json:"token"`
	TeamID    string `json:"team_id"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	EventID   string `json:"event_id"`
	Event     Event  `json:"event"`
}

// IsURLVerification reports whether raw is the Events API handshake and
// returns its challenge string.
func IsURLVerification(raw []byte) (string, bool) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", false
	}
	if envelope.Type != "url_verification" {
		return "", false
	}
	return envelope.Challenge, true
}

// InboundAdapter parses Events API callbacks.
type InboundAdapter struct {
	bots *channel.BotIdentitySet
}

// NewInboundAdapter builds the inbound Slack adapter. bots holds the bot user
// ids whose own messages must be dropped.
func NewInboundAdapter(bots *channel.BotIdentitySet) *InboundAdapter {
	return &InboundAdapter{bots: bots}
}

// Channel returns channel.Slack.
func (a *InboundAdapter) Channel() channel.Channel { return channel.Slack }

// Parse converts an event callback into the canonical record. Bot echoes,
// edits and non-message events are ignored.
func (a *InboundAdapter) Parse(raw []byte) (*channel.InboundMessage, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, channel.ParseErrorf("decode slack payload: %v", err)
	}
	if envelope.Type == "url_verification" {
		return nil, channel.Ignored("url verification handshake")
	}

	event := envelope.Event
	if event.Type != "message" && event.Type != "app_mention" {
		return nil, channel.Ignored("event type " + event.Type)
	}
	if event.BotID != "" || event.Subtype == "bot_message" {
		return nil, channel.Ignored("bot message")
	}
	if event.Subtype != "" {
		return nil, channel.Ignored("message subtype " + event.Subtype)
	}
	if a.bots.Contains(event.User) {
		return nil, channel.Ignored("message from own bot user " + event.User)
	}
	if strings.TrimSpace(event.Text) == "" {
		return nil, channel.Ignored("empty message text")
	}

	threadID := event.ThreadTS
	if threadID == "" {
		threadID = event.TS
	}

	return &channel.InboundMessage{
		Channel:   channel.Slack,
		Sender:    event.User,
		Recipient: event.Channel,
		TextBody:  event.Text,
		ThreadID:  threadID,
		MessageID: event.TS,
		ReplyTo:   []string{event.Channel},
		Metadata: channel.Metadata{
			SlackChannelID: event.Channel,
			SlackTeamID:    envelope.TeamID,
		},
		RawPayload: raw,
	}, nil
}
