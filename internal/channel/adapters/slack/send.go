package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

const defaultAPIBase = "https://slack.com/api"

// TokenSource resolves the bot token for a workspace. Installations created
// through the OAuth flow resolve per team; a static env token resolves every
// team to the same value.
type TokenSource interface {
	BotToken(teamID string) (string, error)
}

// StaticToken is a TokenSource returning one fixed token.
type StaticToken string

// BotToken returns the static token for any team.
func (t StaticToken) BotToken(string) (string, error) {
	if t == "" {
		return "", channel.ConfigErrorf("SLACK_BOT_TOKEN not set")
	}
	return string(t), nil
}

// OutboundAdapter sends messages via chat.postMessage.
type OutboundAdapter struct {
	tokens  TokenSource
	apiBase string
	client  *http.Client
	log     *slog.Logger
}

// NewOutboundAdapter builds the sender. apiBase may be empty for the public
// Slack API.
func NewOutboundAdapter(tokens TokenSource, apiBase string, log *slog.Logger) *OutboundAdapter {
	if log == nil {
		log = slog.Default()
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &OutboundAdapter{
		tokens:  tokens,
		apiBase: apiBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With(slog.String("adapter", "slack")),
	}
}

// Channel returns channel.Slack.
func (a *OutboundAdapter) Channel() channel.Channel { return channel.Slack }

type postMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

// Send posts msg to its Slack channel, threading on InReplyTo when set.
func (a *OutboundAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	channelID := msg.Metadata.SlackChannelID
	if channelID == "" && len(msg.To) > 0 {
		channelID = msg.To[0]
	}
	if channelID == "" {
		return channel.SendResult{}, channel.ConfigErrorf("slack send has no channel id")
	}
	token, err := a.tokens.BotToken(msg.Metadata.SlackTeamID)
	if err != nil {
		return channel.SendResult{}, err
	}

	body, err := json.Marshal(postMessageRequest{
		Channel:  channelID,
		Text:     msg.TextBody,
		ThreadTS: msg.InReplyTo,
	})
	if err != nil {
		return channel.SendResult{}, channel.ParseErrorf("encode post message: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("slack request: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return channel.SendResult{}, channel.HTTPSendError(resp.StatusCode, respBody)
	}

	var parsed postMessageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return channel.SendResult{}, channel.ParseErrorf("decode post message response: %v", err)
	}
	if !parsed.OK {
		return channel.SendResult{Error: parsed.Error}, channel.SendErrorf("slack API error: %s", parsed.Error)
	}

	a.log.Info("sent slack message",
		slog.String("channel", channelID),
		slog.String("ts", parsed.TS))
	return channel.SendResult{
		Success:     true,
		MessageID:   parsed.TS,
		SubmittedAt: time.Now().UTC(),
	}, nil
}
