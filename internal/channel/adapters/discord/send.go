package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Session is the slice of discordgo.Session the sender needs.
type Session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// OutboundAdapter sends messages through a Discord bot session.
type OutboundAdapter struct {
	session Session
	log     *slog.Logger
}

// NewOutboundAdapter builds the sender around an open bot session.
func NewOutboundAdapter(session Session, log *slog.Logger) *OutboundAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &OutboundAdapter{
		session: session,
		log:     log.With(slog.String("adapter", "discord")),
	}
}

// Channel returns channel.Discord.
func (a *OutboundAdapter) Channel() channel.Channel { return channel.Discord }

// Send posts msg to its channel, attaching a message reference when
// InReplyTo names the message being answered.
func (a *OutboundAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if a.session == nil {
		return channel.SendResult{}, channel.ConfigErrorf("discord session not configured")
	}
	channelID := msg.Metadata.DiscordChannelID
	if channelID == "" && len(msg.To) > 0 {
		channelID = msg.To[0]
	}
	if channelID == "" {
		return channel.SendResult{}, channel.ConfigErrorf("discord send has no channel id")
	}

	data := &discordgo.MessageSend{Content: msg.TextBody}
	if msg.InReplyTo != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: msg.InReplyTo,
			ChannelID: channelID,
		}
	}

	sent, err := a.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return channel.SendResult{}, channel.SendErrorf("discord send: %v", err)
	}

	a.log.Info("sent discord message",
		slog.String("channel_id", channelID),
		slog.String("message_id", sent.ID))
	return channel.SendResult{
		Success:     true,
		MessageID:   sent.ID,
		SubmittedAt: time.Now().UTC(),
	}, nil
}
