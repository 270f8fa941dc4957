// Package discord adapts Discord gateway messages and the channel message
// API to the canonical message model.
package discord

import (
	"encoding/json"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// InboundAdapter converts Discord messages into canonical records.
type InboundAdapter struct {
	bots *channel.BotIdentitySet
}

// NewInboundAdapter builds the inbound adapter. bots holds our own bot user
// ids.
func NewInboundAdapter(bots *channel.BotIdentitySet) *InboundAdapter {
	return &InboundAdapter{bots: bots}
}

// Channel returns channel.Discord.
func (a *InboundAdapter) Channel() channel.Channel { return channel.Discord }

// Parse decodes a serialized discordgo.Message, as stored by the gateway
// client.
func (a *InboundAdapter) Parse(raw []byte) (*channel.InboundMessage, error) {
	var message discordgo.Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return nil, channel.ParseErrorf("decode discord message: %v", err)
	}
	return a.convert(&message, raw)
}

// FromMessage converts a live gateway message. The raw payload is
// re-serialized for archival.
func (a *InboundAdapter) FromMessage(message *discordgo.Message) (*channel.InboundMessage, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, channel.ParseErrorf("encode discord message: %v", err)
	}
	return a.convert(message, raw)
}

func (a *InboundAdapter) convert(message *discordgo.Message, raw []byte) (*channel.InboundMessage, error) {
	author := message.Author
	if author == nil {
		return nil, channel.ParseErrorf("discord message has no author")
	}
	if author.Bot || a.bots.Contains(author.ID) {
		return nil, channel.Ignored("message from bot " + author.ID)
	}

	var attachments []channel.Attachment
	for _, att := range message.Attachments {
		attachments = append(attachments, channel.Attachment{
			Name: att.Filename,
			Mime: att.ContentType,
			Ref:  att.URL,
		})
	}
	if strings.TrimSpace(message.Content) == "" && len(attachments) == 0 {
		return nil, channel.Ignored("empty message")
	}

	// Replies join the referenced message's thread; everything else starts
	// a thread keyed by its own id.
	threadID := message.ID
	if ref := message.ReferencedMessage; ref != nil && ref.ID != "" {
		threadID = ref.ID
	} else if ref := message.MessageReference; ref != nil && ref.MessageID != "" {
		threadID = ref.MessageID
	}

	return &channel.InboundMessage{
		Channel:     channel.Discord,
		Sender:      author.ID,
		SenderName:  author.Username,
		Recipient:   message.ChannelID,
		TextBody:    message.Content,
		ThreadID:    threadID,
		MessageID:   message.ID,
		ReplyTo:     []string{message.ChannelID},
		Attachments: attachments,
		Metadata: channel.Metadata{
			DiscordChannelID: message.ChannelID,
			DiscordGuildID:   message.GuildID,
		},
		RawPayload: raw,
	}, nil
}
