package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/discord"
	"github.com/dowhiz/dowhiz/internal/ingest"
)

// DiscordIngress listens on the Discord gateway socket and enqueues messages
// that address the bot. Webhooks do not exist for Discord, so this is the
// one channel ingested over a persistent connection.
type DiscordIngress struct {
	session   *discordgo.Session
	adapter   *discord.InboundAdapter
	queue     ingest.Queue
	router    *Router
	botUserID string
	log       *slog.Logger
}

// NewDiscordIngress wires the ingress from the environment. It returns
// (nil, nil) when DISCORD_BOT_TOKEN is unset.
func NewDiscordIngress(queue ingest.Queue, router *Router, bots *channel.BotIdentitySet, log *slog.Logger) (*DiscordIngress, error) {
	token := strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN"))
	if token == "" {
		return nil, nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	if log == nil {
		log = slog.Default()
	}
	botUserID := strings.TrimSpace(os.Getenv("DISCORD_BOT_USER_ID"))
	if botUserID != "" && bots != nil {
		bots.Add(botUserID)
	}
	return &DiscordIngress{
		session:   session,
		adapter:   discord.NewInboundAdapter(bots),
		queue:     queue,
		router:    router,
		botUserID: botUserID,
		log:       log.With(slog.String("component", "discord_ingress")),
	}, nil
}

// Start opens the gateway connection and registers the message handler.
func (d *DiscordIngress) Start(ctx context.Context) error {
	d.session.AddHandler(func(_ *discordgo.Session, event *discordgo.MessageCreate) {
		d.handleMessage(ctx, event.Message)
	})
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	if d.botUserID == "" && d.session.State != nil && d.session.State.User != nil {
		d.botUserID = d.session.State.User.ID
	}
	d.log.Info("discord ingress connected")
	return nil
}

// Close tears down the gateway connection.
func (d *DiscordIngress) Close() error { return d.session.Close() }

func (d *DiscordIngress) handleMessage(ctx context.Context, message *discordgo.Message) {
	if message == nil || message.Author == nil || message.Author.Bot {
		return
	}
	if !d.addressed(message) {
		return
	}

	msg, err := d.adapter.FromMessage(message)
	if err != nil {
		if !errors.Is(err, channel.ErrIgnored) {
			d.log.Warn("failed to convert discord message", slog.Any("error", err))
		}
		return
	}

	key := message.GuildID
	if key == "" {
		key = "dm"
	}
	target, ok := d.router.Resolve(channel.Discord, key)
	if !ok {
		d.log.Info("no route for discord message", slog.String("key", key))
		return
	}

	env := ingest.NewEnvelope(target.TenantID, target.EmployeeID, msg, message.ID)
	inserted, err := d.queue.Enqueue(ctx, env)
	if err != nil {
		d.log.Error("failed to enqueue discord message", slog.Any("error", err))
		return
	}
	if inserted {
		d.log.Info("enqueued discord message",
			slog.String("message_id", message.ID),
			slog.String("employee_id", target.EmployeeID))
	}
}

// addressed reports whether the message requires the bot's attention: a DM,
// an explicit mention, or a reply to one of the bot's messages.
func (d *DiscordIngress) addressed(message *discordgo.Message) bool {
	if message.GuildID == "" {
		return true
	}
	for _, user := range message.Mentions {
		if user != nil && user.ID == d.botUserID && d.botUserID != "" {
			return true
		}
	}
	ref := message.ReferencedMessage
	if ref != nil && ref.Author != nil && ref.Author.ID == d.botUserID && d.botUserID != "" {
		return true
	}
	return false
}
