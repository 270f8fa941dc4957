// Package gateway is the inbound HTTP edge: it terminates provider webhooks,
// verifies their signatures, resolves which employee a message is for, and
// enqueues an envelope on the durable ingestion queue. Background ingress
// that has no webhook (Google Docs comments, the Discord gateway socket)
// lives here too.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/bluebubbles"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/email"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/slack"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/sms"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/telegram"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/directory"
	"github.com/dowhiz/dowhiz/internal/ingest"
	"github.com/dowhiz/dowhiz/internal/outbound"
)

type statusResponse struct {
	Status string `json:"status"`
}

// Deps are the gateway server's collaborators.
type Deps struct {
	Router    *Router
	Queue     ingest.Queue
	Directory *directory.Directory
	Bots      *channel.BotIdentitySet
	Installs  *outbound.InstallStore
	Log       *slog.Logger
}

// Server is the webhook ingestion HTTP server.
type Server struct {
	echo    *echo.Echo
	addr    string
	maxBody int64

	router    *Router
	queue     ingest.Queue
	directory *directory.Directory
	installs  *outbound.InstallStore
	log       *slog.Logger

	emailIn       *email.InboundAdapter
	slackIn       *slack.InboundAdapter
	smsIn         *sms.InboundAdapter
	bluebubblesIn *bluebubbles.InboundAdapter
	telegramIn    *telegram.InboundAdapter

	slackOAuth slackOAuthConfig
}

// New builds the server and registers its routes.
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "gateway"))

	s := &Server{
		addr:          cfg.Server.Addr(),
		maxBody:       config.MaxBodyBytes(),
		router:        deps.Router,
		queue:         deps.Queue,
		directory:     deps.Directory,
		installs:      deps.Installs,
		log:           log,
		emailIn:       email.NewInboundAdapter(deps.Bots),
		slackIn:       slack.NewInboundAdapter(deps.Bots),
		smsIn:         sms.NewInboundAdapter(deps.Bots),
		bluebubblesIn: bluebubbles.NewInboundAdapter(deps.Bots),
		telegramIn:    telegram.NewInboundAdapter(deps.Bots),
		slackOAuth:    slackOAuthFromEnv(),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)
	e.POST("/postmark/inbound", s.handlePostmark)
	e.POST("/slack/events", s.handleSlack)
	e.POST("/bluebubbles/webhook", s.handleBlueBubbles)
	e.POST("/telegram/webhook", s.handleTelegram)
	e.POST("/sms/twilio", s.handleSMS)
	e.GET("/slack/install", s.handleSlackInstall)
	e.GET("/slack/oauth/callback", s.handleSlackOAuthCallback)

	s.echo = e
	return s
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start runs the listener until Shutdown.
func (s *Server) Start() error { return s.echo.Start(s.addr) }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// readBody reads the request body up to the configured cap.
func (s *Server) readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, s.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > s.maxBody {
		return nil, errors.New("too_large")
	}
	return body, nil
}

func (s *Server) handlePostmark(c echo.Context) error {
	body, err := s.readBody(c)
	if err != nil {
		return c.JSON(http.StatusRequestEntityTooLarge, statusResponse{Status: "too_large"})
	}
	if err := VerifyPostmark(c.Request().Header); err != nil {
		return c.JSON(http.StatusUnauthorized, statusResponse{Status: err.Error()})
	}

	payload, err := email.DecodePayload(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, statusResponse{Status: "bad_json"})
	}
	address := s.serviceAddress(payload)
	if address == "" {
		s.log.Info("no service address in inbound email")
		return c.JSON(http.StatusOK, statusResponse{Status: "no_route"})
	}
	target, ok := s.router.Resolve(channel.Email, address)
	if !ok {
		s.log.Info("no route for email address", slog.String("address", address))
		return c.JSON(http.StatusOK, statusResponse{Status: "no_route"})
	}

	msg, err := s.emailIn.Parse(body)
	if errors.Is(err, channel.ErrIgnored) {
		return c.JSON(http.StatusOK, statusResponse{Status: "ignored"})
	}
	if err != nil {
		s.log.Warn("failed to parse inbound email", slog.Any("error", err))
		return c.JSON(http.StatusBadRequest, statusResponse{Status: "parse_error"})
	}

	externalID := email.NormalizeMessageID(payload.Header("Message-ID"))
	if externalID == "" {
		externalID = strings.TrimSpace(payload.MessageID)
	}
	return s.enqueue(c, target, msg, externalID)
}

// serviceAddress picks the employee-facing address the email arrived on:
// the first recipient candidate the directory knows, falling back to the
// first candidate so wildcard and default routes still apply.
func (s *Server) serviceAddress(payload *email.InboundPayload) string {
	candidates := email.ServiceAddressCandidates(payload)
	if len(candidates) == 0 {
		return ""
	}
	if s.directory != nil {
		for _, candidate := range candidates {
			if _, ok := s.directory.ByAddress(candidate); ok {
				return candidate
			}
		}
	}
	return candidates[0]
}

func (s *Server) handleSlack(c echo.Context) error {
	body, err := s.readBody(c)
	if err != nil {
		return c.JSON(http.StatusRequestEntityTooLarge, statusResponse{Status: "too_large"})
	}
	if challenge, ok := slack.IsURLVerification(body); ok {
		return c.JSON(http.StatusOK, map[string]string{"challenge": challenge})
	}
	if err := VerifySlack(c.Request().Header, body); err != nil {
		return c.JSON(http.StatusUnauthorized, statusResponse{Status: err.Error()})
	}

	var envelope slack.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return c.JSON(http.StatusBadRequest, statusResponse{Status: "bad_json"})
	}
	if envelope.TeamID == "" {
		return c.JSON(http.StatusOK, statusResponse{Status: "no_route"})
	}
	target, ok := s.router.Resolve(channel.Slack, envelope.TeamID)
	if !ok {
		s.log.Info("no route for slack team", slog.String("team_id", envelope.TeamID))
		return c.JSON(http.StatusOK, statusResponse{Status: "no_route"})
	}

	msg, err := s.slackIn.Parse(body)
	if err != nil {
		if !errors.Is(err, channel.ErrIgnored) {
			s.log.Warn("failed to parse slack event", slog.Any("error", err))
		}
		return c.JSON(http.StatusOK, statusResponse{Status: "ignored"})
	}
	return s.enqueue(c, target, msg, envelope.EventID)
}

func (s *Server) handleBlueBubbles(c echo.Context) error {
	body, err := s.readBody(c)
	if err != nil {
		return c.JSON(http.StatusRequestEntityTooLarge, statusResponse{Status: "too_large"})
	}
	if err := VerifyBlueBubbles(c.Request().Header); err != nil {
		return c.JSON(http.StatusUnauthorized, statusResponse{Status: err.Error()})
	}

	msg, err := s.bluebubblesIn.Parse(body)
	if err != nil {
		if !errors.Is(err, channel.ErrIgnored) {
			s.log.Debug("ignoring bluebubbles event", slog.Any("error", err))
		}
		return c.JSON(http.StatusOK, statusResponse{Status: "ignored"})
	}

	chatGUID := msg.Metadata.BlueBubblesChatGUID
	target, ok := s.router.Resolve(channel.BlueBubbles, chatGUID)
	if !ok {
		s.log.Info("no route for bluebubbles chat", slog.String("chat_guid", chatGUID))
		return c.JSON(http.StatusOK, statusResponse{Status: "no_route"})
	}
	return s.enqueue(c, target, msg, msg.MessageID)
}

func (s *Server) handleTelegram(c echo.Context) error {
	body, err := s.readBody(c)
	if err != nil {
		return c.JSON(http.StatusRequestEntityTooLarge, statusResponse{Status: "too_large"})
	}

	msg, err := s.telegramIn.Parse(body)
	if err != nil {
		if !errors.Is(err, channel.ErrIgnored) {
			s.log.Debug("ignoring telegram update", slog.Any("error", err))
		}
		return c.JSON(http.StatusOK, statusResponse{Status: "ignored"})
	}

	chatID := msg.Metadata.TelegramChatID
	target, ok := s.router.Resolve(channel.Telegram, chatID)
	if !ok {
		s.log.Info("no route for telegram chat", slog.String("chat_id", chatID))
		return c.JSON(http.StatusOK, statusResponse{Status: "no_route"})
	}
	return s.enqueue(c, target, msg, msg.MessageID)
}

func (s *Server) handleSMS(c echo.Context) error {
	body, err := s.readBody(c)
	if err != nil {
		return c.JSON(http.StatusRequestEntityTooLarge, statusResponse{Status: "too_large"})
	}
	if err := VerifyTwilio(c.Request().Header, body); err != nil {
		return c.JSON(http.StatusUnauthorized, statusResponse{Status: err.Error()})
	}

	msg, err := s.smsIn.Parse(body)
	if errors.Is(err, channel.ErrIgnored) {
		return c.JSON(http.StatusOK, statusResponse{Status: "ignored"})
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, statusResponse{Status: "missing_fields"})
	}

	target, ok := s.router.Resolve(channel.SMS, msg.Metadata.SMSTo)
	if !ok {
		s.log.Info("no route for sms number", slog.String("to", msg.Metadata.SMSTo))
		return c.JSON(http.StatusOK, statusResponse{Status: "no_route"})
	}
	return s.enqueue(c, target, msg, msg.MessageID)
}

// enqueue builds the ingestion envelope and inserts it, reporting duplicate
// deliveries as such.
func (s *Server) enqueue(c echo.Context, target Target, msg *channel.InboundMessage, externalID string) error {
	env := ingest.NewEnvelope(target.TenantID, target.EmployeeID, msg, externalID)
	inserted, err := s.queue.Enqueue(c.Request().Context(), env)
	if err != nil {
		s.log.Error("enqueue failed", slog.Any("error", err))
		return c.JSON(http.StatusBadGateway, statusResponse{Status: "enqueue_failed"})
	}
	if !inserted {
		return c.JSON(http.StatusOK, statusResponse{Status: "duplicate"})
	}
	s.log.Info("enqueued inbound message",
		slog.String("channel", msg.Channel.String()),
		slog.String("employee_id", target.EmployeeID),
		slog.String("envelope_id", env.ID))
	return c.JSON(http.StatusOK, statusResponse{Status: "accepted"})
}
