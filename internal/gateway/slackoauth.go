package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dowhiz/dowhiz/internal/outbound"
)

const defaultSlackScopes = "app_mentions:read,chat:write,channels:history,groups:history,im:history,im:read,im:write,users:read"

// slackOAuthConfig holds the Slack app credentials for the OAuth v2 install
// flow. APIBase is overridable for tests.
type slackOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       string
	APIBase      string
}

func slackOAuthFromEnv() slackOAuthConfig {
	scopes := strings.TrimSpace(os.Getenv("SLACK_OAUTH_SCOPES"))
	if scopes == "" {
		scopes = defaultSlackScopes
	}
	return slackOAuthConfig{
		ClientID:     strings.TrimSpace(os.Getenv("SLACK_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("SLACK_CLIENT_SECRET")),
		RedirectURL:  strings.TrimSpace(os.Getenv("SLACK_REDIRECT_URI")),
		Scopes:       scopes,
		APIBase:      "https://slack.com/api",
	}
}

// oauthAccessResponse is the subset of oauth.v2.access we use.
type oauthAccessResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	AccessToken string `json:"access_token"`
	BotUserID   string `json:"bot_user_id"`
	Team        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
}

func (s *Server) handleSlackInstall(c echo.Context) error {
	if s.slackOAuth.ClientID == "" {
		return c.JSON(http.StatusServiceUnavailable, statusResponse{Status: "slack_oauth_not_configured"})
	}
	query := url.Values{}
	query.Set("client_id", s.slackOAuth.ClientID)
	query.Set("scope", s.slackOAuth.Scopes)
	if s.slackOAuth.RedirectURL != "" {
		query.Set("redirect_uri", s.slackOAuth.RedirectURL)
	}
	return c.Redirect(http.StatusFound, "https://slack.com/oauth/v2/authorize?"+query.Encode())
}

func (s *Server) handleSlackOAuthCallback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return c.JSON(http.StatusBadRequest, statusResponse{Status: "missing_code"})
	}
	if s.slackOAuth.ClientID == "" || s.slackOAuth.ClientSecret == "" {
		return c.JSON(http.StatusServiceUnavailable, statusResponse{Status: "slack_oauth_not_configured"})
	}
	if s.installs == nil {
		return c.JSON(http.StatusServiceUnavailable, statusResponse{Status: "install_store_unavailable"})
	}

	access, err := s.exchangeSlackCode(code)
	if err != nil {
		s.log.Error("slack oauth exchange failed", slog.Any("error", err))
		return c.JSON(http.StatusBadGateway, statusResponse{Status: "oauth_exchange_failed"})
	}
	if err := s.installs.Upsert(outbound.Installation{
		TeamID:    access.Team.ID,
		TeamName:  access.Team.Name,
		BotToken:  access.AccessToken,
		BotUserID: access.BotUserID,
	}); err != nil {
		s.log.Error("failed to store slack installation", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, statusResponse{Status: "install_store_failed"})
	}
	s.log.Info("slack workspace installed",
		slog.String("team_id", access.Team.ID),
		slog.String("team_name", access.Team.Name))

	return c.HTML(http.StatusOK, fmt.Sprintf(
		"<html><body><h1>Installed</h1><p>Connected to %s. You can close this window.</p></body></html>",
		htmlEscape(access.Team.Name)))
}

func (s *Server) exchangeSlackCode(code string) (*oauthAccessResponse, error) {
	form := url.Values{}
	form.Set("client_id", s.slackOAuth.ClientID)
	form.Set("client_secret", s.slackOAuth.ClientSecret)
	form.Set("code", code)
	if s.slackOAuth.RedirectURL != "" {
		form.Set("redirect_uri", s.slackOAuth.RedirectURL)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.PostForm(s.slackOAuth.APIBase+"/oauth.v2.access", form)
	if err != nil {
		return nil, fmt.Errorf("oauth.v2.access: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read oauth response: %w", err)
	}

	var access oauthAccessResponse
	if err := json.Unmarshal(body, &access); err != nil {
		return nil, fmt.Errorf("decode oauth response: %w", err)
	}
	if !access.OK {
		return nil, fmt.Errorf("slack rejected oauth exchange: %s", access.Error)
	}
	if access.Team.ID == "" || access.AccessToken == "" {
		return nil, fmt.Errorf("oauth response missing team or token")
	}
	return &access, nil
}

func htmlEscape(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return replacer.Replace(s)
}
