package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/ingest"
	"github.com/dowhiz/dowhiz/internal/outbound"
)

func clearVerificationEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SLACK_SIGNING_SECRET", "POSTMARK_INBOUND_TOKEN",
		"BLUEBUBBLES_WEBHOOK_TOKEN", "TWILIO_AUTH_TOKEN", "TWILIO_WEBHOOK_URL",
	} {
		t.Setenv(key, "")
	}
}

func newTestServer(t *testing.T, routes []config.Route) (*Server, ingest.Queue) {
	t.Helper()
	clearVerificationEnv(t)

	queue, err := ingest.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), ingest.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	cfg := config.Config{Routes: routes}
	router, err := NewRouter(cfg, nil)
	require.NoError(t, err)

	return New(cfg, Deps{
		Router: router,
		Queue:  queue,
		Bots:   channel.NewBotIdentitySet(),
	}), queue
}

func post(t *testing.T, s *Server, path, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echoContentType, contentType)
	for key, value := range header {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func status(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var parsed statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	return parsed.Status
}

func postmarkBody(messageID string) string {
	return fmt.Sprintf(`{
		"From": "customer@example.com",
		"FromFull": {"Email": "customer@example.com", "Name": "A Customer"},
		"ToFull": [{"Email": "assistant@dowhiz.example"}],
		"Subject": "Quarterly report",
		"TextBody": "Please pull the numbers together.",
		"MessageID": "%s",
		"Headers": [{"Name": "Message-ID", "Value": "<%s>"}]
	}`, messageID, messageID)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestPostmarkAcceptedAndDeduplicated(t *testing.T) {
	s, _ := newTestServer(t, []config.Route{
		{Channel: "email", Key: "assistant@dowhiz.example", EmployeeID: "emp-1"},
	})

	body := postmarkBody("abc-123@mail.example")
	rec := post(t, s, "/postmark/inbound", "application/json", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", status(t, rec))

	rec = post(t, s, "/postmark/inbound", "application/json", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", status(t, rec))
}

func TestPostmarkBadJSON(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := post(t, s, "/postmark/inbound", "application/json", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_json", status(t, rec))
}

func TestPostmarkNoRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := post(t, s, "/postmark/inbound", "application/json", postmarkBody("id-1@mail.example"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no_route", status(t, rec))
}

func TestOversizedBodyRejected(t *testing.T) {
	t.Setenv("GATEWAY_MAX_BODY_BYTES", "64")
	s, _ := newTestServer(t, []config.Route{
		{Channel: "email", Key: "*", EmployeeID: "emp-1"},
	})

	rec := post(t, s, "/postmark/inbound", "application/json", postmarkBody("big-1@mail.example"), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "too_large", status(t, rec))
}

func TestPostmarkTokenVerification(t *testing.T) {
	s, _ := newTestServer(t, []config.Route{
		{Channel: "email", Key: "*", EmployeeID: "emp-1"},
	})
	t.Setenv("POSTMARK_INBOUND_TOKEN", "hunter2")

	rec := post(t, s, "/postmark/inbound", "application/json", postmarkBody("id-2@mail.example"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_token", status(t, rec))

	rec = post(t, s, "/postmark/inbound", "application/json", postmarkBody("id-2@mail.example"),
		map[string]string{"X-Postmark-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", status(t, rec))

	rec = post(t, s, "/postmark/inbound", "application/json", postmarkBody("id-2@mail.example"),
		map[string]string{"X-Postmark-Token": "hunter2"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", status(t, rec))
}

func slackEventBody(eventID, text string) string {
	return fmt.Sprintf(`{
		"team_id": "T123",
		"type": "event_callback",
		"event_id": "%s",
		"event": {"type": "message", "user": "U777", "text": "%s", "ts": "1700000000.000100", "channel": "C42"}
	}`, eventID, text)
}

func TestSlackURLVerificationBypassesSignature(t *testing.T) {
	s, _ := newTestServer(t, nil)
	t.Setenv("SLACK_SIGNING_SECRET", "sssh")

	rec := post(t, s, "/slack/events", "application/json",
		`{"type": "url_verification", "challenge": "chal-1"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, "chal-1", parsed["challenge"])
}

func TestSlackEventAccepted(t *testing.T) {
	s, _ := newTestServer(t, []config.Route{
		{Channel: "slack", Key: "T123", EmployeeID: "emp-1"},
	})

	rec := post(t, s, "/slack/events", "application/json", slackEventBody("Ev1", "hello there"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", status(t, rec))

	// Bot echoes are acknowledged but not enqueued.
	rec = post(t, s, "/slack/events", "application/json", `{
		"team_id": "T123", "type": "event_callback", "event_id": "Ev2",
		"event": {"type": "message", "bot_id": "B1", "text": "echo", "ts": "1", "channel": "C42"}
	}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", status(t, rec))
}

func TestSlackSignatureVerification(t *testing.T) {
	s, _ := newTestServer(t, []config.Route{
		{Channel: "slack", Key: "T123", EmployeeID: "emp-1"},
	})
	t.Setenv("SLACK_SIGNING_SECRET", "secret-1")

	body := slackEventBody("Ev3", "signed hello")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte("secret-1"))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	signature := "v0=" + hex.EncodeToString(mac.Sum(nil))

	rec := post(t, s, "/slack/events", "application/json", body, map[string]string{
		"X-Slack-Signature":         signature,
		"X-Slack-Request-Timestamp": ts,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", status(t, rec))

	rec = post(t, s, "/slack/events", "application/json", body, map[string]string{
		"X-Slack-Signature":         signature,
		"X-Slack-Request-Timestamp": strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "stale_timestamp", status(t, rec))

	rec = post(t, s, "/slack/events", "application/json", body, map[string]string{
		"X-Slack-Signature":         "v0=deadbeef",
		"X-Slack-Request-Timestamp": ts,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_signature", status(t, rec))
}

func TestTwilioWebhook(t *testing.T) {
	s, _ := newTestServer(t, []config.Route{
		{Channel: "sms", Key: "*", EmployeeID: "emp-1"},
	})

	form := url.Values{}
	form.Set("From", "+1 (415) 555-0123")
	form.Set("To", "+14155550999")
	form.Set("Body", "status update please")
	form.Set("MessageSid", "SM123")

	rec := post(t, s, "/sms/twilio", "application/x-www-form-urlencoded", form.Encode(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", status(t, rec))

	rec = post(t, s, "/sms/twilio", "application/x-www-form-urlencoded", "Body=no+sender", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_fields", status(t, rec))
}

func TestTwilioSignatureVerification(t *testing.T) {
	s, _ := newTestServer(t, []config.Route{
		{Channel: "sms", Key: "*", EmployeeID: "emp-1"},
	})
	webhookURL := "https://gw.dowhiz.example/sms/twilio"
	t.Setenv("TWILIO_AUTH_TOKEN", "tok-1")
	t.Setenv("TWILIO_WEBHOOK_URL", webhookURL)

	form := url.Values{}
	form.Set("From", "+14155550123")
	form.Set("To", "+14155550999")
	form.Set("Body", "signed")
	form.Set("MessageSid", "SM456")
	body := form.Encode()

	keys := []string{"Body", "From", "MessageSid", "To"}
	mac := hmac.New(sha1.New, []byte("tok-1"))
	mac.Write([]byte(webhookURL))
	for _, key := range keys {
		mac.Write([]byte(key))
		mac.Write([]byte(form.Get(key)))
	}
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	rec := post(t, s, "/sms/twilio", "application/x-www-form-urlencoded", body,
		map[string]string{"X-Twilio-Signature": signature})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", status(t, rec))

	rec = post(t, s, "/sms/twilio", "application/x-www-form-urlencoded", body,
		map[string]string{"X-Twilio-Signature": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_signature", status(t, rec))
}

func TestBlueBubblesWebhook(t *testing.T) {
	s, _ := newTestServer(t, []config.Route{
		{Channel: "bluebubbles", Key: "*", EmployeeID: "emp-1"},
	})

	body := `{
		"type": "new-message",
		"data": {
			"guid": "msg-1", "text": "hi there", "isFromMe": false,
			"handle": {"address": "+14155550123"},
			"chats": [{"guid": "iMessage;-;+14155550123"}]
		}
	}`
	rec := post(t, s, "/bluebubbles/webhook", "application/json", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", status(t, rec))

	rec = post(t, s, "/bluebubbles/webhook", "application/json",
		`{"type": "typing-indicator", "data": {}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", status(t, rec))
}

func TestTelegramWebhook(t *testing.T) {
	s, _ := newTestServer(t, []config.Route{
		{Channel: "telegram", Key: "*", EmployeeID: "emp-1"},
	})

	body := `{
		"update_id": 1,
		"message": {
			"message_id": 42,
			"from": {"id": 99, "is_bot": false, "first_name": "Ada"},
			"chat": {"id": 555},
			"text": "hello bot"
		}
	}`
	rec := post(t, s, "/telegram/webhook", "application/json", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", status(t, rec))

	rec = post(t, s, "/telegram/webhook", "application/json", `{"update_id": 2}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", status(t, rec))
}

func TestRouterResolutionOrder(t *testing.T) {
	cfg := config.Config{
		Defaults: config.DefaultsConfig{TenantID: "acme", EmployeeID: "fallback"},
		Routes: []config.Route{
			{Channel: "slack", Key: "T123", EmployeeID: "exact"},
			{Channel: "slack", Key: "*", EmployeeID: "wildcard"},
			{Channel: "email", Key: "Assistant@DoWhiz.Example", EmployeeID: "mail"},
		},
	}
	router, err := NewRouter(cfg, nil)
	require.NoError(t, err)

	target, ok := router.Resolve(channel.Slack, "T123")
	require.True(t, ok)
	assert.Equal(t, "exact", target.EmployeeID)
	assert.Equal(t, "acme", target.TenantID)

	target, ok = router.Resolve(channel.Slack, "T999")
	require.True(t, ok)
	assert.Equal(t, "wildcard", target.EmployeeID)

	// Email keys are case-folded on both sides.
	target, ok = router.Resolve(channel.Email, "ASSISTANT@dowhiz.example")
	require.True(t, ok)
	assert.Equal(t, "mail", target.EmployeeID)

	target, ok = router.Resolve(channel.Telegram, "anything")
	require.True(t, ok)
	assert.Equal(t, "fallback", target.EmployeeID)
}

func TestRouterRejectsBadRoutes(t *testing.T) {
	_, err := NewRouter(config.Config{Routes: []config.Route{
		{Channel: "carrier_pigeon", Key: "x", EmployeeID: "e"},
	}}, nil)
	require.Error(t, err)

	_, err = NewRouter(config.Config{Routes: []config.Route{
		{Channel: "slack", Key: "T1", EmployeeID: ""},
	}}, nil)
	require.Error(t, err)
}

func TestNormalizeRouteKey(t *testing.T) {
	assert.Equal(t, "*", NormalizeRouteKey(channel.Email, " * "))
	assert.Equal(t, "a@b.example", NormalizeRouteKey(channel.Email, " A@B.Example "))
	assert.Equal(t, "+14155550123", NormalizeRouteKey(channel.SMS, "+1 (415) 555-0123"))
	assert.Equal(t, "T123", NormalizeRouteKey(channel.Slack, " T123 "))
}

func TestProcessedStore(t *testing.T) {
	store, err := OpenProcessedStore(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.RegisterDocument("doc-1", "Notes", "owner@dowhiz.example"))
	require.NoError(t, store.RegisterDocument("doc-1", "Notes (renamed)", "owner@dowhiz.example"))

	processed, err := store.Processed("doc-1")
	require.NoError(t, err)
	assert.Empty(t, processed)

	require.NoError(t, store.MarkProcessed("doc-1", "comment:c1"))
	require.NoError(t, store.MarkProcessed("doc-1", "comment:c1"))
	require.NoError(t, store.MarkProcessed("doc-1", "comment:c1:reply:r1"))

	processed, err = store.Processed("doc-1")
	require.NoError(t, err)
	assert.Len(t, processed, 2)
	_, ok := processed["comment:c1"]
	assert.True(t, ok)

	require.NoError(t, store.UpdateLastChecked("doc-1"))
}

func TestSlackOAuthCallback(t *testing.T) {
	s, _ := newTestServer(t, nil)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/oauth.v2.access", r.URL.Path)
		assert.Equal(t, "code-1", r.FormValue("code"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"ok": true, "access_token": "xoxb-1", "bot_user_id": "U42",
			"team": {"id": "T123", "name": "Acme"}
		}`)
	}))
	defer api.Close()

	installs, err := outbound.OpenInstallStore(filepath.Join(t.TempDir(), "installs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { installs.Close() })

	s.installs = installs
	s.slackOAuth = slackOAuthConfig{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		APIBase:      api.URL,
	}

	req := httptest.NewRequest(http.MethodGet, "/slack/oauth/callback?code=code-1", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Acme")

	install, ok, err := installs.Get("T123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "xoxb-1", install.BotToken)
	assert.Equal(t, "U42", install.BotUserID)

	// Missing code is rejected before any exchange.
	req = httptest.NewRequest(http.MethodGet, "/slack/oauth/callback", nil)
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSlackInstallRedirect(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.slackOAuth = slackOAuthConfig{
		ClientID:    "client-1",
		Scopes:      "chat:write",
		RedirectURL: "https://gw.dowhiz.example/slack/oauth/callback",
	}

	req := httptest.NewRequest(http.MethodGet, "/slack/install", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "slack.com", location.Host)
	assert.Equal(t, "client-1", location.Query().Get("client_id"))
	assert.Equal(t, "chat:write", location.Query().Get("scope"))
}
