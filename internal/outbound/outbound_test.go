package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/email"
	"github.com/dowhiz/dowhiz/internal/scheduler"
)

type fakeAdapter struct {
	ch     channel.Channel
	sent   []channel.OutboundMessage
	result channel.SendResult
	err    error
}

func (f *fakeAdapter) Channel() channel.Channel { return f.ch }

func (f *fakeAdapter) Send(_ context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	f.sent = append(f.sent, msg)
	return f.result, f.err
}

func writeDraft(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSendReplyEmailArchives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/email", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"MessageID":   "pm-123",
			"SubmittedAt": "2026-08-29T10:00:00Z",
			"ErrorCode":   0,
		})
	}))
	defer srv.Close()

	registry := channel.NewRegistry()
	registry.MustRegisterOutbound(email.NewOutboundAdapter("tok", srv.URL, nil))

	workDir := t.TempDir()
	bodyPath := writeDraft(t, workDir, "reply_email_draft.html", "<p>All done.</p>")
	attachmentsDir := filepath.Join(workDir, "reply_email_attachments")
	require.NoError(t, os.MkdirAll(attachmentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(attachmentsDir, "report.txt"), []byte("totals"), 0o644))

	archiveRoot := t.TempDir()
	dispatcher := NewDispatcher(registry, nil)
	result, err := dispatcher.SendReply(context.Background(), &scheduler.SendReplyTask{
		Channel:        channel.Email,
		Subject:        "Re: Weekly report",
		BodyPath:       bodyPath,
		AttachmentsDir: attachmentsDir,
		From:           "oliver@dowhiz.com",
		To:             []string{"alice@example.com"},
		InReplyTo:      "parent@example.com",
		References:     "<root@example.com> <parent@example.com>",
		ArchiveRoot:    archiveRoot,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "pm-123", result.MessageID)

	payloads, err := filepath.Glob(filepath.Join(archiveRoot, "*", "*", "*", "outgoing_email", "payload.json"))
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	raw, err := os.ReadFile(payloads[0])
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, "pm-123", record["message_id"])
	assert.Equal(t, "parent@example.com", record["in_reply_to"])

	archived, err := filepath.Glob(filepath.Join(archiveRoot, "*", "*", "*", "outgoing_attachments", "report.txt"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestSendReplyChatUsesPlainText(t *testing.T) {
	fake := &fakeAdapter{ch: channel.Slack, result: channel.SendResult{Success: true, MessageID: "171.001"}}
	registry := channel.NewRegistry()
	registry.MustRegisterOutbound(fake)

	workDir := t.TempDir()
	bodyPath := writeDraft(t, workDir, "reply_message.txt", "On it, will report back shortly.")

	dispatcher := NewDispatcher(registry, nil)
	result, err := dispatcher.SendReply(context.Background(), &scheduler.SendReplyTask{
		Channel:   channel.Slack,
		BodyPath:  bodyPath,
		To:        []string{"C0123"},
		InReplyTo: "170.999",
		Metadata:  channel.Metadata{SlackChannelID: "C0123", SlackTeamID: "T01"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "On it, will report back shortly.", fake.sent[0].TextBody)
	assert.Empty(t, fake.sent[0].HTMLBody)
	assert.Equal(t, "170.999", fake.sent[0].InReplyTo)
	assert.Equal(t, "T01", fake.sent[0].Metadata.SlackTeamID)
}

func TestSendReplyDropsStaleEpoch(t *testing.T) {
	workDir := t.TempDir()
	statePath := filepath.Join(workDir, "thread_state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"thread_key":"k","epoch":3}`), 0o644))

	fake := &fakeAdapter{ch: channel.Slack}
	registry := channel.NewRegistry()
	registry.MustRegisterOutbound(fake)

	dispatcher := NewDispatcher(registry, nil)
	result, err := dispatcher.SendReply(context.Background(), &scheduler.SendReplyTask{
		Channel:         channel.Slack,
		BodyPath:        filepath.Join(workDir, "missing.txt"),
		To:              []string{"C0123"},
		ThreadEpoch:     2,
		ThreadStatePath: statePath,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Empty(t, fake.sent)
}

func TestSendReplyMissingAdapter(t *testing.T) {
	workDir := t.TempDir()
	bodyPath := writeDraft(t, workDir, "reply_message.txt", "hello")

	dispatcher := NewDispatcher(channel.NewRegistry(), nil)
	_, err := dispatcher.SendReply(context.Background(), &scheduler.SendReplyTask{
		Channel:  channel.SMS,
		BodyPath: bodyPath,
		To:       []string{"+14155550123"},
	})
	var adapterErr *channel.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, channel.ErrKindConfig, adapterErr.Kind)
}

func TestNotifyFailureSendsNotice(t *testing.T) {
	fake := &fakeAdapter{ch: channel.Telegram, result: channel.SendResult{Success: true}}
	registry := channel.NewRegistry()
	registry.MustRegisterOutbound(fake)

	workDir := t.TempDir()
	noticePath := writeDraft(t, workDir, "task_failure_t1.txt", scheduler.FailureNotice)

	dispatcher := NewDispatcher(registry, nil)
	err := dispatcher.NotifyFailure(context.Background(), "t1", &scheduler.RunTaskTask{
		Channel:  channel.Telegram,
		ReplyTo:  []string{"88123"},
		Metadata: channel.Metadata{TelegramChatID: "88123"},
	}, noticePath, "runner exited 1")
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)
	assert.Equal(t, scheduler.FailureNotice, fake.sent[0].TextBody)
	assert.Equal(t, scheduler.FailureNotice, fake.sent[0].Subject)

	err = dispatcher.NotifyFailure(context.Background(), "t2", &scheduler.RunTaskTask{Channel: channel.Telegram}, noticePath, "x")
	require.Error(t, err)
}

func TestSendReplyPropagatesSendError(t *testing.T) {
	fake := &fakeAdapter{ch: channel.Slack, err: channel.SendErrorf("HTTP 500: upstream")}
	registry := channel.NewRegistry()
	registry.MustRegisterOutbound(fake)

	workDir := t.TempDir()
	bodyPath := writeDraft(t, workDir, "reply_message.txt", "hello")

	dispatcher := NewDispatcher(registry, nil)
	_, err := dispatcher.SendReply(context.Background(), &scheduler.SendReplyTask{
		Channel:  channel.Slack,
		BodyPath: bodyPath,
		To:       []string{"C0123"},
	})
	var adapterErr *channel.AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, channel.ErrKindSend, adapterErr.Kind)
}

func TestInstallStore(t *testing.T) {
	store, err := OpenInstallStore(filepath.Join(t.TempDir(), "slack.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Upsert(Installation{
		TeamID:    "T01",
		TeamName:  "Acme",
		BotToken:  "xoxb-1",
		BotUserID: "U99",
	}))
	require.NoError(t, store.Upsert(Installation{
		TeamID:   "T01",
		TeamName: "Acme Inc",
		BotToken: "xoxb-2",
	}))

	inst, ok, err := store.Get("T01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Acme Inc", inst.TeamName)
	assert.Equal(t, "xoxb-2", inst.BotToken)

	_, ok, err = store.Get("T02")
	require.NoError(t, err)
	assert.False(t, ok)

	token, err := store.BotToken("T01")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-2", token)

	installs, err := store.List()
	require.NoError(t, err)
	assert.Len(t, installs, 1)
}

func TestInstallStoreEnvFallback(t *testing.T) {
	store, err := OpenInstallStore(filepath.Join(t.TempDir(), "slack.db"))
	require.NoError(t, err)
	defer store.Close()

	t.Setenv("SLACK_BOT_TOKEN", "")
	_, err = store.BotToken("T-unknown")
	var adapterErr *channel.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, channel.ErrKindConfig, adapterErr.Kind)

	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	token, err := store.BotToken("T-unknown")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-env", token)

	t.Setenv("SLACK_BOT_USER_ID", "U-env")
	userID, err := store.BotUserID("T-unknown")
	require.NoError(t, err)
	assert.Equal(t, "U-env", userID)
}
