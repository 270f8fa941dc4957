package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/collab"
	"github.com/dowhiz/dowhiz/internal/ingest"
	"github.com/dowhiz/dowhiz/internal/outbound"
	"github.com/dowhiz/dowhiz/internal/router"
	"github.com/dowhiz/dowhiz/internal/runner"
	"github.com/dowhiz/dowhiz/internal/scheduler"
	"github.com/dowhiz/dowhiz/internal/taskindex"
	"github.com/dowhiz/dowhiz/internal/userstore"
	"github.com/dowhiz/dowhiz/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	ch   channel.Channel
	sent []channel.OutboundMessage
	fail bool
}

func (f *fakeSender) Channel() channel.Channel { return f.ch }

func (f *fakeSender) Send(_ context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if f.fail {
		return channel.SendResult{}, fmt.Errorf("send rejected")
	}
	f.sent = append(f.sent, msg)
	return channel.SendResult{Success: true, MessageID: "sent-1"}, nil
}

type workerFixture struct {
	worker   *Worker
	users    *userstore.Store
	index    *taskindex.Store
	reg      *channel.Registry
	sessions *collab.Store
}

func newWorkerFixture(t *testing.T, classifier *router.Router) *workerFixture {
	t.Helper()
	log := testLogger()
	root := t.TempDir()

	queue, err := ingest.OpenSQLite(filepath.Join(root, "queue.db"), ingest.Options{Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	users, err := userstore.Open(root, log)
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })

	index, err := taskindex.Open(filepath.Join(root, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	sessions, err := collab.OpenStore(filepath.Join(root, "collaboration.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	reg := channel.NewRegistry()
	dispatcher := outbound.NewDispatcher(reg, log)
	if classifier == nil {
		classifier = router.New(router.Config{Enabled: false}, log)
	}

	w := New(Deps{
		Queue:        queue,
		Users:        users,
		Index:        index,
		Classifier:   classifier,
		Dispatcher:   dispatcher,
		Executor:     NewTaskExecutor(runner.New(log), dispatcher, log),
		Registry:     reg,
		Materializer: workspace.NewMaterializer("", log),
		Collab:       sessions,
		Log:          log,
	})
	return &workerFixture{worker: w, users: users, index: index, reg: reg, sessions: sessions}
}

func inboundEmail(sender, threadID, messageID string) *channel.InboundMessage {
	return &channel.InboundMessage{
		Channel:   channel.Email,
		Sender:    sender,
		Recipient: "bot@dowhiz.example",
		Subject:   "hello",
		TextBody:  "please summarize the attached report",
		ThreadID:  threadID,
		MessageID: messageID,
		ReplyTo:   []string{sender},
	}
}

func TestClaimsPerUserLimit(t *testing.T) {
	claims := NewClaims()
	a := taskindex.TaskRef{TaskID: "t1", UserID: "u1"}
	b := taskindex.TaskRef{TaskID: "t2", UserID: "u1"}
	c := taskindex.TaskRef{TaskID: "t3", UserID: "u2"}

	assert.Equal(t, Claimed, claims.TryClaim(a, 1))
	assert.Equal(t, UserBusy, claims.TryClaim(b, 1))
	assert.Equal(t, Claimed, claims.TryClaim(c, 1))

	claims.Release(a)
	assert.Equal(t, Claimed, claims.TryClaim(b, 1))
}

func TestClaimsTaskBusy(t *testing.T) {
	claims := NewClaims()
	ref := taskindex.TaskRef{TaskID: "t1", UserID: "u1"}

	require.Equal(t, Claimed, claims.TryClaim(ref, 2))
	assert.Equal(t, TaskBusy, claims.TryClaim(ref, 2))

	claims.Release(ref)
	assert.Equal(t, Claimed, claims.TryClaim(ref, 2))
}

func TestClaimsStaleAndForceRelease(t *testing.T) {
	claims := NewClaims()
	ref := taskindex.TaskRef{TaskID: "t1", UserID: "u1"}
	require.Equal(t, Claimed, claims.TryClaim(ref, 1))

	assert.Empty(t, claims.Stale(time.Minute))

	stale := claims.Stale(0)
	require.Len(t, stale, 1)
	assert.Equal(t, "t1", stale[0].TaskID)

	_, ok := claims.ForceRelease("t1")
	assert.True(t, ok)
	_, ok = claims.ForceRelease("t1")
	assert.False(t, ok)

	// Slot is free again after the force release.
	assert.Equal(t, Claimed, claims.TryClaim(ref, 1))
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(2)
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	l.Release()
	assert.True(t, l.TryAcquire())
}

func TestBusySet(t *testing.T) {
	b := newBusySet()
	assert.True(t, b.tryAdd("ws1"))
	assert.False(t, b.tryAdd("ws1"))
	b.remove("ws1")
	assert.True(t, b.tryAdd("ws1"))
}

func TestStripSlackMentions(t *testing.T) {
	assert.Equal(t, "hello there", stripSlackMentions("<@U123> hello there"))
	assert.Equal(t, "hello", stripSlackMentions("hello <@U123>"))
	assert.Equal(t, "plain text", stripSlackMentions("plain text"))
}

func TestThreadKey(t *testing.T) {
	email := inboundEmail("alice@example.com", "thread-1", "m1")
	assert.Equal(t, "thread-1", threadKey(email))

	slack := &channel.InboundMessage{
		Channel:  channel.Slack,
		ThreadID: "171.001",
		Metadata: channel.Metadata{SlackChannelID: "C9"},
	}
	assert.Equal(t, "slack:C9:171.001", threadKey(slack))

	tg := &channel.InboundMessage{Channel: channel.Telegram, ThreadID: "555"}
	assert.Equal(t, "telegram:555", threadKey(tg))

	docs := &channel.InboundMessage{
		Channel:  channel.GoogleDocs,
		Metadata: channel.Metadata{GoogleDocsDocumentID: "doc-1"},
	}
	assert.Equal(t, "gdocs:doc-1", threadKey(docs))
}

func TestProcessEnvelopeSchedulesRun(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()

	env := ingest.NewEnvelope("default", "assistant", inboundEmail("alice@example.com", "thread-1", "m1"), "m1")
	require.NoError(t, f.worker.processEnvelope(ctx, &env))

	refs, err := f.index.DueTaskRefs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	user, err := f.users.GetOrCreate(ctx, channel.Email, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, refs[0].UserID)

	paths := f.users.PathsFor(user.ID)
	ws := filepath.Join(paths.Workspaces, workspace.Name("thread-1"))
	state, err := workspace.LoadState(workspace.StatePath(ws))
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Epoch)
	assert.Equal(t, "m1", state.LastMessageID)
	assert.DirExists(t, filepath.Join(ws, "incoming_email"))
}

func TestProcessEnvelopeCancelsStaleEpochTasks(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()

	first := ingest.NewEnvelope("default", "assistant", inboundEmail("alice@example.com", "thread-1", "m1"), "m1")
	require.NoError(t, f.worker.processEnvelope(ctx, &first))
	second := ingest.NewEnvelope("default", "assistant", inboundEmail("alice@example.com", "thread-1", "m2"), "m2")
	require.NoError(t, f.worker.processEnvelope(ctx, &second))

	// The epoch-1 run task was superseded; only the epoch-2 task stays due.
	refs, err := f.index.DueTaskRefs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	user, err := f.users.GetOrCreate(ctx, channel.Email, "alice@example.com")
	require.NoError(t, err)
	paths := f.users.PathsFor(user.ID)
	sched, err := scheduler.Load(paths.SchedulerDBPath(), nil, nil, testLogger())
	require.NoError(t, err)
	defer sched.Close()

	var enabled, disabled int
	for _, task := range sched.Tasks() {
		if task.Kind.Type != scheduler.KindRunTask {
			continue
		}
		if task.Enabled {
			enabled++
			assert.Equal(t, int64(2), task.Kind.Run.ThreadEpoch)
		} else {
			disabled++
		}
	}
	assert.Equal(t, 1, enabled)
	assert.Equal(t, 1, disabled)
}

func TestExecuteDueTaskRunsAndResyncsIndex(t *testing.T) {
	t.Setenv("CODEX_DISABLED", "1")
	f := newWorkerFixture(t, nil)
	ctx := context.Background()

	env := ingest.NewEnvelope("default", "assistant", inboundEmail("alice@example.com", "thread-1", "m1"), "m1")
	require.NoError(t, f.worker.processEnvelope(ctx, &env))

	refs, err := f.index.DueTaskRefs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	runRef := refs[0]

	f.worker.executeDueTask(ctx, runRef)

	// The one-shot run is spent; whatever remains due must not be it.
	refs, err = f.index.DueTaskRefs(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	for _, ref := range refs {
		assert.NotEqual(t, runRef.TaskID, ref.TaskID)
	}
}

func TestQuickResponseAnswersSimpleChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"Hi Alice!\n<MEMORY_UPDATE>\n## Profile\n- Name: Alice\n</MEMORY_UPDATE>"}}`)
	}))
	defer srv.Close()

	classifier := router.New(router.Config{URL: srv.URL, Model: "test", Enabled: true}, testLogger())
	f := newWorkerFixture(t, classifier)
	sender := &fakeSender{ch: channel.Slack}
	f.reg.MustRegisterOutbound(sender)
	ctx := context.Background()

	msg := &channel.InboundMessage{
		Channel:   channel.Slack,
		Sender:    "U777",
		TextBody:  "<@UBOT> my name is Alice",
		ThreadID:  "171.001",
		MessageID: "171.001",
		ReplyTo:   []string{"C9"},
		Metadata:  channel.Metadata{SlackChannelID: "C9", SlackTeamID: "T1"},
	}
	env := ingest.NewEnvelope("default", "assistant", msg, "171.001")
	require.NoError(t, f.worker.processEnvelope(ctx, &env))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Hi Alice!", sender.sent[0].TextBody)
	assert.Equal(t, []string{"C9"}, sender.sent[0].To)

	// No agent run was scheduled.
	refs, err := f.index.DueTaskRefs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, refs)

	// The stated fact landed in the memo.
	user, err := f.users.GetOrCreate(ctx, channel.Slack, "U777")
	require.NoError(t, err)
	memo, err := os.ReadFile(f.users.PathsFor(user.ID).MemoPath())
	require.NoError(t, err)
	assert.Contains(t, string(memo), "Name: Alice")
}

func TestQuickResponseSendFailureFallsThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"Sure thing!"}}`)
	}))
	defer srv.Close()

	classifier := router.New(router.Config{URL: srv.URL, Model: "test", Enabled: true}, testLogger())
	f := newWorkerFixture(t, classifier)
	f.reg.MustRegisterOutbound(&fakeSender{ch: channel.Telegram, fail: true})
	ctx := context.Background()

	msg := &channel.InboundMessage{
		Channel:   channel.Telegram,
		Sender:    "42",
		TextBody:  "thanks!",
		ThreadID:  "42",
		MessageID: "7",
		ReplyTo:   []string{"42"},
		Metadata:  channel.Metadata{TelegramChatID: "42"},
	}
	env := ingest.NewEnvelope("default", "assistant", msg, "7")
	require.NoError(t, f.worker.processEnvelope(ctx, &env))

	refs, err := f.index.DueTaskRefs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestQuickResponseComplexForwards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"FORWARD_TO_AGENT"}}`)
	}))
	defer srv.Close()

	classifier := router.New(router.Config{URL: srv.URL, Model: "test", Enabled: true}, testLogger())
	f := newWorkerFixture(t, classifier)
	f.reg.MustRegisterOutbound(&fakeSender{ch: channel.Slack})
	ctx := context.Background()

	msg := &channel.InboundMessage{
		Channel:   channel.Slack,
		Sender:    "U777",
		TextBody:  "deploy the staging branch and run the tests",
		ThreadID:  "171.002",
		MessageID: "171.002",
		ReplyTo:   []string{"C9"},
		Metadata:  channel.Metadata{SlackChannelID: "C9"},
	}
	env := ingest.NewEnvelope("default", "assistant", msg, "171.002")
	require.NoError(t, f.worker.processEnvelope(ctx, &env))

	refs, err := f.index.DueTaskRefs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestProcessEnvelopeRecordsCollaboration(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()

	first := ingest.NewEnvelope("default", "assistant", inboundEmail("alice@example.com", "thread-1", "m1"), "m1")
	require.NoError(t, f.worker.processEnvelope(ctx, &first))
	second := ingest.NewEnvelope("default", "assistant", inboundEmail("alice@example.com", "thread-1", "m2"), "m2")
	require.NoError(t, f.worker.processEnvelope(ctx, &second))

	user, err := f.users.GetOrCreate(ctx, channel.Email, "alice@example.com")
	require.NoError(t, err)

	session, ok, err := f.sessions.FindByThread(user.ID, "thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "email", session.PrimaryChannel)

	messages, err := f.sessions.Messages(session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ExternalMessageID)
	assert.Equal(t, "m2", messages[1].ExternalMessageID)
}

func TestWriteTimeoutNotice(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "notifications")
	claim := TaskClaim{TaskID: "t1", UserID: "u1", StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, writeTimeoutNotice(dir, claim, 3))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "task_failure_")

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "t1")
	assert.Contains(t, string(raw), scheduler.FailureNotice)
}
