// Package worker consumes the ingestion queue, materializes thread
// workspaces, schedules agent runs per user, and drives the cross-user task
// dispatch loop with its watchdog.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/collab"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/directory"
	"github.com/dowhiz/dowhiz/internal/ingest"
	"github.com/dowhiz/dowhiz/internal/outbound"
	"github.com/dowhiz/dowhiz/internal/router"
	"github.com/dowhiz/dowhiz/internal/scheduler"
	"github.com/dowhiz/dowhiz/internal/taskindex"
	"github.com/dowhiz/dowhiz/internal/userstore"
	"github.com/dowhiz/dowhiz/internal/workspace"
)

// Deps are the worker's collaborators.
type Deps struct {
	Queue        ingest.Queue
	Users        *userstore.Store
	Index        *taskindex.Store
	Directory    *directory.Directory
	Classifier   *router.Router
	Dispatcher   *outbound.Dispatcher
	Executor     *TaskExecutor
	Registry     *channel.Registry
	Materializer *workspace.Materializer
	Collab       *collab.Store
	Log          *slog.Logger
}

// Worker is the message-processing half of the service.
type Worker struct {
	queue        ingest.Queue
	users        *userstore.Store
	index        *taskindex.Store
	directory    *directory.Directory
	classifier   *router.Router
	dispatcher   *outbound.Dispatcher
	executor     *TaskExecutor
	registry     *channel.Registry
	materializer *workspace.Materializer
	collab       *collab.Store
	log          *slog.Logger

	queuePoll        time.Duration
	dispatchPoll     time.Duration
	maxConcurrency   int
	userConcurrency  int
	taskTimeout      time.Duration
	watchdogInterval time.Duration

	claims  *Claims
	limiter *Limiter
	busy    *busySet
}

// New builds a worker with tuning taken from the environment.
func New(deps Deps) *Worker {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	maxConcurrency := config.EnvInt("SCHEDULER_MAX_CONCURRENCY", config.DefaultMaxConcurrency)
	return &Worker{
		queue:        deps.Queue,
		users:        deps.Users,
		index:        deps.Index,
		directory:    deps.Directory,
		classifier:   deps.Classifier,
		dispatcher:   deps.Dispatcher,
		executor:     deps.Executor,
		registry:     deps.Registry,
		materializer: deps.Materializer,
		collab:       deps.Collab,
		log:          log.With(slog.String("component", "worker")),

		queuePoll:        config.EnvDuration("INGESTION_POLL_INTERVAL_SECS", config.DefaultPollInterval),
		dispatchPoll:     config.EnvDuration("SCHEDULER_POLL_INTERVAL_SECS", config.DefaultPollInterval),
		maxConcurrency:   maxConcurrency,
		userConcurrency:  config.EnvInt("SCHEDULER_USER_MAX_CONCURRENCY", config.DefaultUserConcurrency),
		taskTimeout:      config.EnvDuration("TASK_TIMEOUT_SECS", config.DefaultTaskTimeoutSecs*time.Second),
		watchdogInterval: watchdogInterval(),

		claims:  NewClaims(),
		limiter: NewLimiter(maxConcurrency),
		busy:    newBusySet(),
	}
}

// watchdogInterval reads WATCHDOG_INTERVAL_MS, in milliseconds.
func watchdogInterval() time.Duration {
	if ms := config.EnvInt("WATCHDOG_INTERVAL_MS", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return config.DefaultWatchdogInterval
}

// Run starts the dispatch loop, the watchdog, and the queue consumer, and
// blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context, employeeIDs []string) {
	go w.runDispatch(ctx)
	go w.runWatchdog(ctx)
	w.consumeQueue(ctx, employeeIDs)
}

// consumeQueue claims envelopes for each employee round-robin and processes
// them. Failures go back to the queue with backoff.
func (w *Worker) consumeQueue(ctx context.Context, employeeIDs []string) {
	if len(employeeIDs) == 0 {
		employeeIDs = w.rosterIDs()
	}
	w.log.Info("queue consumer started", slog.Int("employees", len(employeeIDs)))
	ticker := time.NewTicker(w.queuePoll)
	defer ticker.Stop()

	for {
		claimedAny := false
		for _, employeeID := range employeeIDs {
			if ctx.Err() != nil {
				return
			}
			item, err := w.queue.ClaimNext(ctx, employeeID)
			if err != nil {
				w.log.Warn("queue claim failed", slog.Any("error", err))
				continue
			}
			if item == nil {
				continue
			}
			claimedAny = true
			if err := w.processEnvelope(ctx, &item.Envelope); err != nil {
				w.log.Error("envelope processing failed",
					slog.String("envelope_id", item.ID),
					slog.String("channel", item.Channel.String()),
					slog.Any("error", err))
				if err := w.queue.MarkFailed(ctx, item.ID, err.Error()); err != nil {
					w.log.Warn("failed to mark envelope failed", slog.Any("error", err))
				}
				continue
			}
			if err := w.queue.MarkDone(ctx, item.ID); err != nil {
				w.log.Warn("failed to mark envelope done", slog.Any("error", err))
			}
		}
		if claimedAny {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) rosterIDs() []string {
	if w.directory == nil {
		return nil
	}
	var ids []string
	for _, emp := range w.directory.All() {
		ids = append(ids, emp.ID)
	}
	return ids
}

// processEnvelope runs one inbound message through the pipeline: resolve the
// employee, maybe answer directly through the fast classifier, then
// materialize the thread workspace and schedule an agent run.
func (w *Worker) processEnvelope(ctx context.Context, env *ingest.Envelope) error {
	msg := env.Payload
	if msg == nil {
		return fmt.Errorf("envelope %s has no payload", env.ID)
	}
	employee := w.resolveEmployee(env.EmployeeID)
	if !employee.Channels.Enabled(msg.Channel.String()) {
		w.log.Info("channel disabled for employee, dropping",
			slog.String("employee_id", employee.ID),
			slog.String("channel", msg.Channel.String()))
		return nil
	}

	user, err := w.users.GetOrCreate(ctx, msg.Channel, msg.Sender)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	paths, err := w.users.EnsurePaths(user.ID)
	if err != nil {
		return fmt.Errorf("ensure user dirs: %w", err)
	}

	if w.tryQuickResponse(ctx, msg, paths) {
		w.log.Info("answered via fast classifier",
			slog.String("user_id", user.ID),
			slog.String("channel", msg.Channel.String()))
		return nil
	}

	key := threadKey(msg)
	ws, err := w.materializer.Ensure(paths, user.ID, key, employee)
	if err != nil {
		return fmt.Errorf("materialize workspace: %w", err)
	}
	statePath := workspace.StatePath(ws)
	state, err := workspace.BumpState(statePath, key, msg.MessageID)
	if err != nil {
		return fmt.Errorf("bump thread state: %w", err)
	}
	if err := workspace.AppendInbound(ws, msg, state.LastEmailSeq); err != nil {
		return fmt.Errorf("append inbound: %w", err)
	}
	if _, err := workspace.ArchiveInbound(paths, msg); err != nil {
		w.log.Warn("inbound archive failed", slog.Any("error", err))
	}
	w.recordCollaboration(user.ID, key, ws, msg)

	sched, err := scheduler.Load(paths.SchedulerDBPath(), w.executor, w.dispatcher, w.log)
	if err != nil {
		return fmt.Errorf("load scheduler: %w", err)
	}
	defer sched.Close()

	if canceled, err := cancelStaleThreadTasks(sched, ws, statePath, state.Epoch); err != nil {
		w.log.Warn("failed to cancel stale thread tasks", slog.Any("error", err))
	} else if canceled > 0 {
		w.log.Info("canceled tasks from older thread epochs",
			slog.Int("count", canceled), slog.String("workspace", ws))
	}

	run := w.buildRunTask(msg, employee, ws, statePath, state.Epoch, key, paths)
	taskID, err := sched.AddOneShotIn(0, scheduler.NewRunTask(run))
	if err != nil {
		return fmt.Errorf("schedule run task: %w", err)
	}
	if err := w.index.SyncUserTasks(user.ID, sched.Tasks()); err != nil {
		return fmt.Errorf("sync task index: %w", err)
	}

	w.log.Info("scheduled agent run",
		slog.String("user_id", user.ID),
		slog.String("task_id", taskID),
		slog.String("workspace", ws),
		slog.Int64("thread_epoch", state.Epoch))
	return nil
}

func (w *Worker) resolveEmployee(id string) *directory.Employee {
	if w.directory != nil {
		if emp, ok := w.directory.Get(id); ok {
			return emp
		}
		if emp, ok := w.directory.Default(); ok {
			return emp
		}
	}
	return &directory.Employee{ID: id}
}

func (w *Worker) buildRunTask(msg *channel.InboundMessage, employee *directory.Employee, ws, statePath string, epoch int64, key string, paths userstore.Paths) scheduler.RunTaskTask {
	model := employee.Model
	if model == "" && !strings.EqualFold(employee.Runner, directory.RunnerClaude) {
		model = strings.TrimSpace(os.Getenv("CODEX_MODEL"))
	}
	replyFrom := ""
	if msg.Channel == channel.Email {
		replyFrom = msg.Recipient
	}
	return scheduler.RunTaskTask{
		WorkspaceDir:        ws,
		InputEmailDir:       "incoming_email",
		InputAttachmentsDir: "incoming_attachments",
		MemoryDir:           "memory",
		ReferenceDir:        "references",
		ModelName:           model,
		Runner:              employee.Runner,
		CodexDisabled:       config.EnvEnabled("CODEX_DISABLED"),
		ReplyTo:             msg.ReplyTo,
		ReplyFrom:           replyFrom,
		ArchiveRoot:         paths.Mail,
		ThreadID:            key,
		ThreadEpoch:         epoch,
		ThreadStatePath:     statePath,
		Channel:             msg.Channel,
		SlackTeamID:         msg.Metadata.SlackTeamID,
		EmployeeID:          employee.ID,
		Metadata:            msg.Metadata,
	}
}

// tryQuickResponse lets the fast classifier answer trivial chat messages
// without an agent run. Email and document comments always take the full
// pipeline.
func (w *Worker) tryQuickResponse(ctx context.Context, msg *channel.InboundMessage, paths userstore.Paths) bool {
	switch msg.Channel {
	case channel.Slack, channel.Discord, channel.Telegram, channel.BlueBubbles:
	default:
		return false
	}
	if w.classifier == nil || !w.classifier.Enabled() || w.registry == nil {
		return false
	}
	adapter, ok := w.registry.Outbound(msg.Channel)
	if !ok {
		return false
	}
	text := msg.TextBody
	if msg.Channel == channel.Slack {
		text = stripSlackMentions(text)
	}
	if strings.TrimSpace(text) == "" {
		return false
	}

	memo, _ := os.ReadFile(paths.MemoPath())
	decision := w.classifier.Classify(ctx, text, string(memo))
	if decision.Kind != router.Simple {
		return false
	}
	if decision.MemoryUpdate != "" {
		if err := router.AppendMemoryUpdate(paths.MemoPath(), decision.MemoryUpdate); err != nil {
			w.log.Warn("memo update failed", slog.Any("error", err))
		}
	}

	result, err := adapter.Send(ctx, channel.OutboundMessage{
		Channel:  msg.Channel,
		To:       msg.ReplyTo,
		TextBody: decision.Response,
		ThreadID: msg.ThreadID,
		Metadata: msg.Metadata,
	})
	if err != nil || !result.Success {
		// Fall through to the full pipeline so the message is not lost.
		w.log.Warn("quick response send failed", slog.Any("error", err))
		return false
	}
	return true
}

// recordCollaboration tracks the message in the thread's collaboration
// session. Google Docs comments also link the document as the session's
// target artifact.
func (w *Worker) recordCollaboration(userID, key, ws string, msg *channel.InboundMessage) {
	if w.collab == nil {
		return
	}
	params := collab.NewSession{
		UserID:          userID,
		ThreadID:        key,
		PrimaryChannel:  msg.Channel.String(),
		OriginalRequest: preview(msg.TextBody, 500),
		WorkspacePath:   ws,
	}
	if msg.Channel == channel.GoogleDocs {
		params.ArtifactType = "google_doc"
		params.ArtifactID = msg.Metadata.GoogleDocsDocumentID
		params.ArtifactTitle = msg.Metadata.GoogleDocsDocumentName
	}
	session, err := w.collab.EnsureSession(params)
	if err != nil {
		w.log.Warn("collaboration session lookup failed", slog.Any("error", err))
		return
	}
	var names []string
	for _, att := range msg.Attachments {
		names = append(names, att.Name)
	}
	if _, err := w.collab.AddMessage(session.ID, collab.Message{
		SourceChannel:      msg.Channel.String(),
		ExternalMessageID:  msg.MessageID,
		SenderID:           msg.Sender,
		ContentPreview:     preview(msg.TextBody, 200),
		HasAttachments:     len(names) > 0,
		AttachmentManifest: strings.Join(names, ","),
	}); err != nil {
		w.log.Warn("collaboration message record failed", slog.Any("error", err))
	}
}

func preview(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max]
}

// stripSlackMentions removes <@U...> tokens so the classifier sees the bare
// request.
func stripSlackMentions(text string) string {
	words := strings.Fields(text)
	kept := words[:0]
	for _, word := range words {
		if strings.HasPrefix(word, "<@") && strings.HasSuffix(word, ">") {
			continue
		}
		kept = append(kept, word)
	}
	return strings.Join(kept, " ")
}

// threadKey derives the workspace conversation key for a message. Adapters
// already bake the peer identity into ThreadID for email, SMS and iMessage;
// chat channels add their container id so separate channels never share a
// workspace.
func threadKey(msg *channel.InboundMessage) string {
	switch msg.Channel {
	case channel.Slack:
		return fmt.Sprintf("slack:%s:%s", msg.Metadata.SlackChannelID, msg.ThreadID)
	case channel.Discord:
		return fmt.Sprintf("discord:%s:%s", msg.Metadata.DiscordChannelID, msg.ThreadID)
	case channel.Telegram:
		return "telegram:" + msg.ThreadID
	case channel.GoogleDocs:
		return "gdocs:" + msg.Metadata.GoogleDocsDocumentID
	default:
		return msg.ThreadID
	}
}

// cancelStaleThreadTasks disables pending tasks belonging to earlier epochs
// of the same thread: their context was superseded by the message that
// bumped the epoch.
func cancelStaleThreadTasks(sched *scheduler.Scheduler, ws, statePath string, epoch int64) (int, error) {
	return sched.DisableTasksBy(func(task *scheduler.ScheduledTask) bool {
		if !task.Enabled {
			return false
		}
		switch task.Kind.Type {
		case scheduler.KindRunTask:
			run := task.Kind.Run
			return run != nil && run.WorkspaceDir == ws && run.ThreadEpoch < epoch
		case scheduler.KindSendReply:
			send := task.Kind.SendReply
			if send == nil {
				return false
			}
			sameThread := send.ThreadStatePath == statePath
			if send.ThreadStatePath == "" {
				sameThread = strings.HasPrefix(send.BodyPath, ws)
			}
			return sameThread && send.ThreadEpoch < epoch
		default:
			return false
		}
	})
}
