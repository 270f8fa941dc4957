// Package outbound delivers drafted replies through the channel adapter
// registry. It reads the draft body produced by an agent run, builds the
// canonical outbound message for the reply's channel, sends it, and for email
// archives the sent message next to the inbound mail.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/mailhtml"
	"github.com/dowhiz/dowhiz/internal/scheduler"
	"github.com/dowhiz/dowhiz/internal/workspace"
)

// Dispatcher executes send-reply tasks against the adapter registry.
type Dispatcher struct {
	registry *channel.Registry
	log      *slog.Logger
}

// NewDispatcher builds a Dispatcher over the registry.
func NewDispatcher(registry *channel.Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		log:      log.With(slog.String("component", "outbound")),
	}
}

// SendReply delivers one drafted reply. Replies whose thread epoch no longer
// matches the workspace state are dropped without sending: a newer inbound
// message has superseded the draft.
func (d *Dispatcher) SendReply(ctx context.Context, task *scheduler.SendReplyTask) (channel.SendResult, error) {
	if task == nil {
		return channel.SendResult{}, fmt.Errorf("send reply task is nil")
	}
	if d.isStale(task) {
		d.log.Info("dropping reply for stale thread epoch",
			slog.String("channel", task.Channel.String()),
			slog.Int64("epoch", task.ThreadEpoch))
		return channel.SendResult{}, nil
	}

	body, err := os.ReadFile(task.BodyPath)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("read reply body: %w", err)
	}
	adapter, ok := d.registry.Outbound(task.Channel)
	if !ok {
		return channel.SendResult{}, channel.ConfigErrorf("no outbound adapter for channel %q", task.Channel)
	}

	msg := buildMessage(task, string(body))
	if task.Channel == channel.Email && task.AttachmentsDir != "" {
		attachments, err := loadAttachments(task.AttachmentsDir)
		if err != nil {
			return channel.SendResult{}, fmt.Errorf("load reply attachments: %w", err)
		}
		msg.Attachments = attachments
	}

	result, err := adapter.Send(ctx, msg)
	if err != nil {
		return result, err
	}
	d.log.Info("sent reply",
		slog.String("channel", task.Channel.String()),
		slog.String("message_id", result.MessageID))

	if task.Channel == channel.Email && task.ArchiveRoot != "" {
		if _, err := d.archive(task, msg, result); err != nil {
			d.log.Warn("failed to archive sent email",
				slog.String("message_id", result.MessageID), slog.Any("error", err))
		}
	}
	return result, nil
}

// isStale compares the task's epoch against the workspace thread state. An
// unreadable or missing state never blocks the send.
func (d *Dispatcher) isStale(task *scheduler.SendReplyTask) bool {
	if task.ThreadStatePath == "" || task.ThreadEpoch == 0 {
		return false
	}
	state, err := workspace.LoadState(task.ThreadStatePath)
	if err != nil || state.Epoch == 0 {
		return false
	}
	return state.Epoch != task.ThreadEpoch
}

// buildMessage maps the task onto the canonical outbound record. Email keeps
// the draft as HTML with a stripped-text alternative; every other channel
// sends the draft as plain text.
func buildMessage(task *scheduler.SendReplyTask, body string) channel.OutboundMessage {
	msg := channel.OutboundMessage{
		Channel:    task.Channel,
		From:       task.From,
		To:         task.To,
		CC:         task.CC,
		BCC:        task.BCC,
		Subject:    task.Subject,
		InReplyTo:  task.InReplyTo,
		References: task.References,
		Metadata:   task.Metadata,
	}
	switch task.Channel {
	case channel.Email:
		msg.HTMLBody = body
		msg.TextBody = mailhtml.StripTags(body)
	case channel.GoogleDocs:
		msg.TextBody = mailhtml.StripTags(body)
	default:
		msg.TextBody = body
	}
	return msg
}

// loadAttachments reads every regular file in dir into an attachment. A
// missing directory is an empty reply, not an error.
func loadAttachments(dir string) ([]channel.Attachment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var attachments []channel.Attachment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, channel.Attachment{
			Name:    entry.Name(),
			Mime:    mime.TypeByExtension(filepath.Ext(entry.Name())),
			Content: content,
		})
	}
	return attachments, nil
}

func (d *Dispatcher) archive(task *scheduler.SendReplyTask, msg channel.OutboundMessage, result channel.SendResult) (string, error) {
	sentAt := result.SubmittedAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	record := workspace.OutboundRecord{
		SentAt:     sentAt.UTC().Format(time.RFC3339),
		From:       msg.From,
		To:         msg.To,
		CC:         msg.CC,
		BCC:        msg.BCC,
		Subject:    msg.Subject,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		MessageID:  result.MessageID,
	}
	return workspace.ArchiveOutbound(task.ArchiveRoot, record, msg.HTMLBody, msg.Attachments)
}

// NotifyFailure delivers a task-failure notice back on the thread's channel.
// It satisfies the scheduler's Notifier contract.
func (d *Dispatcher) NotifyFailure(ctx context.Context, taskID string, run *scheduler.RunTaskTask, noticePath, message string) error {
	if run == nil || len(run.ReplyTo) == 0 {
		return fmt.Errorf("no recipients for failure notice")
	}
	send := &scheduler.SendReplyTask{
		Channel:     run.Channel,
		Subject:     scheduler.FailureNotice,
		BodyPath:    noticePath,
		From:        run.ReplyFrom,
		To:          run.ReplyTo,
		ArchiveRoot: run.ArchiveRoot,
		Metadata:    run.Metadata,
	}
	d.log.Warn("delivering task failure notice",
		slog.String("task_id", taskID),
		slog.String("channel", run.Channel.String()),
		slog.String("error", message))
	_, err := d.SendReply(ctx, send)
	d.notifyAdmin(ctx, taskID, run, message)
	return err
}

// notifyAdmin emails a diagnostic to ADMIN_EMAIL when one is configured.
// Failures here are logged and swallowed: the admin copy must never mask the
// user-facing notice.
func (d *Dispatcher) notifyAdmin(ctx context.Context, taskID string, run *scheduler.RunTaskTask, message string) {
	admin := strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))
	if admin == "" {
		return
	}
	adapter, ok := d.registry.Outbound(channel.Email)
	if !ok {
		return
	}
	body := fmt.Sprintf("Task %s failed after repeated attempts.\n\nWorkspace: %s\nChannel: %s\nError: %s\n",
		taskID, run.WorkspaceDir, run.Channel, message)
	if _, err := adapter.Send(ctx, channel.OutboundMessage{
		Channel:  channel.Email,
		From:     run.ReplyFrom,
		To:       []string{admin},
		Subject:  "Task failure: " + taskID,
		TextBody: body,
	}); err != nil {
		d.log.Warn("admin failure notice not sent", slog.Any("error", err))
	}
}
