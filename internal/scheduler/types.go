// Package scheduler is the per-user task scheduler: durable one-shot and cron
// tasks backed by an embedded database, with retry accounting for agent runs
// and cancellation of work made obsolete by newer thread epochs.
package scheduler

import (
	"context"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// RunTaskFailureLimit is how many one-shot agent-run failures are tolerated
// before the task is disabled and the user is notified.
const RunTaskFailureLimit = 3

// FailureNotice is the user-visible text of a task failure notification.
const FailureNotice = "We could not complete your request"

// FailureDir is the workspace subdirectory holding failure notices.
const FailureDir = "failure_notifications"

// Task kinds.
const (
	KindSendReply = "send_reply"
	KindRunTask   = "run_task"
	KindNoop      = "noop"
)

// Schedule types.
const (
	ScheduleCron    = "cron"
	ScheduleOneShot = "one_shot"
)

// SendReplyTask delivers a drafted reply on a channel.
type SendReplyTask struct {
	Channel         channel.Channel `json:"channel"`
	Subject         string          `json:"subject"`
	BodyPath        string          `json:"body_path"`
	AttachmentsDir  string          `json:"attachments_dir,omitempty"`
	From            string          `json:"from,omitempty"`
	To              []string        `json:"to"`
	CC              []string        `json:"cc,omitempty"`
	BCC             []string        `json:"bcc,omitempty"`
	InReplyTo       string          `json:"in_reply_to,omitempty"`
	References      string          `json:"references,omitempty"`
	ArchiveRoot     string          `json:"archive_root,omitempty"`
	ThreadEpoch     int64           `json:"thread_epoch,omitempty"`
	ThreadStatePath string          `json:"thread_state_path,omitempty"`
	Metadata        channel.Metadata `json:"metadata"`
}

// RunTaskTask invokes the agent runner against a thread workspace.
type RunTaskTask struct {
	WorkspaceDir        string          `json:"workspace_dir"`
	InputEmailDir       string          `json:"input_email_dir"`
	InputAttachmentsDir string          `json:"input_attachments_dir"`
	MemoryDir           string          `json:"memory_dir"`
	ReferenceDir        string          `json:"reference_dir"`
	ModelName           string          `json:"model_name,omitempty"`
	Runner              string          `json:"runner"`
	CodexDisabled       bool            `json:"codex_disabled,omitempty"`
	ReplyTo             []string        `json:"reply_to,omitempty"`
	ReplyFrom           string          `json:"reply_from,omitempty"`
	ArchiveRoot         string          `json:"archive_root,omitempty"`
	ThreadID            string          `json:"thread_id,omitempty"`
	ThreadEpoch         int64           `json:"thread_epoch,omitempty"`
	ThreadStatePath     string          `json:"thread_state_path,omitempty"`
	Channel             channel.Channel `json:"channel"`
	SlackTeamID         string          `json:"slack_team_id,omitempty"`
	EmployeeID          string          `json:"employee_id,omitempty"`
	Metadata            channel.Metadata `json:"metadata"`
}

// TaskKind is the tagged union of task payloads.
type TaskKind struct {
	Type      string         `json:"type"`
	SendReply *SendReplyTask `json:"send_reply,omitempty"`
	Run       *RunTaskTask   `json:"run_task,omitempty"`
}

// NewSendReply wraps a SendReplyTask as a TaskKind.
func NewSendReply(task SendReplyTask) TaskKind {
	return TaskKind{Type: KindSendReply, SendReply: &task}
}

// NewRunTask wraps a RunTaskTask as a TaskKind.
func NewRunTask(task RunTaskTask) TaskKind {
	return TaskKind{Type: KindRunTask, Run: &task}
}

// Schedule is either a cron expression with a precomputed next run, or a
// one-shot run time.
type Schedule struct {
	Type       string    `json:"type"`
	Expression string    `json:"expression,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	RunAt      time.Time `json:"run_at,omitempty"`
}

// NextRunAt returns the next time the schedule fires.
func (s Schedule) NextRunAt() time.Time {
	if s.Type == ScheduleCron {
		return s.NextRun
	}
	return s.RunAt
}

// ScheduledTask is one persisted task.
type ScheduledTask struct {
	ID        string     `json:"id"`
	Kind      TaskKind   `json:"kind"`
	Schedule  Schedule   `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

// IsDue reports whether the task should fire at now.
func (t *ScheduledTask) IsDue(now time.Time) bool {
	return !t.Schedule.NextRunAt().After(now)
}

// Execution carries the structured directives parsed from a finished agent
// run. Parse errors are reported as warnings, never failures.
type Execution struct {
	FollowUpTasks []FollowUpRequest
	FollowUpError string
	Actions       []ActionRequest
	ActionsError  string
}

// Executor runs a task's payload. Implementations live outside this package
// (agent runner, outbound dispatch).
type Executor interface {
	Execute(ctx context.Context, kind TaskKind) (*Execution, error)
}

// Notifier delivers a user-visible failure notice once a run-task exhausts
// its retries. noticePath points at the rendered notice body.
type Notifier interface {
	NotifyFailure(ctx context.Context, taskID string, task *RunTaskTask, noticePath, message string) error
}
