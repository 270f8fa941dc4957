package scheduler

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/workspace"
)

// FollowUpRequest is one entry of the agent's follow-up task block: a reply
// to send later, with paths relative to the workspace.
type FollowUpRequest struct {
	Type           string   `json:"type"`
	Subject        string   `json:"subject"`
	BodyPath       string   `json:"html_path"`
	AttachmentsDir string   `json:"attachments_dir,omitempty"`
	From           string   `json:"from,omitempty"`
	To             []string `json:"to,omitempty"`
	CC             []string `json:"cc,omitempty"`
	BCC            []string `json:"bcc,omitempty"`
	RunAt          string   `json:"run_at,omitempty"`
	DelaySeconds   *int64   `json:"delay_seconds,omitempty"`
	DelayMinutes   *int64   `json:"delay_minutes,omitempty"`
}

// ScheduleRequest is the schedule element of an action block.
type ScheduleRequest struct {
	Type       string `json:"type"`
	Expression string `json:"expression,omitempty"`
	RunAt      string `json:"run_at,omitempty"`
}

// Action types emitted by agents.
const (
	ActionCancel        = "cancel"
	ActionReschedule    = "reschedule"
	ActionCreateRunTask = "create_run_task"
	ActionScheduleReply = "schedule_reply"
)

// ActionRequest is one entry of the agent's scheduler action block.
type ActionRequest struct {
	Type          string           `json:"type"`
	TaskIDs       []string         `json:"task_ids,omitempty"`
	TaskID        string           `json:"task_id,omitempty"`
	Schedule      *ScheduleRequest `json:"schedule,omitempty"`
	ModelName     string           `json:"model_name,omitempty"`
	CodexDisabled *bool            `json:"codex_disabled,omitempty"`
	ReplyTo       []string         `json:"reply_to,omitempty"`
	RunAt         string           `json:"run_at,omitempty"`
}

// scheduleDelaysReply reports whether the action list takes over reply
// scheduling, suppressing the immediate auto reply.
func scheduleDelaysReply(actions []ActionRequest) bool {
	for _, action := range actions {
		if action.Type == ActionScheduleReply {
			return true
		}
	}
	return false
}

// threadEpochMatches reports whether the task's epoch is still current. A
// newer inbound bumps the thread state, making this task's results stale.
func threadEpochMatches(run *RunTaskTask) bool {
	if run.ThreadEpoch == 0 {
		return true
	}
	statePath := run.ThreadStatePath
	if statePath == "" {
		statePath = workspace.StatePath(run.WorkspaceDir)
	}
	state, err := workspace.LoadState(statePath)
	if err != nil || state.Epoch == 0 {
		return true
	}
	return state.Epoch == run.ThreadEpoch
}

func (s *Scheduler) ingestFollowUps(run *RunTaskTask, requests []FollowUpRequest) {
	if len(requests) == 0 {
		return
	}
	if !threadEpochMatches(run) {
		s.log.Info("skip follow-up scheduling for stale thread epoch",
			slog.String("workspace", run.WorkspaceDir))
		return
	}
	scheduled := 0
	for _, request := range requests {
		ok, err := s.scheduleFollowUpReply(run, request)
		if err != nil {
			s.log.Warn("failed to schedule follow-up reply",
				slog.String("workspace", run.WorkspaceDir), slog.Any("error", err))
			continue
		}
		if ok {
			scheduled++
		}
	}
	s.log.Info("scheduled follow-up tasks",
		slog.Int("count", scheduled), slog.String("workspace", run.WorkspaceDir))
}

func (s *Scheduler) scheduleFollowUpReply(run *RunTaskTask, request FollowUpRequest) (bool, error) {
	if strings.TrimSpace(request.BodyPath) == "" {
		s.log.Warn("follow-up reply missing body path",
			slog.String("workspace", run.WorkspaceDir))
		return false, nil
	}
	bodyPath, ok := resolveRelPath(run.WorkspaceDir, request.BodyPath)
	if !ok {
		s.log.Warn("follow-up reply has invalid body path",
			slog.String("path", request.BodyPath), slog.String("workspace", run.WorkspaceDir))
		return false, nil
	}
	if _, err := os.Stat(bodyPath); err != nil {
		s.log.Warn("follow-up reply body does not exist", slog.String("path", bodyPath))
		return false, nil
	}
	attachmentsRaw := request.AttachmentsDir
	if attachmentsRaw == "" {
		attachmentsRaw = "scheduled_email_attachments"
	}
	attachmentsDir, ok := resolveRelPath(run.WorkspaceDir, attachmentsRaw)
	if !ok {
		s.log.Warn("follow-up reply has invalid attachments dir",
			slog.String("path", attachmentsRaw), slog.String("workspace", run.WorkspaceDir))
		return false, nil
	}
	to := request.To
	if len(to) == 0 {
		to = run.ReplyTo
	}
	if len(to) == 0 {
		s.log.Warn("follow-up reply missing recipients",
			slog.String("workspace", run.WorkspaceDir))
		return false, nil
	}
	replyCtx := loadReplyContext(run.WorkspaceDir)
	from := strings.TrimSpace(request.From)
	if from == "" {
		from = run.ReplyFrom
	}
	if from == "" {
		from = replyCtx.From
	}

	send := SendReplyTask{
		Channel:         run.Channel,
		Subject:         request.Subject,
		BodyPath:        bodyPath,
		AttachmentsDir:  attachmentsDir,
		From:            from,
		To:              to,
		CC:              request.CC,
		BCC:             request.BCC,
		ArchiveRoot:     run.ArchiveRoot,
		ThreadEpoch:     run.ThreadEpoch,
		ThreadStatePath: run.ThreadStatePath,
		Metadata:        run.Metadata,
	}

	if raw := strings.TrimSpace(request.RunAt); raw != "" {
		runAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.log.Warn("follow-up reply has invalid run_at",
				slog.String("run_at", raw), slog.Any("error", err))
			return false, nil
		}
		if _, err := s.AddOneShotAt(runAt, NewSendReply(send)); err != nil {
			return false, err
		}
		return true, nil
	}

	var delay time.Duration
	switch {
	case request.DelaySeconds != nil:
		delay = time.Duration(max64(*request.DelaySeconds, 0)) * time.Second
	case request.DelayMinutes != nil:
		delay = time.Duration(max64(*request.DelayMinutes, 0)) * time.Minute
	default:
		s.log.Warn("follow-up reply missing delay",
			slog.String("workspace", run.WorkspaceDir))
		return false, nil
	}
	if _, err := s.AddOneShotIn(delay, NewSendReply(send)); err != nil {
		return false, err
	}
	return true, nil
}

// scheduleAutoReply enqueues an immediate SendReply when the workspace holds
// a reply draft for the task's channel.
func (s *Scheduler) scheduleAutoReply(run *RunTaskTask) (bool, error) {
	if !threadEpochMatches(run) {
		s.log.Info("skip auto reply for stale thread epoch",
			slog.String("workspace", run.WorkspaceDir))
		return false, nil
	}
	if len(run.ReplyTo) == 0 {
		return false, nil
	}
	draftName, attachmentsName := ReplyDraftNames(run.Channel)
	bodyPath := filepath.Join(run.WorkspaceDir, draftName)
	if _, err := os.Stat(bodyPath); err != nil {
		s.log.Warn("auto reply draft missing",
			slog.String("draft", draftName), slog.String("workspace", run.WorkspaceDir))
		return false, nil
	}
	replyCtx := loadReplyContext(run.WorkspaceDir)
	from := run.ReplyFrom
	if from == "" {
		from = replyCtx.From
	}
	send := SendReplyTask{
		Channel:         run.Channel,
		Subject:         replyCtx.Subject,
		BodyPath:        bodyPath,
		AttachmentsDir:  filepath.Join(run.WorkspaceDir, attachmentsName),
		From:            from,
		To:              run.ReplyTo,
		InReplyTo:       replyCtx.InReplyTo,
		References:      replyCtx.References,
		ArchiveRoot:     run.ArchiveRoot,
		ThreadEpoch:     run.ThreadEpoch,
		ThreadStatePath: run.ThreadStatePath,
		Metadata:        run.Metadata,
	}
	taskID, err := s.AddOneShotIn(0, NewSendReply(send))
	if err != nil {
		return false, err
	}
	s.log.Info("scheduled auto reply",
		slog.String("task_id", taskID),
		slog.String("workspace", run.WorkspaceDir),
		slog.String("channel", run.Channel.String()))
	return true, nil
}

// ReplyDraftNames returns the draft file and attachments directory the agent
// is expected to produce for a channel.
func ReplyDraftNames(ch channel.Channel) (draft, attachments string) {
	switch ch {
	case channel.Email, channel.GoogleDocs:
		return "reply_email_draft.html", "reply_email_attachments"
	default:
		return "reply_message.txt", "reply_attachments"
	}
}

func (s *Scheduler) applyActions(run *RunTaskTask, actions []ActionRequest) error {
	if len(actions) == 0 {
		return nil
	}
	now := time.Now().UTC()
	var canceled, rescheduled, created, skipped int
	for _, action := range actions {
		switch action.Type {
		case ActionCancel:
			ids := map[string]struct{}{}
			for _, raw := range action.TaskIDs {
				if raw = strings.TrimSpace(raw); raw != "" {
					ids[raw] = struct{}{}
				}
			}
			if len(ids) == 0 {
				skipped++
				continue
			}
			n, err := s.DisableTasksBy(func(t *ScheduledTask) bool {
				_, ok := ids[t.ID]
				return ok
			})
			if err != nil {
				return err
			}
			canceled += n
		case ActionReschedule:
			target := s.findTask(action.TaskID)
			if target == nil {
				s.log.Warn("scheduler action task not found", slog.String("task_id", action.TaskID))
				skipped++
				continue
			}
			schedule, err := resolveScheduleRequest(action.Schedule, now)
			if err != nil {
				s.log.Warn("scheduler action invalid schedule",
					slog.String("task_id", action.TaskID), slog.Any("error", err))
				skipped++
				continue
			}
			target.Schedule = schedule
			target.Enabled = true
			if err := s.store.UpdateTask(target); err != nil {
				return err
			}
			rescheduled++
		case ActionCreateRunTask:
			schedule, err := resolveScheduleRequest(action.Schedule, now)
			if err != nil {
				s.log.Warn("scheduler action invalid create_run_task schedule", slog.Any("error", err))
				skipped++
				continue
			}
			newRun := *run
			if name := strings.TrimSpace(action.ModelName); name != "" {
				newRun.ModelName = name
			}
			if action.CodexDisabled != nil {
				newRun.CodexDisabled = *action.CodexDisabled
			}
			if len(action.ReplyTo) > 0 {
				newRun.ReplyTo = action.ReplyTo
			}
			if schedule.Type == ScheduleCron {
				if _, err := s.AddCron(schedule.Expression, NewRunTask(newRun)); err != nil {
					return err
				}
			} else {
				if _, err := s.AddOneShotAt(schedule.RunAt, NewRunTask(newRun)); err != nil {
					return err
				}
			}
			created++
		case ActionScheduleReply:
			runAt, err := time.Parse(time.RFC3339, strings.TrimSpace(action.RunAt))
			if err != nil {
				s.log.Warn("scheduler action invalid schedule_reply run_at",
					slog.String("run_at", action.RunAt), slog.Any("error", err))
				skipped++
				continue
			}
			ok, err := s.scheduleReplyAt(run, runAt)
			if err != nil {
				return err
			}
			if ok {
				created++
			} else {
				skipped++
			}
		default:
			s.log.Warn("unknown scheduler action", slog.String("type", action.Type))
			skipped++
		}
	}
	s.log.Info("scheduler actions applied",
		slog.String("workspace", run.WorkspaceDir),
		slog.Int("canceled", canceled),
		slog.Int("rescheduled", rescheduled),
		slog.Int("created", created),
		slog.Int("skipped", skipped))
	return nil
}

// scheduleReplyAt is the delayed form of scheduleAutoReply.
func (s *Scheduler) scheduleReplyAt(run *RunTaskTask, runAt time.Time) (bool, error) {
	if len(run.ReplyTo) == 0 {
		return false, nil
	}
	draftName, attachmentsName := ReplyDraftNames(run.Channel)
	bodyPath := filepath.Join(run.WorkspaceDir, draftName)
	if _, err := os.Stat(bodyPath); err != nil {
		s.log.Warn("delayed reply draft missing",
			slog.String("draft", draftName), slog.String("workspace", run.WorkspaceDir))
		return false, nil
	}
	replyCtx := loadReplyContext(run.WorkspaceDir)
	from := run.ReplyFrom
	if from == "" {
		from = replyCtx.From
	}
	send := SendReplyTask{
		Channel:         run.Channel,
		Subject:         replyCtx.Subject,
		BodyPath:        bodyPath,
		AttachmentsDir:  filepath.Join(run.WorkspaceDir, attachmentsName),
		From:            from,
		To:              run.ReplyTo,
		InReplyTo:       replyCtx.InReplyTo,
		References:      replyCtx.References,
		ArchiveRoot:     run.ArchiveRoot,
		ThreadEpoch:     run.ThreadEpoch,
		ThreadStatePath: run.ThreadStatePath,
		Metadata:        run.Metadata,
	}
	if _, err := s.AddOneShotAt(runAt, NewSendReply(send)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) findTask(id string) *ScheduledTask {
	for _, task := range s.tasks {
		if task.ID == id {
			return task
		}
	}
	return nil
}

func resolveScheduleRequest(request *ScheduleRequest, now time.Time) (Schedule, error) {
	if request == nil {
		return Schedule{}, fmt.Errorf("missing schedule")
	}
	switch request.Type {
	case ScheduleCron:
		if err := ValidateCron(request.Expression); err != nil {
			return Schedule{}, err
		}
		next, err := NextAfter(request.Expression, now)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Type: ScheduleCron, Expression: request.Expression, NextRun: next}, nil
	case ScheduleOneShot:
		runAt, err := time.Parse(time.RFC3339, strings.TrimSpace(request.RunAt))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid run_at: %w", err)
		}
		if runAt.Before(now) {
			return Schedule{}, fmt.Errorf("one_shot run_at is in the past")
		}
		return Schedule{Type: ScheduleOneShot, RunAt: runAt.UTC()}, nil
	default:
		return Schedule{}, fmt.Errorf("unknown schedule type %q", request.Type)
	}
}

// resolveRelPath joins a workspace-relative path, rejecting absolute paths
// and parent traversal.
func resolveRelPath(root, raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return "", false
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(root, cleaned), true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
