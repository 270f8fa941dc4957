package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Scheduler holds a user's tasks in memory, writing every state change
// through to the store. Crash recovery is a plain reload.
type Scheduler struct {
	tasks         []*ScheduledTask
	store         *Store
	executor      Executor
	notifier      Notifier
	failureCounts map[string]int
	log           *slog.Logger
}

// Load opens the store at dbPath and rebuilds the task list from it.
func Load(dbPath string, executor Executor, notifier Notifier, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, err
	}
	tasks, err := store.LoadTasks()
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Scheduler{
		tasks:         tasks,
		store:         store,
		executor:      executor,
		notifier:      notifier,
		failureCounts: map[string]int{},
		log:           log.With(slog.String("component", "scheduler")),
	}, nil
}

// Close releases the store.
func (s *Scheduler) Close() error { return s.store.Close() }

// Tasks returns the live task list.
func (s *Scheduler) Tasks() []*ScheduledTask { return s.tasks }

// Store exposes the backing store for retry accounting.
func (s *Scheduler) Store() *Store { return s.store }

// AddCron validates the expression, precomputes its next run, and persists a
// new enabled cron task.
func (s *Scheduler) AddCron(expression string, kind TaskKind) (string, error) {
	if err := ValidateCron(expression); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	nextRun, err := NextAfter(expression, now)
	if err != nil {
		return "", err
	}
	task := &ScheduledTask{
		ID:   uuid.NewString(),
		Kind: kind,
		Schedule: Schedule{
			Type:       ScheduleCron,
			Expression: expression,
			NextRun:    nextRun,
		},
		Enabled:   true,
		CreatedAt: now,
	}
	return s.append(task)
}

// AddOneShotIn schedules a task after a delay.
func (s *Scheduler) AddOneShotIn(delay time.Duration, kind TaskKind) (string, error) {
	return s.AddOneShotAt(time.Now().UTC().Add(delay), kind)
}

// AddOneShotAt schedules a task at an absolute time.
func (s *Scheduler) AddOneShotAt(runAt time.Time, kind TaskKind) (string, error) {
	task := &ScheduledTask{
		ID:   uuid.NewString(),
		Kind: kind,
		Schedule: Schedule{
			Type:  ScheduleOneShot,
			RunAt: runAt.UTC(),
		},
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	return s.append(task)
}

func (s *Scheduler) append(task *ScheduledTask) (string, error) {
	s.tasks = append(s.tasks, task)
	if err := s.store.InsertTask(task); err != nil {
		s.tasks = s.tasks[:len(s.tasks)-1]
		return "", err
	}
	return task.ID, nil
}

// DisableTasksBy disables every enabled task matching the predicate and
// returns how many were disabled.
func (s *Scheduler) DisableTasksBy(predicate func(*ScheduledTask) bool) (int, error) {
	disabled := 0
	for _, task := range s.tasks {
		if !task.Enabled || !predicate(task) {
			continue
		}
		task.Enabled = false
		if err := s.store.UpdateTask(task); err != nil {
			return disabled, err
		}
		disabled++
	}
	return disabled, nil
}

// DisableTask disables a task by id in memory and in the store.
func (s *Scheduler) DisableTask(taskID string) error {
	for _, task := range s.tasks {
		if task.ID == taskID {
			task.Enabled = false
			break
		}
	}
	return s.store.DisableTask(taskID)
}

// Tick executes every enabled, due task once.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	count := len(s.tasks)
	for i := 0; i < count; i++ {
		task := s.tasks[i]
		if !task.Enabled || !task.IsDue(now) {
			continue
		}
		if err := s.executeTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteTaskByID runs a single due task, for the worker loop's index-driven
// dispatch. Returns false when the task is unknown, disabled, or not due.
func (s *Scheduler) ExecuteTaskByID(ctx context.Context, taskID string) (bool, error) {
	now := time.Now().UTC()
	for _, task := range s.tasks {
		if task.ID != taskID {
			continue
		}
		if !task.Enabled || !task.IsDue(now) {
			return false, nil
		}
		return true, s.executeTask(ctx, task)
	}
	return false, nil
}

func (s *Scheduler) executeTask(ctx context.Context, task *ScheduledTask) error {
	if run := task.Kind.Run; run != nil {
		if err := WriteSnapshot(run.WorkspaceDir, s.tasks, time.Now().UTC()); err != nil {
			s.log.Warn("failed to write scheduler snapshot",
				slog.String("workspace", run.WorkspaceDir), slog.Any("error", err))
		}
	}
	startedAt := time.Now().UTC()
	executionID, err := s.store.RecordExecutionStart(task.ID, startedAt)
	if err != nil {
		return err
	}
	execution, execErr := s.executor.Execute(ctx, task.Kind)
	executedAt := time.Now().UTC()

	if execErr != nil {
		return s.handleFailure(ctx, task, executionID, executedAt, execErr)
	}

	delete(s.failureCounts, task.ID)
	if err := s.store.RecordExecutionFinish(executionID, executedAt, "success", ""); err != nil {
		return err
	}
	task.LastRun = &executedAt
	if task.Schedule.Type == ScheduleCron {
		next, err := NextAfter(task.Schedule.Expression, executedAt)
		if err != nil {
			return err
		}
		task.Schedule.NextRun = next
	} else {
		task.Enabled = false
	}
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}

	if run := task.Kind.Run; run != nil {
		if execution == nil {
			execution = &Execution{}
		}
		if execution.FollowUpError != "" {
			s.log.Warn("scheduled tasks parse error", slog.String("error", execution.FollowUpError))
		}
		if err := snapshotReplyDraft(run); err != nil {
			s.log.Warn("failed to snapshot reply draft",
				slog.String("workspace", run.WorkspaceDir), slog.Any("error", err))
		}
		s.ingestFollowUps(run, execution.FollowUpTasks)
		delayed := scheduleDelaysReply(execution.Actions)
		if !delayed {
			if _, err := s.scheduleAutoReply(run); err != nil {
				s.log.Warn("failed to schedule auto reply",
					slog.String("workspace", run.WorkspaceDir), slog.Any("error", err))
			}
		}
		if execution.ActionsError != "" {
			s.log.Warn("scheduler actions parse error", slog.String("error", execution.ActionsError))
		}
		if err := s.applyActions(run, execution.Actions); err != nil {
			s.log.Warn("failed to apply scheduler actions",
				slog.String("workspace", run.WorkspaceDir), slog.Any("error", err))
		}
	}
	return nil
}

func (s *Scheduler) handleFailure(ctx context.Context, task *ScheduledTask, executionID int64, executedAt time.Time, execErr error) error {
	message := execErr.Error()
	if err := s.store.RecordExecutionFinish(executionID, executedAt, "failed", message); err != nil {
		return err
	}
	if task.Schedule.Type != ScheduleOneShot {
		return execErr
	}
	shouldDisable := true
	if run := task.Kind.Run; run != nil {
		s.failureCounts[task.ID]++
		if s.failureCounts[task.ID] < RunTaskFailureLimit {
			shouldDisable = false
		} else {
			if err := s.notifyRunTaskFailure(ctx, task.ID, run, message); err != nil {
				s.log.Warn("failed to notify run task failure",
					slog.String("task_id", task.ID), slog.Any("error", err))
			}
			delete(s.failureCounts, task.ID)
		}
	}
	if shouldDisable {
		task.Enabled = false
		if err := s.store.UpdateTask(task); err != nil {
			return err
		}
		s.log.Warn("disabled one-shot task after failure",
			slog.String("task_id", task.ID), slog.String("error", message))
	}
	return execErr
}

// notifyRunTaskFailure writes a notice file into the workspace and hands it
// to the notifier for delivery. Chat channels get plain text, email HTML.
func (s *Scheduler) notifyRunTaskFailure(ctx context.Context, taskID string, run *RunTaskTask, message string) error {
	failureDir := filepath.Join(run.WorkspaceDir, FailureDir)
	if err := os.MkdirAll(failureDir, 0o755); err != nil {
		return err
	}
	var noticePath, body string
	switch run.Channel {
	case channel.Email, channel.GoogleDocs:
		noticePath = filepath.Join(failureDir, fmt.Sprintf("task_failure_%s.html", taskID))
		body = "<p>" + FailureNotice + "</p>"
	default:
		noticePath = filepath.Join(failureDir, fmt.Sprintf("task_failure_%s.txt", taskID))
		body = FailureNotice
	}
	if err := os.WriteFile(noticePath, []byte(body), 0o644); err != nil {
		return err
	}
	if s.notifier == nil {
		s.log.Warn("no failure notifier configured", slog.String("task_id", taskID))
		return nil
	}
	return s.notifier.NotifyFailure(ctx, taskID, run, noticePath, message)
}
