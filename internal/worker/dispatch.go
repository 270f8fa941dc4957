package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/scheduler"
	"github.com/dowhiz/dowhiz/internal/taskindex"
)

// runDispatch polls the cross-user task index and fans due tasks out to
// goroutines, bounded by the global limiter and per-user claims.
func (w *Worker) runDispatch(ctx context.Context) {
	w.log.Info("dispatch loop started",
		slog.Int("max_concurrency", w.maxConcurrency),
		slog.Int("user_concurrency", w.userConcurrency))
	ticker := time.NewTicker(w.dispatchPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.dispatchDue(ctx, time.Now())
	}
}

func (w *Worker) dispatchDue(ctx context.Context, now time.Time) {
	refs, err := w.index.DueTaskRefs(now, w.maxConcurrency*4)
	if err != nil {
		w.log.Warn("due task query failed", slog.Any("error", err))
		return
	}
	for i, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		if !w.limiter.TryAcquire() {
			w.log.Info("at capacity; deferring due tasks", slog.Int("deferred", len(refs)-i))
			return
		}
		switch w.claims.TryClaim(ref, w.userConcurrency) {
		case UserBusy:
			w.limiter.Release()
			continue
		case TaskBusy:
			w.limiter.Release()
			continue
		}
		go func(ref taskindex.TaskRef) {
			defer w.limiter.Release()
			defer w.claims.Release(ref)
			w.executeDueTask(ctx, ref)
		}(ref)
	}
}

// executeDueTask loads the owning user's scheduler and runs one task. The
// workspace busy set keeps two agent runs out of the same thread workspace.
func (w *Worker) executeDueTask(ctx context.Context, ref taskindex.TaskRef) {
	dbPath := w.users.PathsFor(ref.UserID).SchedulerDBPath()
	sched, err := scheduler.Load(dbPath, w.executor, w.dispatcher, w.log)
	if err != nil {
		w.log.Error("scheduler load failed",
			slog.String("user_id", ref.UserID), slog.Any("error", err))
		return
	}
	defer sched.Close()

	workspaceDir := ""
	for _, task := range sched.Tasks() {
		if task.ID == ref.TaskID && task.Kind.Type == scheduler.KindRunTask && task.Kind.Run != nil {
			workspaceDir = task.Kind.Run.WorkspaceDir
		}
	}
	if workspaceDir != "" {
		if !w.busy.tryAdd(workspaceDir) {
			// Another run owns this workspace; the task stays due and the
			// next dispatch cycle retries it.
			w.log.Info("workspace busy, deferring task",
				slog.String("task_id", ref.TaskID),
				slog.String("workspace", workspaceDir))
			return
		}
		defer w.busy.remove(workspaceDir)
	}

	executed, err := sched.ExecuteTaskByID(ctx, ref.TaskID)
	if err != nil {
		w.log.Error("task execution failed",
			slog.String("task_id", ref.TaskID),
			slog.String("user_id", ref.UserID),
			slog.Any("error", err))
	} else if executed {
		if err := sched.Store().ResetRetryCount(ref.TaskID); err != nil {
			w.log.Warn("retry count reset failed", slog.Any("error", err))
		}
	}
	if err := w.index.SyncUserTasks(ref.UserID, sched.Tasks()); err != nil {
		w.log.Warn("task index sync failed",
			slog.String("user_id", ref.UserID), slog.Any("error", err))
	}
}

// runWatchdog reaps claims that outlived the task timeout. Each reap bumps
// the retry count; tasks that keep timing out get disabled and the user gets
// a notification file.
func (w *Worker) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(w.watchdogInterval)
	defer ticker.Stop()
	sessionIdle := config.EnvDuration("COLLAB_SESSION_IDLE_SECS", 7*24*time.Hour)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, claim := range w.claims.Stale(w.taskTimeout) {
			w.reapStaleClaim(claim)
		}
		if w.collab != nil {
			if n, err := w.collab.MarkStale(sessionIdle); err != nil {
				w.log.Warn("stale session sweep failed", slog.Any("error", err))
			} else if n > 0 {
				w.log.Info("collaboration sessions marked stale", slog.Int64("count", n))
			}
		}
	}
}

func (w *Worker) reapStaleClaim(claim TaskClaim) {
	if _, ok := w.claims.ForceRelease(claim.TaskID); !ok {
		return
	}
	w.log.Warn("task exceeded timeout, reclaiming slot",
		slog.String("task_id", claim.TaskID),
		slog.String("user_id", claim.UserID),
		slog.Duration("age", time.Since(claim.StartedAt)))

	paths := w.users.PathsFor(claim.UserID)
	sched, err := scheduler.Load(paths.SchedulerDBPath(), w.executor, w.dispatcher, w.log)
	if err != nil {
		w.log.Error("scheduler load failed during reap", slog.Any("error", err))
		return
	}
	defer sched.Close()

	retries, err := sched.Store().IncrementRetryCount(claim.TaskID)
	if err != nil {
		w.log.Warn("retry count bump failed", slog.Any("error", err))
		return
	}
	if retries < scheduler.RunTaskFailureLimit {
		w.log.Warn("timed-out task will retry",
			slog.String("task_id", claim.TaskID),
			slog.Int("retries", retries))
		return
	}

	if err := sched.DisableTask(claim.TaskID); err != nil {
		w.log.Warn("failed to disable timed-out task", slog.Any("error", err))
	}
	if err := w.index.Disable(claim.TaskID); err != nil {
		w.log.Warn("failed to drop timed-out task from index", slog.Any("error", err))
	}
	if err := writeTimeoutNotice(paths.Notifications, claim, retries); err != nil {
		w.log.Warn("failed to write timeout notice", slog.Any("error", err))
	}
	w.log.Error("task disabled after repeated timeouts",
		slog.String("task_id", claim.TaskID),
		slog.String("user_id", claim.UserID),
		slog.Int("retries", retries))
}

// writeTimeoutNotice drops a file the agent surfaces to the user on its next
// run in this account.
func writeTimeoutNotice(dir string, claim TaskClaim, retries int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("task_failure_%s.txt", time.Now().Format("20060102_150405"))
	body := fmt.Sprintf("Task %s was stopped after timing out %d times.\nStarted: %s\n\n%s\n",
		claim.TaskID, retries, claim.StartedAt.Format(time.RFC3339), scheduler.FailureNotice)
	return os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644)
}
