package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	snapshotFilename   = "scheduler_snapshot.json"
	snapshotWindowDays = 7
)

// Snapshot is the agent-readable view of upcoming work, written into the
// workspace before each run so the agent can reason about what is already
// scheduled.
type Snapshot struct {
	GeneratedAt        time.Time      `json:"generated_at"`
	WindowStart        time.Time      `json:"window_start"`
	WindowEnd          time.Time      `json:"window_end"`
	TotalEnabled       int            `json:"total_enabled"`
	Upcoming           []SnapshotTask `json:"upcoming"`
	OmittedPastDue     int            `json:"omitted_past_due"`
	OmittedAfterWindow int            `json:"omitted_after_window"`
}

// SnapshotTask is one upcoming task in the snapshot.
type SnapshotTask struct {
	ID       string     `json:"id"`
	Kind     string     `json:"kind"`
	Schedule Schedule   `json:"schedule"`
	NextRun  time.Time  `json:"next_run"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	Status   string     `json:"status"`
	Label    string     `json:"label,omitempty"`
}

// WriteSnapshot renders the snapshot into workspaceDir.
func WriteSnapshot(workspaceDir string, tasks []*ScheduledTask, now time.Time) error {
	snapshot := BuildSnapshot(tasks, now)
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workspaceDir, snapshotFilename), raw, 0o644)
}

// BuildSnapshot collects enabled tasks due within the window.
func BuildSnapshot(tasks []*ScheduledTask, now time.Time) Snapshot {
	windowEnd := now.Add(snapshotWindowDays * 24 * time.Hour)
	snapshot := Snapshot{
		GeneratedAt: now,
		WindowStart: now,
		WindowEnd:   windowEnd,
	}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		snapshot.TotalEnabled++
		nextRun := task.Schedule.NextRunAt()
		if nextRun.Before(now) {
			snapshot.OmittedPastDue++
			continue
		}
		if nextRun.After(windowEnd) {
			snapshot.OmittedAfterWindow++
			continue
		}
		snapshot.Upcoming = append(snapshot.Upcoming, SnapshotTask{
			ID:       task.ID,
			Kind:     task.Kind.Type,
			Schedule: task.Schedule,
			NextRun:  nextRun,
			LastRun:  task.LastRun,
			Status:   taskStatus(task, now),
			Label:    taskLabel(task.Kind),
		})
	}
	sort.Slice(snapshot.Upcoming, func(i, j int) bool {
		return snapshot.Upcoming[i].NextRun.Before(snapshot.Upcoming[j].NextRun)
	})
	return snapshot
}

// snapshotReplyDraft copies the reply draft into drafts/ so successive epochs
// keep their history.
func snapshotReplyDraft(run *RunTaskTask) error {
	draftName, _ := ReplyDraftNames(run.Channel)
	draftPath := filepath.Join(run.WorkspaceDir, draftName)
	raw, err := os.ReadFile(draftPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	draftsDir := filepath.Join(run.WorkspaceDir, "drafts")
	if err := os.MkdirAll(draftsDir, 0o755); err != nil {
		return err
	}
	timestamp := time.Now().UTC().Format("20060102T150405")
	ext := filepath.Ext(draftName)
	base := strings.TrimSuffix(draftName, ext)
	var filename string
	if run.ThreadEpoch > 0 {
		filename = fmt.Sprintf("%s_epoch_%d_%s%s", base, run.ThreadEpoch, timestamp, ext)
	} else {
		filename = fmt.Sprintf("%s_%s%s", base, timestamp, ext)
	}
	return os.WriteFile(filepath.Join(draftsDir, filename), raw, 0o644)
}

func taskStatus(task *ScheduledTask, now time.Time) string {
	if !task.Enabled {
		if task.LastRun != nil {
			return "completed"
		}
		return "disabled"
	}
	if task.IsDue(now) {
		return "due"
	}
	return "scheduled"
}

func taskLabel(kind TaskKind) string {
	switch {
	case kind.SendReply != nil:
		return truncateLabel(strings.TrimSpace(kind.SendReply.Subject), 120)
	case kind.Run != nil:
		if id := strings.TrimSpace(kind.Run.ThreadID); id != "" {
			return truncateLabel(id, 120)
		}
		return truncateLabel(filepath.Base(kind.Run.WorkspaceDir), 120)
	}
	return ""
}

func truncateLabel(value string, max int) string {
	if len(value) <= max {
		return value
	}
	end := max - 1
	for end > 0 && !isRuneStart(value, end) {
		end--
	}
	return value[:end] + "..."
}

func isRuneStart(s string, i int) bool {
	if i == 0 || i >= len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
