package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    kind_json TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    last_run TIMESTAMP,
    schedule_type TEXT NOT NULL,
    cron_expression TEXT,
    next_run TIMESTAMP,
    run_at TIMESTAMP,
    retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS task_executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    status TEXT NOT NULL,
    error_message TEXT
);
`

// Store persists scheduled tasks and execution records in one SQLite file
// under the user's state directory.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the store at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create scheduler dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open scheduler db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate scheduler db: %w", err)
	}
	return &Store{db: db}, nil
}

// LoadTasks reads every task, oldest first.
func (s *Store) LoadTasks() ([]*ScheduledTask, error) {
	rows, err := s.db.Query(`
        SELECT id, kind_json, enabled, created_at, last_run,
               schedule_type, cron_expression, next_run, run_at
        FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		var (
			task     ScheduledTask
			kindJSON string
			enabled  int
			lastRun  sql.NullTime
			cronExpr sql.NullString
			nextRun  sql.NullTime
			runAt    sql.NullTime
		)
		if err := rows.Scan(&task.ID, &kindJSON, &enabled, &task.CreatedAt,
			&lastRun, &task.Schedule.Type, &cronExpr, &nextRun, &runAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(kindJSON), &task.Kind); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", task.ID, err)
		}
		task.Enabled = enabled != 0
		if lastRun.Valid {
			t := lastRun.Time
			task.LastRun = &t
		}
		task.Schedule.Expression = cronExpr.String
		if nextRun.Valid {
			task.Schedule.NextRun = nextRun.Time
		}
		if runAt.Valid {
			task.Schedule.RunAt = runAt.Time
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// InsertTask writes a new task.
func (s *Store) InsertTask(task *ScheduledTask) error {
	kindJSON, err := json.Marshal(task.Kind)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
        INSERT INTO tasks (id, kind_json, enabled, created_at, last_run,
                           schedule_type, cron_expression, next_run, run_at, retry_count)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		task.ID, string(kindJSON), boolToInt(task.Enabled), task.CreatedAt.UTC(),
		nullTime(task.LastRun), task.Schedule.Type,
		nullString(task.Schedule.Expression),
		nullTimeVal(task.Schedule.NextRun), nullTimeVal(task.Schedule.RunAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask rewrites a task's mutable columns.
func (s *Store) UpdateTask(task *ScheduledTask) error {
	_, err := s.db.Exec(`
        UPDATE tasks
        SET enabled = ?, last_run = ?, schedule_type = ?,
            cron_expression = ?, next_run = ?, run_at = ?
        WHERE id = ?`,
		boolToInt(task.Enabled), nullTime(task.LastRun), task.Schedule.Type,
		nullString(task.Schedule.Expression),
		nullTimeVal(task.Schedule.NextRun), nullTimeVal(task.Schedule.RunAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// RecordExecutionStart inserts a running execution row and returns its id.
func (s *Store) RecordExecutionStart(taskID string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(`
        INSERT INTO task_executions (task_id, started_at, status)
        VALUES (?, ?, 'running')`,
		taskID, startedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("record execution start: %w", err)
	}
	return res.LastInsertId()
}

// RecordExecutionFinish finalizes an execution row.
func (s *Store) RecordExecutionFinish(executionID int64, finishedAt time.Time, status, errorMessage string) error {
	_, err := s.db.Exec(`
        UPDATE task_executions
        SET finished_at = ?, status = ?, error_message = ?
        WHERE id = ?`,
		finishedAt.UTC(), status, nullString(errorMessage), executionID,
	)
	if err != nil {
		return fmt.Errorf("record execution finish: %w", err)
	}
	return nil
}

// RetryCount returns the watchdog retry counter for a task.
func (s *Store) RetryCount(taskID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT retry_count FROM tasks WHERE id = ?`, taskID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry count: %w", err)
	}
	return count, nil
}

// IncrementRetryCount bumps and returns the retry counter.
func (s *Store) IncrementRetryCount(taskID string) (int, error) {
	if _, err := s.db.Exec(
		`UPDATE tasks SET retry_count = retry_count + 1 WHERE id = ?`, taskID,
	); err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return s.RetryCount(taskID)
}

// ResetRetryCount clears the retry counter after a successful run.
func (s *Store) ResetRetryCount(taskID string) error {
	_, err := s.db.Exec(`UPDATE tasks SET retry_count = 0 WHERE id = ?`, taskID)
	return err
}

// DisableTask marks a task disabled.
func (s *Store) DisableTask(taskID string) error {
	_, err := s.db.Exec(`UPDATE tasks SET enabled = 0 WHERE id = ?`, taskID)
	return err
}

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
