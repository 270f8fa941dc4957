// Package taskindex maintains the cross-user due-task view. The worker loop
// polls this single table instead of opening every user's scheduler database
// each interval.
package taskindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dowhiz/dowhiz/internal/scheduler"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_index (
    task_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    next_run TIMESTAMP NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_task_index_due
    ON task_index (enabled, next_run);
`

// TaskRef points at one task in one user's scheduler.
type TaskRef struct {
	TaskID  string
	UserID  string
	NextRun time.Time
}

// Store is the index database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the index at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index db: %w", err)
	}
	return &Store{db: db}, nil
}

// SyncUserTasks replaces the user's rows with the scheduler's current task
// list. Called after every scheduler mutation.
func (s *Store) SyncUserTasks(userID string, tasks []*scheduler.ScheduledTask) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sync begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM task_index WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("sync clear: %w", err)
	}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if _, err := tx.Exec(`
            INSERT INTO task_index (task_id, user_id, next_run, enabled)
            VALUES (?, ?, ?, 1)
            ON CONFLICT (task_id) DO UPDATE SET
                user_id = excluded.user_id,
                next_run = excluded.next_run,
                enabled = 1`,
			task.ID, userID, task.Schedule.NextRunAt().UTC(),
		); err != nil {
			return fmt.Errorf("sync insert: %w", err)
		}
	}
	return tx.Commit()
}

// DueTaskRefs returns up to limit enabled tasks due at now, soonest first.
func (s *Store) DueTaskRefs(now time.Time, limit int) ([]TaskRef, error) {
	rows, err := s.db.Query(`
        SELECT task_id, user_id, next_run
        FROM task_index
        WHERE enabled = 1 AND next_run <= ?
        ORDER BY next_run
        LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due refs: %w", err)
	}
	defer rows.Close()

	var refs []TaskRef
	for rows.Next() {
		var ref TaskRef
		if err := rows.Scan(&ref.TaskID, &ref.UserID, &ref.NextRun); err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Disable marks a single task disabled in the index.
func (s *Store) Disable(taskID string) error {
	_, err := s.db.Exec(`UPDATE task_index SET enabled = 0 WHERE task_id = ?`, taskID)
	return err
}

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }
