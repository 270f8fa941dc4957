package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ingestion_queue (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    employee_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    external_message_id TEXT NOT NULL,
    dedupe_key TEXT NOT NULL UNIQUE,
    payload_json TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMP NOT NULL,
    locked_at TIMESTAMP,
    locked_by TEXT,
    processed_at TIMESTAMP,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    available_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_claim
    ON ingestion_queue (employee_id, status, created_at);
`

// SQLiteQueue is the embedded single-file queue backend, used when no
// server database is configured.
type SQLiteQueue struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger
}

// OpenSQLite opens (and migrates) the queue at the given file path. Parent
// directories are created as needed.
func OpenSQLite(path string, opts Options) (*SQLiteQueue, error) {
	opts = opts.withDefaults()
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// Claims use BEGIN IMMEDIATE through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return &SQLiteQueue{
		db:   db,
		opts: opts,
		log:  opts.Log.With(slog.String("component", "ingestion_queue")),
	}, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, env Envelope) (bool, error) {
	payload, err := env.payloadJSON()
	if err != nil {
		return false, err
	}
	res, err := q.db.ExecContext(ctx, `
        INSERT INTO ingestion_queue
            (id, tenant_id, employee_id, channel, external_message_id,
             dedupe_key, payload_json, status, created_at, attempts)
        VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, 0)
        ON CONFLICT (dedupe_key) DO NOTHING`,
		env.ID, env.TenantID, env.EmployeeID, env.Channel.String(),
		env.ExternalMessageID, env.DedupeKey, string(payload),
		env.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		q.log.Debug("duplicate envelope", slog.String("dedupe_key", env.DedupeKey))
	}
	return n > 0, nil
}

func (q *SQLiteQueue) ClaimNext(ctx context.Context, employeeID string) (*QueuedEnvelope, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	leaseCutoff := now.Add(-q.opts.Lease)
	row := tx.QueryRowContext(ctx, `
        SELECT id, payload_json, attempts, created_at
        FROM ingestion_queue
        WHERE employee_id = ?
          AND (status = 'pending'
               OR (status = 'processing' AND locked_at < ?))
          AND (available_at IS NULL OR available_at <= ?)
          AND attempts < ?
        ORDER BY created_at
        LIMIT 1`,
		employeeID, leaseCutoff, now, q.opts.MaxAttempts,
	)
	var (
		id        string
		payload   string
		attempts  int
		createdAt time.Time
	)
	if err := row.Scan(&id, &payload, &attempts, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim select: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE ingestion_queue
        SET status = 'processing', locked_at = ?, locked_by = ?, attempts = attempts + 1
        WHERE id = ?`,
		now, q.opts.WorkerID, id,
	); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	env, err := envelopeFromJSON([]byte(payload))
	if err != nil {
		return nil, err
	}
	return &QueuedEnvelope{
		Envelope:  env,
		Attempts:  attempts + 1,
		CreatedAt: createdAt,
		LockedBy:  q.opts.WorkerID,
	}, nil
}

func (q *SQLiteQueue) MarkDone(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
        UPDATE ingestion_queue
        SET status = 'done', processed_at = ?, locked_by = NULL, last_error = NULL
        WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) MarkFailed(ctx context.Context, id string, cause string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark failed begin: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM ingestion_queue WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		return fmt.Errorf("mark failed select: %w", err)
	}
	now := time.Now().UTC()
	if attempts >= q.opts.MaxAttempts {
		if _, err := tx.ExecContext(ctx, `
            UPDATE ingestion_queue
            SET status = 'failed', processed_at = ?, last_error = ?
            WHERE id = ?`,
			now, cause, id,
		); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		q.log.Warn("envelope failed terminally",
			slog.String("id", id), slog.String("error", cause))
	} else {
		if _, err := tx.ExecContext(ctx, `
            UPDATE ingestion_queue
            SET status = 'pending', locked_at = NULL, locked_by = NULL,
                last_error = ?, available_at = ?
            WHERE id = ?`,
			cause, now.Add(backoffFor(attempts)), id,
		); err != nil {
			return fmt.Errorf("mark retry: %w", err)
		}
	}
	return tx.Commit()
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }
