package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    employee_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    external_message_id TEXT NOT NULL,
    dedupe_key TEXT NOT NULL UNIQUE,
    payload_json JSONB NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMPTZ NOT NULL,
    locked_at TIMESTAMPTZ,
    locked_by TEXT,
    processed_at TIMESTAMPTZ,
    attempts INT NOT NULL DEFAULT 0,
    last_error TEXT,
    available_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_claim
    ON %[1]s (employee_id, status, created_at);
`

const defaultQueueTable = "ingestion_queue"

// validQueueTable limits INGESTION_QUEUE_TABLE to a plain SQL identifier,
// since the table name is interpolated into the queue statements.
func validQueueTable(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// PostgresQueue is the server-backed queue, used when INGESTION_DB_URL points
// at a Postgres instance. Claims rely on FOR UPDATE SKIP LOCKED so multiple
// worker processes can share one queue.
type PostgresQueue struct {
	pool *pgxpool.Pool
	opts Options
	log  *slog.Logger
}

// OpenPostgres connects and migrates the queue schema.
func OpenPostgres(ctx context.Context, url string, opts Options) (*PostgresQueue, error) {
	opts = opts.withDefaults()
	if !validQueueTable(opts.Table) {
		return nil, fmt.Errorf("invalid queue table name %q", opts.Table)
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect queue db: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(postgresSchema, opts.Table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return &PostgresQueue{
		pool: pool,
		opts: opts,
		log:  opts.Log.With(slog.String("component", "ingestion_queue")),
	}, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, env Envelope) (bool, error) {
	payload, err := env.payloadJSON()
	if err != nil {
		return false, err
	}
	tag, err := q.pool.Exec(ctx, fmt.Sprintf(`
        INSERT INTO %s
            (id, tenant_id, employee_id, channel, external_message_id,
             dedupe_key, payload_json, status, created_at, attempts)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, 0)
        ON CONFLICT (dedupe_key) DO NOTHING`, q.opts.Table),
		env.ID, env.TenantID, env.EmployeeID, env.Channel.String(),
		env.ExternalMessageID, env.DedupeKey, payload, env.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		q.log.Debug("duplicate envelope", slog.String("dedupe_key", env.DedupeKey))
		return false, nil
	}
	return true, nil
}

func (q *PostgresQueue) ClaimNext(ctx context.Context, employeeID string) (*QueuedEnvelope, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	row := tx.QueryRow(ctx, fmt.Sprintf(`
        SELECT id, payload_json, attempts, created_at
        FROM %s
        WHERE employee_id = $1
          AND (status = 'pending'
               OR (status = 'processing' AND locked_at < $2))
          AND (available_at IS NULL OR available_at <= $3)
          AND attempts < $4
        ORDER BY created_at
        LIMIT 1
        FOR UPDATE SKIP LOCKED`, q.opts.Table),
		employeeID, now.Add(-q.opts.Lease), now, q.opts.MaxAttempts,
	)
	var (
		id        string
		payload   []byte
		attempts  int
		createdAt time.Time
	)
	if err := row.Scan(&id, &payload, &attempts, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim select: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
        UPDATE %s
        SET status = 'processing', locked_at = $1, locked_by = $2, attempts = attempts + 1
        WHERE id = $3`, q.opts.Table),
		now, q.opts.WorkerID, id,
	); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	env, err := envelopeFromJSON(payload)
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

func (q *PostgresQueue) MarkDone(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, fmt.Sprintf(`
        UPDATE %s
        SET status = 'done', processed_at = $1, locked_by = NULL, last_error = NULL
        WHERE id = $2`, q.opts.Table),
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, id string, cause string) error {
	now := time.Now().UTC()
	tag, err := q.pool.Exec(ctx, fmt.Sprintf(`
        UPDATE %s
        SET status = 'failed', processed_at = $1, last_error = $2
        WHERE id = $3 AND attempts >= $4`, q.opts.Table),
		now, cause, id, q.opts.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() > 0 {
		q.log.Warn("envelope failed terminally",
			slog.String("id", id), slog.String("error", cause))
		return nil
	}
	_, err = q.pool.Exec(ctx, fmt.Sprintf(`
        UPDATE %s
        SET status = 'pending', locked_at = NULL, locked_by = NULL,
            last_error = $1,
            available_at = $2 + (attempts * interval '5 seconds')
        WHERE id = $3`, q.opts.Table),
		cause, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Close() error {
	q.pool.Close()
	return nil
}
