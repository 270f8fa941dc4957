package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/config"
)

// Queue is the durable ingestion queue shared by the gateway (writer) and the
// workers (claimants).
type Queue interface {
	// Enqueue inserts the envelope unless its dedupe key already exists.
	// Returns true when a new row was inserted.
	Enqueue(ctx context.Context, env Envelope) (bool, error)
	// ClaimNext atomically claims the oldest claimable envelope for the
	// employee, or returns nil when none is due.
	ClaimNext(ctx context.Context, employeeID string) (*QueuedEnvelope, error)
	// MarkDone finalizes a claimed envelope.
	MarkDone(ctx context.Context, id string) error
	// MarkFailed records a failure: terminal after the attempt cap, otherwise
	// back to pending with linear backoff.
	MarkFailed(ctx context.Context, id string, cause string) error
	Close() error
}

// Options tunes queue behavior. Zero values take the defaults.
type Options struct {
	Lease       time.Duration
	MaxAttempts int
	WorkerID    string
	Table       string
	Log         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = config.EnvDuration("INGESTION_QUEUE_LEASE_SECS", config.DefaultLeaseSecs*time.Second)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = config.EnvInt("INGESTION_QUEUE_MAX_ATTEMPTS", config.DefaultMaxAttempts)
	}
	if o.WorkerID == "" {
		o.WorkerID = config.WorkerID()
	}
	if o.Table == "" {
		o.Table = config.EnvString("INGESTION_QUEUE_TABLE", defaultQueueTable)
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// backoffFor is the linear retry delay after a failed attempt.
func backoffFor(attempts int) time.Duration {
	return time.Duration(attempts) * 5 * time.Second
}

// Open selects a backend from the URL scheme: postgres:// and postgresql://
// use the server-backed queue, anything else is treated as an SQLite file
// path.
func Open(ctx context.Context, url string, opts Options) (Queue, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return OpenPostgres(ctx, url, opts)
	}
	return OpenSQLite(url, opts)
}
