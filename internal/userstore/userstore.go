// Package userstore maps channel identities to stable user ids and lays out
// each user's directory tree on disk.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dowhiz/dowhiz/internal/channel"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    channel_kind TEXT NOT NULL,
    external_identity TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (channel_kind, external_identity)
);
`

// User is one identity row.
type User struct {
	ID               string
	ChannelKind      channel.Channel
	ExternalIdentity string
	CreatedAt        time.Time
}

// Paths is the deterministic per-user directory layout under the store root.
type Paths struct {
	Root          string
	Workspaces    string
	State         string
	Mail          string
	Notifications string
}

// MemoPath is the user's standing-context memo consumed by the fast
// classifier.
func (p Paths) MemoPath() string { return filepath.Join(p.Root, "memo.md") }

// SchedulerDBPath is the per-user scheduler database.
func (p Paths) SchedulerDBPath() string { return filepath.Join(p.State, "scheduler.db") }

// Store owns the users table and the on-disk layout root.
type Store struct {
	db   *sql.DB
	root string
	log  *slog.Logger
}

// Open opens (and migrates) the user store. The users table lives in its own
// database file under root/state.
func Open(root string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	stateDir := filepath.Join(root, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(stateDir, "users.db")+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open user db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate user db: %w", err)
	}
	return &Store{
		db:   db,
		root: root,
		log:  log.With(slog.String("component", "userstore")),
	}, nil
}

// GetOrCreate returns the user for (kind, identity), creating it on first
// sight. Email identities are lowercased and trimmed so alice@X and ALICE@x
// share one user.
func (s *Store) GetOrCreate(ctx context.Context, kind channel.Channel, identity string) (User, error) {
	identity = normalizeIdentity(kind, identity)
	if identity == "" {
		return User{}, fmt.Errorf("empty identity for channel %s", kind)
	}
	u, err := s.lookup(ctx, kind, identity)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	u = User{
		ID:               uuid.NewString(),
		ChannelKind:      kind,
		ExternalIdentity: identity,
		CreatedAt:        time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO users (id, channel_kind, external_identity, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (channel_kind, external_identity) DO NOTHING`,
		u.ID, kind.String(), identity, u.CreatedAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	// A concurrent insert may have won; re-read for the canonical row.
	created, err := s.lookup(ctx, kind, identity)
	if err != nil {
		return User{}, err
	}
	if created.ID == u.ID {
		s.log.Info("created user",
			slog.String("user_id", u.ID),
			slog.String("channel", kind.String()),
			slog.String("identity", identity))
	}
	return created, nil
}

func (s *Store) lookup(ctx context.Context, kind channel.Channel, identity string) (User, error) {
	var u User
	var kindRaw string
	err := s.db.QueryRowContext(ctx, `
        SELECT id, channel_kind, external_identity, created_at
        FROM users WHERE channel_kind = ? AND external_identity = ?`,
		kind.String(), identity,
	).Scan(&u.ID, &kindRaw, &u.ExternalIdentity, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	u.ChannelKind = channel.Channel(kindRaw)
	return u, nil
}

// PathsFor computes the user's directory layout without touching disk.
func (s *Store) PathsFor(userID string) Paths {
	root := filepath.Join(s.root, "users", userID)
	return Paths{
		Root:          root,
		Workspaces:    filepath.Join(root, "workspaces"),
		State:         filepath.Join(root, "state"),
		Mail:          filepath.Join(root, "mail"),
		Notifications: filepath.Join(root, "workspaces", "_notifications"),
	}
}

// EnsurePaths creates the user's directory tree.
func (s *Store) EnsurePaths(userID string) (Paths, error) {
	p := s.PathsFor(userID)
	for _, dir := range []string{p.Workspaces, p.State, p.Mail, p.Notifications} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return p, fmt.Errorf("create user dir %s: %w", dir, err)
		}
	}
	return p, nil
}

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }

func normalizeIdentity(kind channel.Channel, identity string) string {
	identity = strings.TrimSpace(identity)
	if kind == channel.Email {
		identity = strings.ToLower(identity)
	}
	return identity
}
