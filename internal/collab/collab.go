// Package collab stores collaboration sessions: multi-channel conversations
// gathered around shared artifacts such as Google Docs documents. A session
// links a user and thread to the artifacts being worked on and records every
// message that arrived for it, whatever channel it came from.
package collab

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Session statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusStale     = "stale"
)

// Artifact roles.
const (
	RoleTarget    = "target"
	RoleReference = "reference"
)

// Session is one collaboration context keyed by (user, thread).
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ThreadID        string    `json:"thread_id"`
	PrimaryChannel  string    `json:"primary_channel"`
	ArtifactType    string    `json:"artifact_type,omitempty"`
	ArtifactID      string    `json:"artifact_id,omitempty"`
	ArtifactTitle   string    `json:"artifact_title,omitempty"`
	OriginalRequest string    `json:"original_request,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	WorkspacePath   string    `json:"workspace_path,omitempty"`
}

// Message is one recorded message inside a session.
type Message struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	SourceChannel      string    `json:"source_channel"`
	ExternalMessageID  string    `json:"external_message_id,omitempty"`
	SenderID           string    `json:"sender_id"`
	ContentPreview     string    `json:"content_preview,omitempty"`
	HasAttachments     bool      `json:"has_attachments"`
	AttachmentManifest string    `json:"attachment_manifest,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Artifact links an external resource to a session, either as the target of
// the work or as reference material.
type Artifact struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"artifact_type"`
	ExtID     string    `json:"artifact_id"`
	URL       string    `json:"artifact_url,omitempty"`
	Title     string    `json:"artifact_title,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

const collabSchema = `
CREATE TABLE IF NOT EXISTS collaboration_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    primary_channel TEXT NOT NULL,
    artifact_type TEXT,
    artifact_id TEXT,
    artifact_title TEXT,
    original_request TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL,
    workspace_path TEXT,
    UNIQUE(user_id, thread_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_artifact
    ON collaboration_sessions(artifact_type, artifact_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status
    ON collaboration_sessions(status);
CREATE TABLE IF NOT EXISTS collaboration_messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    source_channel TEXT NOT NULL,
    external_message_id TEXT,
    sender_id TEXT NOT NULL,
    content_preview TEXT,
    has_attachments INTEGER DEFAULT 0,
    attachment_manifest TEXT,
    timestamp TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES collaboration_sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session
    ON collaboration_messages(session_id);
CREATE TABLE IF NOT EXISTS collaboration_artifacts (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    artifact_type TEXT NOT NULL,
    artifact_id TEXT NOT NULL,
    artifact_url TEXT,
    artifact_title TEXT,
    role TEXT DEFAULT 'target',
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES collaboration_sessions(id),
    UNIQUE(session_id, artifact_type, artifact_id)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_lookup
    ON collaboration_artifacts(artifact_type, artifact_id);
`

// Store persists sessions, messages, and artifact links in one SQLite file.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the store at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create collab dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open collab db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(collabSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate collab db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }

// NewSession describes the session CreateSession inserts.
type NewSession struct {
	UserID          string
	ThreadID        string
	PrimaryChannel  string
	ArtifactType    string
	ArtifactID      string
	ArtifactTitle   string
	OriginalRequest string
	WorkspacePath   string
}

// CreateSession inserts a new active session. When the session names a
// primary artifact, the artifact is also linked with the target role.
func (s *Store) CreateSession(params NewSession) (Session, error) {
	now := time.Now().UTC()
	session := Session{
		ID:              uuid.NewString(),
		UserID:          params.UserID,
		ThreadID:        params.ThreadID,
		PrimaryChannel:  params.PrimaryChannel,
		ArtifactType:    params.ArtifactType,
		ArtifactID:      params.ArtifactID,
		ArtifactTitle:   params.ArtifactTitle,
		OriginalRequest: params.OriginalRequest,
		Status:          StatusActive,
		CreatedAt:       now,
		LastActivityAt:  now,
		WorkspacePath:   params.WorkspacePath,
	}
	_, err := s.db.Exec(`
        INSERT INTO collaboration_sessions
            (id, user_id, thread_id, primary_channel, artifact_type, artifact_id,
             artifact_title, original_request, status, created_at, last_activity_at, workspace_path)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.ThreadID, session.PrimaryChannel,
		nullable(session.ArtifactType), nullable(session.ArtifactID),
		nullable(session.ArtifactTitle), nullable(session.OriginalRequest),
		session.Status, session.CreatedAt, session.LastActivityAt,
		nullable(session.WorkspacePath),
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	if session.ArtifactType != "" && session.ArtifactID != "" {
		_, err := s.AddArtifact(session.ID, Artifact{
			Type:  session.ArtifactType,
			ExtID: session.ArtifactID,
			Title: session.ArtifactTitle,
			Role:  RoleTarget,
		})
		if err != nil {
			return Session{}, err
		}
	}
	return session, nil
}

// EnsureSession returns the session for (user, thread), creating it when
// missing.
func (s *Store) EnsureSession(params NewSession) (Session, error) {
	existing, ok, err := s.FindByThread(params.UserID, params.ThreadID)
	if err != nil {
		return Session{}, err
	}
	if ok {
		return existing, nil
	}
	return s.CreateSession(params)
}

// GetSession returns a session by id.
func (s *Store) GetSession(sessionID string) (Session, error) {
	row := s.db.QueryRow(`
        SELECT id, user_id, thread_id, primary_channel, artifact_type, artifact_id,
               artifact_title, original_request, status, created_at, last_activity_at, workspace_path
        FROM collaboration_sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// FindByArtifact returns the most recently active session holding the
// artifact. An empty userID matches any user.
func (s *Store) FindByArtifact(artifactType, artifactID, userID string) (Session, bool, error) {
	query := `
        SELECT s.id FROM collaboration_sessions s
        JOIN collaboration_artifacts a ON s.id = a.session_id
        WHERE a.artifact_type = ? AND a.artifact_id = ? AND s.status = 'active'`
	args := []any{artifactType, artifactID}
	if userID != "" {
		query += ` AND s.user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY s.last_activity_at DESC LIMIT 1`

	var sessionID string
	err := s.db.QueryRow(query, args...).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("find session by artifact: %w", err)
	}
	session, err := s.GetSession(sessionID)
	if err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

// FindByThread returns the session for (user, thread).
func (s *Store) FindByThread(userID, threadID string) (Session, bool, error) {
	var sessionID string
	err := s.db.QueryRow(`
        SELECT id FROM collaboration_sessions
        WHERE user_id = ? AND thread_id = ? LIMIT 1`, userID, threadID,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("find session by thread: %w", err)
	}
	session, err := s.GetSession(sessionID)
	if err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

// TouchSession bumps the last-activity timestamp.
func (s *Store) TouchSession(sessionID string) error {
	_, err := s.db.Exec(`
        UPDATE collaboration_sessions SET last_activity_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// UpdateStatus sets the session status and bumps last activity.
func (s *Store) UpdateStatus(sessionID, status string) error {
	switch status {
	case StatusActive, StatusCompleted, StatusStale:
	default:
		return fmt.Errorf("unknown session status: %s", status)
	}
	_, err := s.db.Exec(`
        UPDATE collaboration_sessions SET status = ?, last_activity_at = ? WHERE id = ?`,
		status, time.Now().UTC(), sessionID)
	return err
}

// UpdateWorkspace records the session's workspace directory.
func (s *Store) UpdateWorkspace(sessionID, workspacePath string) error {
	_, err := s.db.Exec(`
        UPDATE collaboration_sessions SET workspace_path = ? WHERE id = ?`,
		workspacePath, sessionID)
	return err
}

// MarkStale flags active sessions idle for longer than maxIdle and returns
// how many were flagged.
func (s *Store) MarkStale(maxIdle time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxIdle)
	res, err := s.db.Exec(`
        UPDATE collaboration_sessions
        SET status = 'stale'
        WHERE status = 'active' AND last_activity_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// AddMessage records a message in a session and bumps its last activity.
func (s *Store) AddMessage(sessionID string, msg Message) (Message, error) {
	msg.ID = uuid.NewString()
	msg.SessionID = sessionID
	msg.Timestamp = time.Now().UTC()
	_, err := s.db.Exec(`
        INSERT INTO collaboration_messages
            (id, session_id, source_channel, external_message_id, sender_id,
             content_preview, has_attachments, attachment_manifest, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SourceChannel, nullable(msg.ExternalMessageID),
		msg.SenderID, nullable(msg.ContentPreview), boolToInt(msg.HasAttachments),
		nullable(msg.AttachmentManifest), msg.Timestamp,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := s.TouchSession(sessionID); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Messages returns a session's messages, oldest first.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
        SELECT id, session_id, source_channel, external_message_id, sender_id,
               content_preview, has_attachments, attachment_manifest, timestamp
        FROM collaboration_messages
        WHERE session_id = ? ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg            Message
			externalID     sql.NullString
			preview        sql.NullString
			hasAttachments int
			manifest       sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SourceChannel, &externalID,
			&msg.SenderID, &preview, &hasAttachments, &manifest, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ExternalMessageID = externalID.String
		msg.ContentPreview = preview.String
		msg.HasAttachments = hasAttachments != 0
		msg.AttachmentManifest = manifest.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AddArtifact links an artifact to a session. Relinking the same artifact
// refreshes its URL and title.
func (s *Store) AddArtifact(sessionID string, artifact Artifact) (Artifact, error) {
	if artifact.Role == "" {
		artifact.Role = RoleTarget
	}
	artifact.ID = uuid.NewString()
	artifact.SessionID = sessionID
	artifact.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
        INSERT INTO collaboration_artifacts
            (id, session_id, artifact_type, artifact_id, artifact_url, artifact_title, role, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(session_id, artifact_type, artifact_id) DO UPDATE SET
            artifact_url = excluded.artifact_url,
            artifact_title = excluded.artifact_title`,
		artifact.ID, artifact.SessionID, artifact.Type, artifact.ExtID,
		nullable(artifact.URL), nullable(artifact.Title), artifact.Role, artifact.CreatedAt,
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return artifact, nil
}

// Artifacts returns a session's artifact links, oldest first.
func (s *Store) Artifacts(sessionID string) ([]Artifact, error) {
	rows, err := s.db.Query(`
        SELECT id, session_id, artifact_type, artifact_id, artifact_url, artifact_title, role, created_at
        FROM collaboration_artifacts
        WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var (
			artifact Artifact
			url      sql.NullString
			title    sql.NullString
		)
		if err := rows.Scan(&artifact.ID, &artifact.SessionID, &artifact.Type,
			&artifact.ExtID, &url, &title, &artifact.Role, &artifact.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifact.URL = url.String
		artifact.Title = title.String
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		session       Session
		artifactType  sql.NullString
		artifactID    sql.NullString
		artifactTitle sql.NullString
		request       sql.NullString
		workspace     sql.NullString
	)
	err := row.Scan(&session.ID, &session.UserID, &session.ThreadID, &session.PrimaryChannel,
		&artifactType, &artifactID, &artifactTitle, &request, &session.Status,
		&session.CreatedAt, &session.LastActivityAt, &workspace)
	if err != nil {
		return Session{}, err
	}
	session.ArtifactType = artifactType.String
	session.ArtifactID = artifactID.String
	session.ArtifactTitle = artifactTitle.String
	session.OriginalRequest = request.String
	session.WorkspacePath = workspace.String
	return session, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
