package gateway

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/googledocs"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/directory"
	"github.com/dowhiz/dowhiz/internal/ingest"
)

const docsSchema = `
CREATE TABLE IF NOT EXISTS google_docs_documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id TEXT NOT NULL UNIQUE,
    document_name TEXT,
    owner_email TEXT,
    last_checked_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS google_docs_processed_comments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id TEXT NOT NULL,
    comment_id TEXT NOT NULL,
    processed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(document_id, comment_id)
);
`

// ProcessedStore remembers which documents the poller watches and which
// comment tracking ids it has already enqueued.
type ProcessedStore struct {
	db *sql.DB
}

// OpenProcessedStore opens or creates the poller state database.
func OpenProcessedStore(path string) (*ProcessedStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open docs state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(docsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply docs state schema: %w", err)
	}
	return &ProcessedStore{db: db}, nil
}

// Close releases the database handle.
func (s *ProcessedStore) Close() error { return s.db.Close() }

// RegisterDocument records a document, refreshing its name on conflict.
func (s *ProcessedStore) RegisterDocument(documentID, name, ownerEmail string) error {
	_, err := s.db.Exec(`
		INSERT INTO google_docs_documents (document_id, document_name, owner_email)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET document_name = excluded.document_name`,
		documentID, name, ownerEmail)
	return err
}

// Processed returns the tracking ids already handled for one document.
func (s *ProcessedStore) Processed(documentID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(
		`SELECT comment_id FROM google_docs_processed_comments WHERE document_id = ?`,
		documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// MarkProcessed records a tracking id; duplicates are ignored.
func (s *ProcessedStore) MarkProcessed(documentID, trackingID string) error {
	_, err := s.db.Exec(`
		INSERT INTO google_docs_processed_comments (document_id, comment_id)
		VALUES (?, ?)
		ON CONFLICT(document_id, comment_id) DO NOTHING`,
		documentID, trackingID)
	return err
}

// UpdateLastChecked stamps the document's poll time.
func (s *ProcessedStore) UpdateLastChecked(documentID string) error {
	_, err := s.db.Exec(
		`UPDATE google_docs_documents SET last_checked_at = ? WHERE document_id = ?`,
		time.Now().UTC(), documentID)
	return err
}

// DocsPoller periodically lists shared documents, filters their comment
// threads for actionable employee mentions, and enqueues each one once.
type DocsPoller struct {
	client    *googledocs.Client
	store     *ProcessedStore
	queue     ingest.Queue
	router    *Router
	mentions  *googledocs.MentionMatcher
	addresses *channel.BotIdentitySet
	recipient string
	interval  time.Duration
	log       *slog.Logger
}

// NewDocsPoller wires the poller from the environment. It returns (nil, nil)
// when polling is disabled or no valid Google credentials are configured.
func NewDocsPoller(dir *directory.Directory, queue ingest.Queue, router *Router, store *ProcessedStore, log *slog.Logger) (*DocsPoller, error) {
	if !config.EnvEnabled("GOOGLE_DOCS_ENABLED") {
		return nil, nil
	}
	employeeID := ""
	recipient := ""
	terms := []string{}
	addresses := channel.NewBotIdentitySet()
	if dir != nil {
		if emp, ok := dir.Default(); ok {
			employeeID = emp.ID
		}
		for _, emp := range dir.All() {
			if emp.DisplayName != "" {
				terms = append(terms, emp.DisplayName)
			}
			for _, addr := range emp.Addresses {
				terms = append(terms, addr)
				addresses.Add(addr)
				if recipient == "" {
					recipient = addr
				}
			}
		}
	}
	if extra := strings.TrimSpace(os.Getenv("GOOGLE_DOCS_MENTIONS")); extra != "" {
		for _, term := range strings.Split(extra, ",") {
			terms = append(terms, strings.TrimSpace(term))
		}
	}

	creds := googledocs.CredentialsFromEnv(employeeID)
	if !creds.Valid() {
		if log != nil {
			log.Warn("google docs polling enabled but credentials are incomplete")
		}
		return nil, nil
	}
	client, err := googledocs.NewClient(creds, "", "", log)
	if err != nil {
		return nil, fmt.Errorf("google docs client: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	return &DocsPoller{
		client:    client,
		store:     store,
		queue:     queue,
		router:    router,
		mentions:  googledocs.NewMentionMatcher(terms...),
		addresses: addresses,
		recipient: recipient,
		interval:  config.EnvDuration("GOOGLE_DOCS_POLL_INTERVAL_SECS", config.DefaultGDocsPollSecs*time.Second),
		log:       log.With(slog.String("component", "docs_poller")),
	}, nil
}

// Run polls until ctx is canceled.
func (p *DocsPoller) Run(ctx context.Context) {
	p.log.Info("google docs poller started", slog.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			p.log.Info("google docs poller stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *DocsPoller) pollOnce(ctx context.Context) {
	docs, err := p.client.ListSharedDocuments(ctx)
	if err != nil {
		p.log.Warn("failed to list shared documents", slog.Any("error", err))
		return
	}
	for _, doc := range docs {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollDocument(ctx, doc); err != nil {
			p.log.Warn("failed to poll document",
				slog.String("document_id", doc.ID), slog.Any("error", err))
		}
	}
}

func (p *DocsPoller) pollDocument(ctx context.Context, doc googledocs.DriveFile) error {
	if err := p.store.RegisterDocument(doc.ID, doc.Name, p.recipient); err != nil {
		return fmt.Errorf("register document: %w", err)
	}
	comments, err := p.client.ListComments(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list comments: %w", err)
	}
	processed, err := p.store.Processed(doc.ID)
	if err != nil {
		return fmt.Errorf("load processed ids: %w", err)
	}

	for _, item := range googledocs.FilterActionable(comments, processed, p.mentions, p.addresses) {
		if err := p.enqueue(ctx, doc, item); err != nil {
			p.log.Warn("failed to enqueue comment",
				slog.String("document_id", doc.ID),
				slog.String("tracking_id", item.TrackingID()),
				slog.Any("error", err))
		}
	}
	return p.store.UpdateLastChecked(doc.ID)
}

func (p *DocsPoller) enqueue(ctx context.Context, doc googledocs.DriveFile, item googledocs.Actionable) error {
	target, ok := p.router.Resolve(channel.GoogleDocs, doc.ID)
	if !ok {
		// Unrouted documents stay unprocessed so a later route picks them up.
		return nil
	}

	msg := googledocs.ToInboundMessage(doc.ID, doc.Name, p.recipient, item)
	env := ingest.NewEnvelope(target.TenantID, target.EmployeeID, msg, item.TrackingID())
	envelope := googledocs.PollEnvelope{
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		Recipient:    p.recipient,
		Comment:      item.Comment,
	}
	if item.Reply != nil {
		envelope.ReplyID = item.Reply.ID
	}
	if raw, err := json.Marshal(envelope); err == nil {
		env.RawPayloadB64 = base64.StdEncoding.EncodeToString(raw)
	}

	inserted, err := p.queue.Enqueue(ctx, env)
	if err != nil {
		return err
	}
	// Mark only after a successful insert so a failed enqueue retries on the
	// next cycle. Duplicates mean another instance won the race.
	if err := p.store.MarkProcessed(doc.ID, item.TrackingID()); err != nil {
		return err
	}
	if inserted {
		p.log.Info("enqueued google docs comment",
			slog.String("document_id", doc.ID),
			slog.String("tracking_id", item.TrackingID()),
			slog.String("employee_id", target.EmployeeID))
	}
	return nil
}
