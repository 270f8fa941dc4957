// Package googledocs adapts Google Docs comments to the canonical message
// model and implements the emulated revision workflow on top of the Docs
// batchUpdate API.
package googledocs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/dowhiz/dowhiz/internal/channel"
)

const (
	defaultDriveBase = "https://www.googleapis.com/drive/v3"
	defaultDocsBase  = "https://docs.googleapis.com/v1"
)

// Credentials selects how the client authenticates against Google APIs.
// Either a static access token or the OAuth refresh-token triple must be set.
type Credentials struct {
	AccessToken  string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// CredentialsFromEnv reads GOOGLE_ACCESS_TOKEN and the GOOGLE_CLIENT_ID /
// GOOGLE_CLIENT_SECRET / GOOGLE_REFRESH_TOKEN triple. When employeeID is
// non-empty, GOOGLE_REFRESH_TOKEN_<EMPLOYEE_ID> takes precedence over the
// global refresh token.
func CredentialsFromEnv(employeeID string) Credentials {
	creds := Credentials{
		AccessToken:  strings.TrimSpace(os.Getenv("GOOGLE_ACCESS_TOKEN")),
		ClientID:     strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_SECRET")),
	}
	if employeeID != "" {
		key := "GOOGLE_REFRESH_TOKEN_" + strings.ToUpper(employeeID)
		creds.RefreshToken = strings.TrimSpace(os.Getenv(key))
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = strings.TrimSpace(os.Getenv("GOOGLE_REFRESH_TOKEN"))
	}
	return creds
}

// Valid reports whether the credentials can produce an access token.
func (c Credentials) Valid() bool {
	if c.AccessToken != "" {
		return true
	}
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// Client speaks the Drive and Docs REST APIs.
type Client struct {
	tokens    oauth2.TokenSource
	driveBase string
	docsBase  string
	http      *http.Client
	log       *slog.Logger
}

// NewClient builds a client for creds. Base URLs may be empty for the public
// Google endpoints.
func NewClient(creds Credentials, driveBase, docsBase string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if !creds.Valid() {
		return nil, channel.ConfigErrorf("google credentials not configured")
	}
	var tokens oauth2.TokenSource
	if creds.AccessToken != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken})
	} else {
		cfg := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     google.Endpoint,
		}
		tokens = cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: creds.RefreshToken})
	}
	if driveBase == "" {
		driveBase = defaultDriveBase
	}
	if docsBase == "" {
		docsBase = defaultDocsBase
	}
	return &Client{
		tokens:    tokens,
		driveBase: strings.TrimRight(driveBase, "/"),
		docsBase:  strings.TrimRight(docsBase, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log.With(slog.String("adapter", "google_docs")),
	}, nil
}

// AccessToken returns a fresh bearer token, for spilling into an agent
// workspace.
func (c *Client) AccessToken() (string, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return "", channel.ConfigErrorf("google token: %v", err)
	}
	return token.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	token, err := c.AccessToken()
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return channel.ParseErrorf("encode request: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return channel.SendErrorf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return channel.SendErrorf("google request: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return channel.HTTPSendError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = respBody
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return channel.ParseErrorf("decode response: %v", err)
	}
	return nil
}

// DriveFile is Drive file metadata.
type DriveFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// ListSharedDocuments lists the Docs, Sheets and Slides files shared with
// the authenticated account.
func (c *Client) ListSharedDocuments(ctx context.Context) ([]DriveFile, error) {
	query := "mimeType='application/vnd.google-apps.document'" +
		" or mimeType='application/vnd.google-apps.spreadsheet'" +
		" or mimeType='application/vnd.google-apps.presentation'"
	endpoint := fmt.Sprintf("%s/files?q=%s&fields=files(id,name,mimeType)",
		c.driveBase, url.QueryEscape(query))

	var parsed struct {
		Files []DriveFile `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &parsed); err != nil {
		return nil, err
	}
	return parsed.Files, nil
}

// ListComments lists the comments on one document, replies included.
func (c *Client) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	endpoint := fmt.Sprintf(
		"%s/files/%s/comments?fields=comments(id,content,htmlContent,resolved,author,createdTime,modifiedTime,replies,anchor,quotedFileContent)",
		c.driveBase, url.PathEscape(documentID))

	var parsed struct {
		Comments []Comment `json:"comments"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &parsed); err != nil {
		return nil, err
	}
	return parsed.Comments, nil
}

// ExportText exports a document as plain text, for agent context.
func (c *Client) ExportText(ctx context.Context, documentID string) (string, error) {
	endpoint := fmt.Sprintf("%s/files/%s/export?mimeType=text/plain",
		c.driveBase, url.PathEscape(documentID))
	var raw []byte
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReplyToComment posts a reply under a comment and returns its id.
func (c *Client) ReplyToComment(ctx context.Context, documentID, commentID, content string) (Reply, error) {
	endpoint := fmt.Sprintf("%s/files/%s/comments/%s/replies?fields=id,content,createdTime,author",
		c.driveBase, url.PathEscape(documentID), url.PathEscape(commentID))

	var reply Reply
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"content": content}, &reply)
	if err != nil {
		return Reply{}, err
	}
	c.log.Info("posted comment reply",
		slog.String("document_id", documentID),
		slog.String("comment_id", commentID),
		slog.String("reply_id", reply.ID))
	return reply, nil
}

// BatchUpdate applies edit requests to the document body.
func (c *Client) BatchUpdate(ctx context.Context, documentID string, requests []map[string]any) error {
	if len(requests) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("%s/documents/%s:batchUpdate", c.docsBase, url.PathEscape(documentID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"requests": requests}, nil)
}

// GetDocument fetches the structured document, including body indices.
func (c *Client) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	endpoint := fmt.Sprintf("%s/documents/%s", c.docsBase, url.PathEscape(documentID))
	var doc Document
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
