// Package workspace materializes per-thread working directories: the agent's
// view of a conversation, with the latest inbound payload, an append-only
// entry history, profile files, skills, and hydrated references.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/directory"
	"github.com/dowhiz/dowhiz/internal/userstore"
)

// Name returns the workspace directory name for a thread key.
func Name(threadKey string) string {
	return "thread_" + channel.ThreadHash(threadKey)
}

// Materializer creates and refreshes thread workspaces.
type Materializer struct {
	SkillsSourceDir string
	Log             *slog.Logger
}

// NewMaterializer builds a Materializer. skillsSourceDir may be empty.
func NewMaterializer(skillsSourceDir string, log *slog.Logger) *Materializer {
	if log == nil {
		log = slog.Default()
	}
	return &Materializer{
		SkillsSourceDir: skillsSourceDir,
		Log:             log.With(slog.String("component", "workspace")),
	}
}

// Ensure creates the thread workspace if needed and returns its path. Safe to
// call on every inbound; only the first call per thread hydrates references
// from the mail archive.
func (m *Materializer) Ensure(paths userstore.Paths, userID, threadKey string, employee *directory.Employee) (string, error) {
	if err := os.MkdirAll(paths.Workspaces, 0o755); err != nil {
		return "", err
	}
	ws := filepath.Join(paths.Workspaces, Name(threadKey))
	isNew := false
	if _, err := os.Stat(ws); os.IsNotExist(err) {
		isNew = true
	}
	for _, dir := range []string{
		ws,
		filepath.Join(ws, "incoming_email"),
		filepath.Join(ws, "incoming_attachments"),
		filepath.Join(ws, "memory"),
		filepath.Join(ws, "references"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	pastEmails := filepath.Join(ws, "references", "past_emails")
	if isNew || !exists(pastEmails) {
		if err := hydratePastEmails(paths.Mail, pastEmails); err != nil {
			m.Log.Error("failed to hydrate past_emails",
				slog.String("workspace", ws), slog.Any("error", err))
		}
	}

	if err := copyEmployeeFiles(ws, employee); err != nil {
		return "", err
	}

	agentSkills := filepath.Join(ws, ".agents", "skills")
	if m.SkillsSourceDir != "" {
		if err := copySkillsDirectory(m.SkillsSourceDir, agentSkills); err != nil {
			m.Log.Error("failed to copy base skills", slog.Any("error", err))
		}
	}
	if employee != nil && employee.SkillsDir != "" && employee.SkillsDir != m.SkillsSourceDir {
		if err := copySkillsDirectory(employee.SkillsDir, agentSkills); err != nil {
			m.Log.Error("failed to copy employee skills", slog.Any("error", err))
		}
	}
	return ws, nil
}

func copyEmployeeFiles(ws string, employee *directory.Employee) error {
	if employee == nil {
		return nil
	}
	for _, pair := range []struct{ src, name string }{
		{employee.AgentsPath, "AGENTS.md"},
		{employee.ClaudePath, "CLAUDE.md"},
		{employee.SoulPath, "SOUL.md"},
	} {
		if pair.src == "" || !exists(pair.src) {
			continue
		}
		if err := copyFile(pair.src, filepath.Join(ws, pair.name)); err != nil {
			return fmt.Errorf("copy %s: %w", pair.name, err)
		}
	}
	return nil
}

// copySkillsDirectory copies each skill subdirectory of src into dest.
func copySkillsDirectory(src, dest string) error {
	if !exists(src) {
		return nil
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := CopyDir(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// CopyDir copies src into dest recursively, creating dest.
func CopyDir(src, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		destPath := filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err := CopyDir(srcPath, destPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, destPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// pastEmailIndexEntry is one row of references/past_emails/index.json.
type pastEmailIndexEntry struct {
	Path    string `json:"path"`
	Subject string `json:"subject,omitempty"`
	From    string `json:"from,omitempty"`
	Date    string `json:"date,omitempty"`
}

// hydratePastEmails copies the user's mail archive into the workspace
// references tree and writes an index.json over the copied entries.
func hydratePastEmails(mailRoot, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	var index []pastEmailIndexEntry
	if exists(mailRoot) {
		dirs, err := archivedMailDirs(mailRoot)
		if err != nil {
			return err
		}
		for _, dir := range dirs {
			rel, err := filepath.Rel(mailRoot, dir)
			if err != nil {
				continue
			}
			target := filepath.Join(dest, rel)
			if err := CopyDir(dir, target); err != nil {
				return err
			}
			entry := pastEmailIndexEntry{Path: rel}
			if summary := loadEntrySummary(filepath.Join(dir, "incoming_email", "payload.json")); summary != nil {
				entry.Subject = summary.Subject
				entry.From = summary.Sender
				entry.Date = summary.Date
			}
			index = append(index, entry)
		}
	}
	raw, err := json.MarshalIndent(map[string]any{"entries": index}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "index.json"), raw, 0o644)
}

// archivedMailDirs returns mail/<yyyy>/<mm>/<entry> directories, sorted.
func archivedMailDirs(mailRoot string) ([]string, error) {
	var out []string
	years, err := os.ReadDir(mailRoot)
	if err != nil {
		return nil, err
	}
	for _, year := range years {
		if !year.IsDir() {
			continue
		}
		months, err := os.ReadDir(filepath.Join(mailRoot, year.Name()))
		if err != nil {
			return nil, err
		}
		for _, month := range months {
			if !month.IsDir() {
				continue
			}
			entries, err := os.ReadDir(filepath.Join(mailRoot, year.Name(), month.Name()))
			if err != nil {
				return nil, err
			}
			for _, entry := range entries {
				if entry.IsDir() {
					out = append(out, filepath.Join(mailRoot, year.Name(), month.Name(), entry.Name()))
				}
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type entrySummary struct {
	Subject string
	Sender  string
	Date    string
}

func loadEntrySummary(payloadPath string) *entrySummary {
	raw, err := os.ReadFile(payloadPath)
	if err != nil {
		return nil
	}
	var msg struct {
		Subject    string `json:"subject"`
		Sender     string `json:"sender"`
		ReceivedAt string `json:"received_at"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return &entrySummary{Subject: msg.Subject, Sender: msg.Sender, Date: msg.ReceivedAt}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateUniqueDir creates root/base, or root/base_<n> when taken.
func CreateUniqueDir(root, base string) (string, error) {
	candidate := filepath.Join(root, base)
	if !exists(candidate) {
		return candidate, os.MkdirAll(candidate, 0o755)
	}
	for i := 1; i < 1000; i++ {
		candidate = filepath.Join(root, fmt.Sprintf("%s_%d", base, i))
		if !exists(candidate) {
			return candidate, os.MkdirAll(candidate, 0o755)
		}
	}
	return "", fmt.Errorf("no free directory name under %s for %s", root, base)
}
