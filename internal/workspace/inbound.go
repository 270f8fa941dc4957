package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/mailhtml"
	"github.com/dowhiz/dowhiz/internal/userstore"
)

const previewMaxLen = 1200

// payloadDoc is the canonical on-disk payload written for every inbound
// entry. The embedded message keeps its wire field names.
type payloadDoc struct {
	ReceivedAt string `json:"received_at"`
	*channel.InboundMessage
}

// AppendInbound records msg in the workspace: a new entry under
// incoming_email/entries and incoming_attachments/entries, the latest payload
// at the top level, and a refreshed thread_history.md. seq comes from the
// bumped thread state.
func AppendInbound(ws string, msg *channel.InboundMessage, seq int64) error {
	incomingEmail := filepath.Join(ws, "incoming_email")
	incomingAttachments := filepath.Join(ws, "incoming_attachments")
	entriesEmail := filepath.Join(incomingEmail, "entries")
	entriesAttachments := filepath.Join(incomingAttachments, "entries")
	for _, dir := range []string{entriesEmail, entriesAttachments} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	entryName := inboundEntryName(msg.Subject, seq)
	entryEmailDir := filepath.Join(entriesEmail, entryName)
	entryAttachmentsDir := filepath.Join(entriesAttachments, entryName)
	for _, dir := range []string{entryEmailDir, entryAttachmentsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := writeInboundPayload(msg, entryEmailDir, entryAttachmentsDir); err != nil {
		return err
	}

	// The top level always mirrors the latest entry only.
	if err := clearDirExcept(incomingAttachments, entriesAttachments); err != nil {
		return err
	}
	if err := writeInboundPayload(msg, incomingEmail, incomingAttachments); err != nil {
		return err
	}
	return WriteThreadHistory(incomingEmail, incomingAttachments)
}

// ArchiveInbound writes msg into the user's mail archive under
// mail/<yyyy>/<mm>/<message-id-slug>/. The archive is the permanent record,
// independent of any workspace.
func ArchiveInbound(paths userstore.Paths, msg *channel.InboundMessage) (string, error) {
	now := time.Now().UTC()
	fallback := fmt.Sprintf("email_%d", now.Unix())
	base := sanitizeToken(msg.MessageID, fallback)
	monthRoot := filepath.Join(paths.Mail, now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(monthRoot, 0o755); err != nil {
		return "", err
	}
	mailDir, err := CreateUniqueDir(monthRoot, base)
	if err != nil {
		return "", err
	}
	incomingEmail := filepath.Join(mailDir, "incoming_email")
	incomingAttachments := filepath.Join(mailDir, "incoming_attachments")
	for _, dir := range []string{incomingEmail, incomingAttachments} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := writeInboundPayload(msg, incomingEmail, incomingAttachments); err != nil {
		return "", err
	}
	return mailDir, nil
}

func writeInboundPayload(msg *channel.InboundMessage, emailDir, attachmentsDir string) error {
	doc := payloadDoc{
		ReceivedAt:     time.Now().UTC().Format(time.RFC3339),
		InboundMessage: msg,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(emailDir, "payload.json"), raw, 0o644); err != nil {
		return err
	}
	if len(msg.RawPayload) > 0 {
		if err := os.WriteFile(filepath.Join(emailDir, "raw.json"), msg.RawPayload, 0o644); err != nil {
			return err
		}
	}
	rendered := mailhtml.Render(msg.HTMLBody, msg.TextBody)
	if err := os.WriteFile(filepath.Join(emailDir, "email.html"), []byte(rendered), 0o644); err != nil {
		return err
	}
	for _, att := range msg.Attachments {
		if len(att.Content) == 0 {
			continue
		}
		name := sanitizeToken(att.Name, "attachment")
		if err := os.WriteFile(filepath.Join(attachmentsDir, name), att.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// WriteThreadHistory regenerates thread_history.md from the entries tree.
func WriteThreadHistory(incomingEmail, incomingAttachments string) error {
	entriesEmail := filepath.Join(incomingEmail, "entries")
	if !exists(entriesEmail) {
		return nil
	}
	dirs, err := os.ReadDir(entriesEmail)
	if err != nil {
		return err
	}
	var names []string
	for _, d := range dirs {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)

	var out strings.Builder
	out.WriteString("# Thread history (inbound)\n")
	out.WriteString("Auto-generated from incoming_email/entries. Latest entry is last.\n\n")
	for _, name := range names {
		entryDir := filepath.Join(entriesEmail, name)
		out.WriteString("## " + name + "\n")
		if doc := loadPayloadDoc(filepath.Join(entryDir, "payload.json")); doc != nil {
			if doc.Subject != "" {
				out.WriteString("Subject: " + doc.Subject + "\n")
			}
			out.WriteString("From: " + doc.Sender + "\n")
			out.WriteString("To: " + doc.Recipient + "\n")
			if doc.ReceivedAt != "" {
				out.WriteString("Date: " + doc.ReceivedAt + "\n")
			}
			if doc.MessageID != "" {
				out.WriteString("Message-ID: " + doc.MessageID + "\n")
			}
			if preview := buildPreview(doc); preview != "" {
				out.WriteString("Preview:\n```text\n")
				out.WriteString(preview)
				out.WriteString("\n```\n")
			}
		}
		out.WriteString("Files:\n")
		out.WriteString(fmt.Sprintf("- incoming_email/entries/%s/email.html\n", name))
		out.WriteString(fmt.Sprintf("- incoming_email/entries/%s/payload.json\n", name))
		attachments := listFiles(filepath.Join(incomingAttachments, "entries", name))
		if len(attachments) > 0 {
			out.WriteString(fmt.Sprintf("- incoming_attachments/entries/%s/ (%s)\n",
				name, strings.Join(attachments, ", ")))
		} else {
			out.WriteString("- incoming_attachments/entries/(none)\n")
		}
		out.WriteString("\n")
	}
	return os.WriteFile(filepath.Join(incomingEmail, "thread_history.md"), []byte(out.String()), 0o644)
}

func loadPayloadDoc(path string) *payloadDoc {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	doc := payloadDoc{InboundMessage: &channel.InboundMessage{}}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return &doc
}

func buildPreview(doc *payloadDoc) string {
	preview := strings.TrimSpace(doc.TextBody)
	if preview == "" && strings.TrimSpace(doc.HTMLBody) != "" {
		if md, err := htmltomarkdown.ConvertString(doc.HTMLBody); err == nil {
			preview = md
		} else {
			preview = mailhtml.StripTags(doc.HTMLBody)
		}
	}
	preview = strings.TrimSpace(preview)
	if preview == "" {
		return ""
	}
	return mailhtml.TruncatePreview(preview, previewMaxLen)
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func clearDirExcept(root, keep string) error {
	if !exists(root) {
		return os.MkdirAll(root, 0o755)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if path == keep {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

// inboundEntryName builds "<NNNN>_<timestamp>_<subject-slug>".
func inboundEntryName(subject string, seq int64) string {
	token := truncateASCII(sanitizeToken(subject, "no_subject"), 48)
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("%04d_%s_%s", seq, timestamp, token)
}

func truncateASCII(value string, max int) string {
	if len(value) <= max {
		return value
	}
	out := strings.TrimRight(value[:max], "._-")
	if out == "" {
		return value
	}
	return out
}

// sanitizeToken keeps alphanumerics plus "._-", replacing everything else
// with underscores. Angle brackets around message ids are stripped first.
func sanitizeToken(value, fallback string) string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(value), "<"), ">")
	var out strings.Builder
	for _, ch := range trimmed {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '.', ch == '_', ch == '-':
			out.WriteRune(ch)
		default:
			out.WriteRune('_')
		}
	}
	cleaned := strings.Trim(out.String(), "._-")
	if cleaned == "" {
		return fallback
	}
	return cleaned
}
