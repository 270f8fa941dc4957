package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// OutboundRecord is the archived metadata of a sent email.
type OutboundRecord struct {
	SentAt     string   `json:"sent_at"`
	From       string   `json:"from,omitempty"`
	To         []string `json:"to"`
	CC         []string `json:"cc,omitempty"`
	BCC        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References string   `json:"references,omitempty"`
	MessageID  string   `json:"message_id,omitempty"`
}

// ArchiveOutbound writes a sent message into the mail archive under
// <archiveRoot>/<yyyy>/<mm>/<slug>/, mirroring the inbound layout with
// outgoing_ directories.
func ArchiveOutbound(archiveRoot string, record OutboundRecord, htmlBody string, attachments []channel.Attachment) (string, error) {
	now := time.Now().UTC()
	if record.SentAt == "" {
		record.SentAt = now.Format(time.RFC3339)
	}
	fallback := fmt.Sprintf("sent_%d", now.Unix())
	base := sanitizeToken(record.MessageID, fallback)
	monthRoot := filepath.Join(archiveRoot, now.Format("2006"), now.Format("01"))
	if err := os.MkdirAll(monthRoot, 0o755); err != nil {
		return "", err
	}
	mailDir, err := CreateUniqueDir(monthRoot, base)
	if err != nil {
		return "", err
	}
	outgoingEmail := filepath.Join(mailDir, "outgoing_email")
	outgoingAttachments := filepath.Join(mailDir, "outgoing_attachments")
	for _, dir := range []string{outgoingEmail, outgoingAttachments} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(outgoingEmail, "payload.json"), raw, 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(outgoingEmail, "email.html"), []byte(htmlBody), 0o644); err != nil {
		return "", err
	}
	for _, att := range attachments {
		if len(att.Content) == 0 {
			continue
		}
		name := sanitizeToken(att.Name, "attachment")
		if err := os.WriteFile(filepath.Join(outgoingAttachments, name), att.Content, 0o644); err != nil {
			return "", err
		}
	}
	return mailDir, nil
}
