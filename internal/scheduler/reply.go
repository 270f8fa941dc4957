package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReplyContext carries the headers a reply needs to land in the same
// conversation thread as the inbound message.
type ReplyContext struct {
	Subject    string
	InReplyTo  string
	References string
	From       string
}

// inboundPayloadLite is the subset of the workspace payload used to build
// reply headers.
type inboundPayloadLite struct {
	Subject    string `json:"subject"`
	MessageID  string `json:"message_id"`
	References string `json:"references"`
	Metadata   struct {
		GoogleDocsDocumentID   string `json:"google_docs_document_id"`
		GoogleDocsCommentID    string `json:"google_docs_comment_id"`
		GoogleDocsDocumentName string `json:"google_docs_document_name"`
	} `json:"metadata"`
}

// loadReplyContext reads the latest inbound payload from the workspace and
// derives the reply subject and threading headers.
func loadReplyContext(workspaceDir string) ReplyContext {
	payloadPath := filepath.Join(workspaceDir, "incoming_email", "payload.json")
	raw, err := os.ReadFile(payloadPath)
	if err != nil {
		return ReplyContext{Subject: replySubject("")}
	}
	var payload inboundPayloadLite
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ReplyContext{Subject: replySubject("")}
	}

	if docID := payload.Metadata.GoogleDocsDocumentID; docID != "" {
		if commentID := payload.Metadata.GoogleDocsCommentID; commentID != "" {
			name := payload.Metadata.GoogleDocsDocumentName
			if name == "" {
				name = "Document"
			}
			return ReplyContext{
				Subject:   fmt.Sprintf("Re: Comment on %s", name),
				InReplyTo: docID + ":" + commentID,
			}
		}
	}

	messageID := strings.TrimSpace(payload.MessageID)
	references := strings.TrimSpace(payload.References)
	if messageID != "" {
		if references == "" {
			references = messageID
		} else if !referencesContain(references, messageID) {
			references = references + " " + messageID
		}
	}
	return ReplyContext{
		Subject:    replySubject(payload.Subject),
		InReplyTo:  messageID,
		References: references,
	}
}

func replySubject(original string) string {
	trimmed := strings.TrimSpace(original)
	if trimmed == "" {
		return "Re: (no subject)"
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

func referencesContain(references, messageID string) bool {
	for _, entry := range strings.Fields(references) {
		if entry == messageID {
			return true
		}
	}
	return false
}
