package googledocs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// Author is the comment or reply author from the Drive API.
type Author struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// Reply is one reply under a comment.
type Reply struct {
	ID          string  `json:"id"`
	Content     string  `json:"content"`
	HTMLContent string  `json:"htmlContent,omitempty"`
	Author      *Author `json:"author,omitempty"`
	CreatedTime string  `json:"createdTime,omitempty"`
	Action      string  `json:"action,omitempty"`
}

// QuotedContent is the document text a comment is anchored to.
type QuotedContent struct {
	MimeType string `json:"mimeType,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Comment is a Drive comment with its reply thread.
type Comment struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	HTMLContent   string         `json:"htmlContent,omitempty"`
	Resolved      bool           `json:"resolved,omitempty"`
	Author        *Author        `json:"author,omitempty"`
	CreatedTime   string         `json:"createdTime,omitempty"`
	ModifiedTime  string         `json:"modifiedTime,omitempty"`
	Replies       []Reply        `json:"replies,omitempty"`
	Anchor        string         `json:"anchor,omitempty"`
	QuotedContent *QuotedContent `json:"quotedFileContent,omitempty"`
}

// Actionable is a comment or reply that mentions an employee and has not
// been processed yet.
type Actionable struct {
	Comment Comment
	// Reply is set when a reply, not the parent comment, triggered the
	// action.
	Reply *Reply
}

// TrackingID distinguishes a processed comment from a processed reply:
// `comment:<cid>` or `comment:<cid>:reply:<rid>`.
func (a Actionable) TrackingID() string {
	if a.Reply != nil {
		return fmt.Sprintf("comment:%s:reply:%s", a.Comment.ID, a.Reply.ID)
	}
	return "comment:" + a.Comment.ID
}

func (a Actionable) triggeringContent() string {
	if a.Reply != nil {
		return a.Reply.Content
	}
	return a.Comment.Content
}

func (a Actionable) triggeringAuthor() *Author {
	if a.Reply != nil && a.Reply.Author != nil {
		return a.Reply.Author
	}
	return a.Comment.Author
}

// MentionMatcher recognizes employee mentions in comment text.
type MentionMatcher struct {
	patterns []*regexp.Regexp
}

// NewMentionMatcher compiles word-boundary patterns for each term. Terms
// containing '@' are matched literally (addresses), others as optional-@
// word mentions.
func NewMentionMatcher(terms ...string) *MentionMatcher {
	m := &MentionMatcher{}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		quoted := regexp.QuoteMeta(strings.ToLower(term))
		var expr string
		if strings.Contains(term, "@") {
			expr = "(?i)" + quoted
		} else {
			expr = `(?i)\b@?` + quoted + `\b`
		}
		if re, err := regexp.Compile(expr); err == nil {
			m.patterns = append(m.patterns, re)
		}
	}
	return m
}

// Match reports whether text mentions any configured term.
func (m *MentionMatcher) Match(text string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// FilterActionable selects unresolved comments and replies that mention an
// employee, skipping already processed tracking ids and our own accounts.
// When a parent comment is actionable its replies are not re-examined.
func FilterActionable(comments []Comment, processed map[string]struct{}, mentions *MentionMatcher, employeeEmails *channel.BotIdentitySet) []Actionable {
	var out []Actionable
	for _, comment := range comments {
		if comment.Resolved {
			continue
		}

		parent := Actionable{Comment: comment}
		if _, done := processed[parent.TrackingID()]; !done {
			fromUs := comment.Author != nil && employeeEmails.Contains(comment.Author.EmailAddress)
			if !fromUs && mentions.Match(comment.Content) {
				out = append(out, parent)
				continue
			}
		}

		for i := range comment.Replies {
			reply := comment.Replies[i]
			item := Actionable{Comment: comment, Reply: &reply}
			if _, done := processed[item.TrackingID()]; done {
				continue
			}
			if reply.Author != nil && employeeEmails.Contains(reply.Author.EmailAddress) {
				continue
			}
			if mentions.Match(reply.Content) {
				out = append(out, item)
			}
		}
	}
	return out
}

// PollEnvelope is the raw payload the comment poller archives for each
// actionable item; Parse reverses it.
type PollEnvelope struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Recipient    string  `json:"recipient"`
	Comment      Comment `json:"comment"`
	ReplyID      string  `json:"reply_id,omitempty"`
}

// InboundAdapter converts polled comments into canonical records.
type InboundAdapter struct{}

// NewInboundAdapter builds the inbound adapter.
func NewInboundAdapter() *InboundAdapter { return &InboundAdapter{} }

// Channel returns channel.GoogleDocs.
func (a *InboundAdapter) Channel() channel.Channel { return channel.GoogleDocs }

// Parse decodes a poll envelope back into a canonical message.
func (a *InboundAdapter) Parse(raw []byte) (*channel.InboundMessage, error) {
	var envelope PollEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, channel.ParseErrorf("decode poll envelope: %v", err)
	}
	if envelope.DocumentID == "" || envelope.Comment.ID == "" {
		return nil, channel.ParseErrorf("poll envelope missing document or comment id")
	}
	item := Actionable{Comment: envelope.Comment}
	if envelope.ReplyID != "" {
		for i := range envelope.Comment.Replies {
			if envelope.Comment.Replies[i].ID == envelope.ReplyID {
				item.Reply = &envelope.Comment.Replies[i]
				break
			}
		}
		if item.Reply == nil {
			return nil, channel.ParseErrorf("reply %s not present on comment %s", envelope.ReplyID, envelope.Comment.ID)
		}
	}
	msg := ToInboundMessage(envelope.DocumentID, envelope.DocumentName, envelope.Recipient, item)
	msg.RawPayload = raw
	return msg, nil
}

// ToInboundMessage converts an actionable comment into the canonical record.
// The thread always keys on the parent comment so replies join the original
// conversation.
func ToInboundMessage(documentID, documentName, recipient string, item Actionable) *channel.InboundMessage {
	author := item.triggeringAuthor()
	sender := ""
	senderName := ""
	if author != nil {
		sender = author.EmailAddress
		senderName = author.DisplayName
	}
	if sender == "" {
		sender = "unknown@unknown.invalid"
	}

	text := item.triggeringContent()
	if item.Reply != nil {
		originalAuthor := "Someone"
		if item.Comment.Author != nil && item.Comment.Author.DisplayName != "" {
			originalAuthor = item.Comment.Author.DisplayName
		}
		text = fmt.Sprintf("Original comment by %s: %q\n\nReply: %s",
			originalAuthor, item.Comment.Content, item.Reply.Content)
	}
	if quoted := item.Comment.QuotedContent; quoted != nil && quoted.Value != "" {
		text = fmt.Sprintf("Quoted text from document: %q\n\n%s", quoted.Value, text)
	}

	messageID := item.Comment.ID
	htmlBody := item.Comment.HTMLContent
	if item.Reply != nil {
		messageID = item.Comment.ID + ":" + item.Reply.ID
		if item.Reply.HTMLContent != "" {
			htmlBody = item.Reply.HTMLContent
		}
	}

	return &channel.InboundMessage{
		Channel:    channel.GoogleDocs,
		Sender:     sender,
		SenderName: senderName,
		Recipient:  recipient,
		Subject:    "Comment on: " + documentName,
		TextBody:   text,
		HTMLBody:   htmlBody,
		ThreadID:   documentID + ":" + item.Comment.ID,
		MessageID:  messageID,
		ReplyTo:    []string{sender},
		Metadata: channel.Metadata{
			GoogleDocsDocumentID:   documentID,
			GoogleDocsCommentID:    item.Comment.ID,
			GoogleDocsDocumentName: documentName,
		},
	}
}
