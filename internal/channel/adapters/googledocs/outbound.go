package googledocs

import (
	"context"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// OutboundAdapter posts replies to the comment a message answers.
type OutboundAdapter struct {
	client *Client
}

// NewOutboundAdapter builds the sender around an authenticated client.
func NewOutboundAdapter(client *Client) *OutboundAdapter {
	return &OutboundAdapter{client: client}
}

// Channel returns channel.GoogleDocs.
func (a *OutboundAdapter) Channel() channel.Channel { return channel.GoogleDocs }

// Client exposes the underlying API client for the revision workflow.
func (a *OutboundAdapter) Client() *Client { return a.client }

// Send posts msg as a comment reply. The target comes from metadata, falling
// back to an InReplyTo of the form `<document_id>:<comment_id>`.
func (a *OutboundAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	if a.client == nil {
		return channel.SendResult{}, channel.ConfigErrorf("google docs client not configured")
	}
	documentID := msg.Metadata.GoogleDocsDocumentID
	commentID := msg.Metadata.GoogleDocsCommentID
	if documentID == "" || commentID == "" {
		parts := strings.SplitN(msg.InReplyTo, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return channel.SendResult{}, channel.ConfigErrorf("google docs send needs document_id:comment_id")
		}
		documentID, commentID = parts[0], parts[1]
	}

	content := msg.TextBody
	if content == "" {
		content = msg.HTMLBody
	}

	reply, err := a.client.ReplyToComment(ctx, documentID, commentID, content)
	if err != nil {
		return channel.SendResult{}, err
	}
	return channel.SendResult{
		Success:     true,
		MessageID:   reply.ID,
		SubmittedAt: time.Now().UTC(),
	}, nil
}
