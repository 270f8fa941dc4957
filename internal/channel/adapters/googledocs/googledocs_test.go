package googledocs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dowhiz/dowhiz/internal/channel"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Credentials{AccessToken: "tok"}, srv.URL, srv.URL, nil)
	require.NoError(t, err)
	return client
}

func TestMentionMatcher(t *testing.T) {
	m := NewMentionMatcher("oliver", "oliver@dowhiz.com")
	assert.True(t, m.Match("hey @Oliver can you fix this"))
	assert.True(t, m.Match("cc oliver@dowhiz.com"))
	assert.True(t, m.Match("Oliver, please review"))
	assert.False(t, m.Match("olivers desk"))
	assert.False(t, m.Match("nothing relevant"))
}

func TestFilterActionable(t *testing.T) {
	mentions := NewMentionMatcher("oliver")
	employees := channel.NewBotIdentitySet("oliver@dowhiz.com")
	comments := []Comment{
		{ID: "c1", Content: "@oliver please summarize", Author: &Author{EmailAddress: "alice@example.com"}},
		{ID: "c2", Content: "@oliver done?", Resolved: true},
		{ID: "c3", Content: "unrelated note", Replies: []Reply{
			{ID: "r1", Content: "@oliver what do you think?", Author: &Author{EmailAddress: "bob@example.com"}},
			{ID: "r2", Content: "@oliver ping", Author: &Author{EmailAddress: "oliver@dowhiz.com"}},
		}},
		{ID: "c4", Content: "@oliver seen already"},
	}
	processed := map[string]struct{}{"comment:c4": {}}

	got := FilterActionable(comments, processed, mentions, employees)
	require.Len(t, got, 2)
	assert.Equal(t, "comment:c1", got[0].TrackingID())
	assert.Equal(t, "comment:c3:reply:r1", got[1].TrackingID())
}

func TestToInboundMessage(t *testing.T) {
	comment := Comment{
		ID:      "c1",
		Content: "@oliver please tighten the intro",
		Author:  &Author{DisplayName: "Alice", EmailAddress: "alice@example.com"},
		QuotedContent: &QuotedContent{
			Value: "Our product is the best product",
		},
	}
	msg := ToInboundMessage("doc-9", "Launch plan", "oliver@dowhiz.com", Actionable{Comment: comment})
	assert.Equal(t, "doc-9:c1", msg.ThreadID)
	assert.Equal(t, "c1", msg.MessageID)
	assert.Equal(t, "alice@example.com", msg.Sender)
	assert.Equal(t, "Comment on: Launch plan", msg.Subject)
	assert.Contains(t, msg.TextBody, "Quoted text from document")
	assert.Equal(t, "doc-9", msg.Metadata.GoogleDocsDocumentID)
}

func TestToInboundMessageReplyContext(t *testing.T) {
	comment := Comment{
		ID:      "c1",
		Content: "draft attached",
		Author:  &Author{DisplayName: "Alice"},
		Replies: []Reply{
			{ID: "r1", Content: "@oliver can you apply these?", Author: &Author{EmailAddress: "bob@example.com", DisplayName: "Bob"}},
		},
	}
	msg := ToInboundMessage("doc-9", "Launch plan", "oliver@dowhiz.com", Actionable{Comment: comment, Reply: &comment.Replies[0]})
	assert.Equal(t, "doc-9:c1", msg.ThreadID)
	assert.Equal(t, "c1:r1", msg.MessageID)
	assert.Equal(t, "bob@example.com", msg.Sender)
	assert.Contains(t, msg.TextBody, "Original comment by Alice")
}

func TestParsePollEnvelope(t *testing.T) {
	raw, err := json.Marshal(PollEnvelope{
		DocumentID:   "doc-9",
		DocumentName: "Launch plan",
		Recipient:    "oliver@dowhiz.com",
		Comment: Comment{
			ID:      "c1",
			Content: "@oliver fix this",
			Replies: []Reply{{ID: "r1", Content: "@oliver ping"}},
		},
		ReplyID: "r1",
	})
	require.NoError(t, err)

	msg, err := NewInboundAdapter().Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "doc-9:c1", msg.ThreadID)
	assert.Equal(t, "c1:r1", msg.MessageID)

	_, err = NewInboundAdapter().Parse([]byte(`{"document_id":""}`))
	require.Error(t, err)
}

func docWithRuns(runs []ParagraphElement) *Document {
	return &Document{Body: DocBody{Content: []StructuralElement{
		{Paragraph: &Paragraph{Elements: runs}},
	}}}
}

func TestFindInDocument(t *testing.T) {
	doc := docWithRuns([]ParagraphElement{
		{StartIndex: 1, EndIndex: 12, TextRun: &TextRun{Content: "Hello world"}},
		{StartIndex: 12, EndIndex: 22, TextRun: &TextRun{Content: ", goodbye"}},
	})

	start, end, found := findInDocument(doc, "world")
	require.True(t, found)
	assert.Equal(t, int64(7), start)
	assert.Equal(t, int64(12), end)

	start, end, found = findInDocument(doc, "goodbye")
	require.True(t, found)
	assert.Equal(t, int64(14), start)
	assert.Equal(t, int64(21), end)

	_, _, found = findInDocument(doc, "absent")
	assert.False(t, found)
}

func TestAdjustForDeletions(t *testing.T) {
	start, end := adjustForDeletions(span{start: 30, end: 40}, []span{
		{start: 5, end: 10},
		{start: 50, end: 60},
	})
	assert.Equal(t, int64(25), start)
	assert.Equal(t, int64(35), end)
}

func redStrike() *TextStyle {
	return &TextStyle{
		Strikethrough:   true,
		ForegroundColor: &ForegroundColor{Color: &OptionalColor{RGBColor: &RGBColor{Red: 1}}},
	}
}

func blue() *TextStyle {
	return &TextStyle{
		ForegroundColor: &ForegroundColor{Color: &OptionalColor{RGBColor: &RGBColor{Blue: 1}}},
	}
}

func TestApplySuggestionsRequests(t *testing.T) {
	doc := docWithRuns([]ParagraphElement{
		{StartIndex: 1, EndIndex: 5, TextRun: &TextRun{Content: "keep"}},
		{StartIndex: 5, EndIndex: 10, TextRun: &TextRun{Content: "gone1", TextStyle: redStrike()}},
		{StartIndex: 10, EndIndex: 14, TextRun: &TextRun{Content: "newX", TextStyle: blue()}},
		{StartIndex: 14, EndIndex: 19, TextRun: &TextRun{Content: "gone2", TextStyle: redStrike()}},
	})

	var gotRequests []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents/doc-9", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("POST /documents/doc-9:batchUpdate", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Requests []map[string]any `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRequests = body.Requests
		w.Write([]byte("{}"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := testClient(t, srv)
	require.NoError(t, client.ApplySuggestions(context.Background(), "doc-9"))

	// Two deletions in descending order, then one restyle of the blue run
	// shifted left by the first deleted range.
	require.Len(t, gotRequests, 3)
	first := gotRequests[0]["deleteContentRange"].(map[string]any)["range"].(map[string]any)
	assert.Equal(t, float64(14), first["startIndex"])
	second := gotRequests[1]["deleteContentRange"].(map[string]any)["range"].(map[string]any)
	assert.Equal(t, float64(5), second["startIndex"])
	restyle := gotRequests[2]["updateTextStyle"].(map[string]any)["range"].(map[string]any)
	assert.Equal(t, float64(5), restyle["startIndex"])
	assert.Equal(t, float64(9), restyle["endIndex"])
}

func TestSuggestReplaceRequests(t *testing.T) {
	doc := docWithRuns([]ParagraphElement{
		{StartIndex: 1, EndIndex: 20, TextRun: &TextRun{Content: "the quick brown fox"}},
	})

	var gotRequests []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents/doc-9", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("POST /documents/doc-9:batchUpdate", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Requests []map[string]any `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRequests = body.Requests
		w.Write([]byte("{}"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := testClient(t, srv)
	require.NoError(t, client.SuggestReplace(context.Background(), "doc-9", "quick", "slow"))

	require.Len(t, gotRequests, 3)
	assert.Contains(t, gotRequests[0], "updateTextStyle")
	insert := gotRequests[1]["insertText"].(map[string]any)
	assert.Equal(t, "slow", insert["text"])
	assert.Equal(t, float64(10), insert["location"].(map[string]any)["index"])
}

func TestOutboundSend(t *testing.T) {
	var gotContent string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/doc-9/comments/c1/replies", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotContent = body["content"]
		json.NewEncoder(w).Encode(Reply{ID: "reply-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	adapter := NewOutboundAdapter(testClient(t, srv))
	result, err := adapter.Send(context.Background(), channel.OutboundMessage{
		TextBody:  "Applied the edits, please review.",
		InReplyTo: "doc-9:c1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "reply-1", result.MessageID)
	assert.Equal(t, "Applied the edits, please review.", gotContent)
}

func TestOutboundSendMissingTarget(t *testing.T) {
	adapter := NewOutboundAdapter(nil)
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{})
	require.Error(t, err)

	client, err := NewClient(Credentials{AccessToken: "tok"}, "http://127.0.0.1:1", "http://127.0.0.1:1", nil)
	require.NoError(t, err)
	_, err = NewOutboundAdapter(client).Send(context.Background(), channel.OutboundMessage{InReplyTo: "no-colon"})
	require.Error(t, err)
}

func TestParseHexColor(t *testing.T) {
	rgb, ok := parseHexColor("#FF0000")
	require.True(t, ok)
	assert.Equal(t, 1.0, rgb["red"])
	assert.Equal(t, 0.0, rgb["green"])

	_, ok = parseHexColor("red")
	assert.False(t, ok)
}
