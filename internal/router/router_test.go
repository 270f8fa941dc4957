package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classifierStub(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		json.NewEncoder(w).Encode(chatResponse{
			Message: chatMessage{Role: "assistant", Content: reply},
		})
	}))
}

func TestClassifySimple(t *testing.T) {
	srv := classifierStub(t, "Hello! Nice to meet you.")
	defer srv.Close()

	r := New(Config{URL: srv.URL, Model: "test", Enabled: true}, nil)
	decision := r.Classify(context.Background(), "hi there", "")
	assert.Equal(t, Simple, decision.Kind)
	assert.Equal(t, "Hello! Nice to meet you.", decision.Response)
	assert.Empty(t, decision.MemoryUpdate)
}

func TestClassifySimpleWithMemoryUpdate(t *testing.T) {
	srv := classifierStub(t, "Great! I'll remember that.\n\n<MEMORY_UPDATE>\n## Profile\n- Goes to Stanford\n</MEMORY_UPDATE>")
	defer srv.Close()

	r := New(Config{URL: srv.URL, Model: "test", Enabled: true}, nil)
	decision := r.Classify(context.Background(), "I go to Stanford", "")
	require.Equal(t, Simple, decision.Kind)
	assert.Equal(t, "Great! I'll remember that.", decision.Response)
	assert.Contains(t, decision.MemoryUpdate, "Stanford")
}

func TestClassifyForwardMarker(t *testing.T) {
	srv := classifierStub(t, "FORWARD_TO_AGENT")
	defer srv.Close()

	r := New(Config{URL: srv.URL, Model: "test", Enabled: true}, nil)
	decision := r.Classify(context.Background(), "clone the repo and fix the bug", "")
	assert.Equal(t, Complex, decision.Kind)
}

func TestClassifyLongMessageSkipsModel(t *testing.T) {
	// Server that fails the test if contacted.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("classifier should not be called for long messages")
	}))
	defer srv.Close()

	r := New(Config{URL: srv.URL, Model: "test", Enabled: true}, nil)
	decision := r.Classify(context.Background(), strings.Repeat("a", MaxSimpleMessageLength+1), "")
	assert.Equal(t, Complex, decision.Kind)
}

func TestClassifyTransportErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(Config{URL: srv.URL, Model: "test", Enabled: true}, nil)
	decision := r.Classify(context.Background(), "hi", "")
	assert.Equal(t, Passthrough, decision.Kind)
}

func TestClassifyDisabled(t *testing.T) {
	r := New(Config{Enabled: false}, nil)
	decision := r.Classify(context.Background(), "hi", "")
	assert.Equal(t, Passthrough, decision.Kind)
}

func TestClassifyIncludesMemoryContext(t *testing.T) {
	var gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotContent = req.Messages[1].Content
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Content: "ok"}})
	}))
	defer srv.Close()

	r := New(Config{URL: srv.URL, Model: "test", Enabled: true}, nil)
	r.Classify(context.Background(), "what's my name?", "## Profile\n- Name: Ada")
	assert.Contains(t, gotContent, "Name: Ada")
	assert.Contains(t, gotContent, "what's my name?")
}

func TestParseResponseUnterminatedBlock(t *testing.T) {
	reply, update := parseResponse("Sure.\n<MEMORY_UPDATE>\n## Profile\n- Fact")
	assert.Equal(t, "Sure.", reply)
	assert.Contains(t, update, "Fact")
}

func TestAppendMemoryUpdate(t *testing.T) {
	memoPath := filepath.Join(t.TempDir(), "memory", "memo.md")
	require.NoError(t, AppendMemoryUpdate(memoPath, "## Profile\n- Goes to Stanford"))
	require.NoError(t, AppendMemoryUpdate(memoPath, "## Preferences\n- Likes tea"))

	raw, err := os.ReadFile(memoPath)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "Goes to Stanford")
	assert.Contains(t, content, "Likes tea")
	assert.Equal(t, 2, strings.Count(content, "## Memory update ("))
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("OLLAMA_URL", "")
	t.Setenv("OLLAMA_MODEL", "")
	t.Setenv("OLLAMA_ENABLED", "")
	cfg := FromEnv()
	assert.Equal(t, defaultOllamaURL, cfg.URL)
	assert.Equal(t, defaultModel, cfg.Model)
	assert.True(t, cfg.Enabled)

	t.Setenv("OLLAMA_ENABLED", "false")
	assert.False(t, FromEnv().Enabled)
}
