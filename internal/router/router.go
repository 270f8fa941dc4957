// Package router is the fast classifier consulted before a chat message is
// handed to the full agent pipeline. Trivial queries get answered directly
// by a cheap local model; everything else is forwarded.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultOllamaURL = "http://127.0.0.1:11434"
	defaultModel     = "llama3.2"
	requestTimeout   = 15 * time.Second

	// forwardMarker in the model output routes the message to the full
	// pipeline.
	forwardMarker = "FORWARD_TO_AGENT"

	// MaxSimpleMessageLength is the cutoff above which a message skips
	// classification entirely.
	MaxSimpleMessageLength = 300
)

const systemPrompt = `You are a friendly and helpful digital employee.

Your job is to classify messages:
1. RESPOND DIRECTLY to questions you can answer quickly (greetings, casual chat, simple questions, thank you messages)
2. Output ONLY "FORWARD_TO_AGENT" for tasks that require tools, code, file operations, research, or multi-step work

When responding directly:
- Use the user's memory context (if provided) to personalize responses
- IMPORTANT: When the user tells you something about themselves (name, school, job, preferences, etc.), you MUST append a <MEMORY_UPDATE> block to save it

Memory update format:
<MEMORY_UPDATE>
## Section
- Fact
</MEMORY_UPDATE>

Valid sections: Profile, Preferences, Projects, Contacts, Decisions, Processes

Keep responses brief and friendly.`

// Kind is the routing outcome.
type Kind int

const (
	// Passthrough means the router is disabled or failed; treat as Complex.
	Passthrough Kind = iota
	// Complex forwards the message to the full agent pipeline.
	Complex
	// Simple means the router answered directly.
	Simple
)

// Decision is the result of classifying one message.
type Decision struct {
	Kind         Kind
	Response     string
	MemoryUpdate string
}

// Config selects the classifier endpoint.
type Config struct {
	URL     string
	Model   string
	Enabled bool
}

// FromEnv builds the config from OLLAMA_URL, OLLAMA_MODEL and
// OLLAMA_ENABLED. The router defaults to enabled.
func FromEnv() Config {
	cfg := Config{
		URL:     defaultOllamaURL,
		Model:   defaultModel,
		Enabled: true,
	}
	if url := strings.TrimSpace(os.Getenv("OLLAMA_URL")); url != "" {
		cfg.URL = strings.TrimRight(url, "/")
	}
	if model := strings.TrimSpace(os.Getenv("OLLAMA_MODEL")); model != "" {
		cfg.Model = model
	}
	if raw := strings.TrimSpace(os.Getenv("OLLAMA_ENABLED")); raw != "" {
		cfg.Enabled = strings.ToLower(raw) != "false" && raw != "0"
	}
	return cfg
}

// Router classifies messages against an Ollama chat endpoint.
type Router struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

// New returns a Router for cfg.
func New(cfg Config, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
		log:    log.With(slog.String("component", "router")),
	}
}

// Enabled reports whether classification is active.
func (r *Router) Enabled() bool { return r.cfg.Enabled }

// Classify routes one message. memory is the user's memo.md content, may be
// empty. Transport errors yield Passthrough so the pipeline still runs.
func (r *Router) Classify(ctx context.Context, message, memory string) Decision {
	if !r.cfg.Enabled {
		return Decision{Kind: Passthrough}
	}
	if strings.TrimSpace(message) == "" {
		return Decision{Kind: Passthrough}
	}
	if len(message) > MaxSimpleMessageLength {
		r.log.Debug("message over length cutoff, forwarding",
			slog.Int("length", len(message)))
		return Decision{Kind: Complex}
	}

	raw, err := r.chat(ctx, message, memory)
	if err != nil {
		r.log.Warn("classifier unavailable, passing through", slog.Any("error", err))
		return Decision{Kind: Passthrough}
	}
	trimmed := strings.TrimSpace(raw)
	if strings.Contains(trimmed, forwardMarker) {
		return Decision{Kind: Complex}
	}
	reply, update := parseResponse(trimmed)
	if reply == "" {
		return Decision{Kind: Complex}
	}
	return Decision{Kind: Simple, Response: reply, MemoryUpdate: update}
}

// parseResponse splits the model output into the user-facing reply and the
// optional MEMORY_UPDATE block body.
func parseResponse(response string) (string, string) {
	const memoryStart = "<MEMORY_UPDATE>"
	const memoryEnd = "</MEMORY_UPDATE>"

	start := strings.Index(response, memoryStart)
	if start < 0 {
		return response, ""
	}
	reply := strings.TrimSpace(response[:start])
	rest := response[start+len(memoryStart):]
	if end := strings.Index(rest, memoryEnd); end >= 0 {
		rest = rest[:end]
	}
	return reply, strings.TrimSpace(rest)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

func (r *Router) chat(ctx context.Context, message, memory string) (string, error) {
	userContent := message
	if mem := strings.TrimSpace(memory); mem != "" {
		userContent = fmt.Sprintf("User memory:\n```\n%s\n```\n\nMessage: %s", mem, message)
	}
	body, err := json.Marshal(chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("classifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode classifier response: %w", err)
	}
	return parsed.Message.Content, nil
}
