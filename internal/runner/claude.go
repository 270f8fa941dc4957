package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultClaudeModel       = "claude-opus-4-5"
	defaultFoundryResource   = "knowhiz-service-openai-backup-2"
	defaultClaudeSonnetModel = "claude-sonnet-4-5"
	defaultClaudeHaikuModel  = "claude-haiku-4-5"
)

func (r *Runner) runClaude(ctx context.Context, params Params, replyPath, replyAttachmentsDir string) (*Output, error) {
	apiKey := readEnvTrimmed("AZURE_OPENAI_API_KEY_BACKUP")
	if apiKey == "" {
		return nil, &ConfigError{Key: "AZURE_OPENAI_API_KEY_BACKUP"}
	}

	modelName := strings.TrimSpace(params.ModelName)
	if modelName == "" {
		modelName = readEnvTrimmed("CLAUDE_MODEL")
	}
	if modelName == "" {
		modelName = defaultClaudeModel
	}

	envOverrides, err := prepareClaudeEnv(apiKey, modelName)
	if err != nil {
		return nil, err
	}

	hostWorkspace, err := filepath.Abs(params.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	auth, err := resolveGitHubAuth(hostWorkspace)
	if err != nil {
		return nil, err
	}
	envOverrides = append(envOverrides, auth.env...)
	if auth.askpassPath != "" {
		envOverrides = append(envOverrides, "GIT_ASKPASS="+auth.askpassPath, "GIT_TERMINAL_PROMPT=0")
	}

	memoryContext, err := loadMemoryContext(params.WorkspaceDir, params.MemoryDir)
	if err != nil {
		return nil, err
	}
	prompt := buildPrompt(params, "claude", memoryContext)
	spillGoogleToken(r.log, hostWorkspace, params.GoogleAccessToken)
	if params.GoogleAccessToken != "" {
		envOverrides = append(envOverrides, "GOOGLE_ACCESS_TOKEN="+params.GoogleAccessToken)
	}

	cmd := exec.CommandContext(ctx, "claude",
		"-p",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--model", modelName,
		"--allowedTools", "Read,Glob,Grep,Bash",
		"--max-turns", strconv.Itoa(claudeMaxTurns()),
		"--dangerously-skip-permissions",
		prompt)
	cmd.Dir = params.WorkspaceDir
	cmd.Env = append(os.Environ(), envOverrides...)

	combined, exitCode, err := runCombined(cmd)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	if exitCode != 0 {
		return nil, &AgentError{Runner: "claude", Status: exitCode,
			Output: tailString(combined, outputTailLimit)}
	}

	// The stream-json protocol wraps the assistant text in event lines;
	// the structured blocks live inside the reassembled text.
	text := extractClaudeText(combined)
	if strings.TrimSpace(text) == "" {
		return nil, &AgentError{Runner: "claude", Status: exitCode,
			Output: tailString(combined, outputTailLimit)}
	}
	return r.finish(params, replyPath, replyAttachmentsDir, text)
}

// prepareClaudeEnv writes ~/.claude/settings.json for the Foundry-backed
// deployment and returns the matching env overrides.
func prepareClaudeEnv(apiKey, modelName string) ([]string, error) {
	foundryResource := readEnvTrimmed("ANTHROPIC_FOUNDRY_RESOURCE")
	if foundryResource == "" {
		foundryResource = defaultFoundryResource
	}
	opus := envOrDefault("ANTHROPIC_DEFAULT_OPUS_MODEL", defaultClaudeModel)
	sonnet := envOrDefault("ANTHROPIC_DEFAULT_SONNET_MODEL", defaultClaudeSonnetModel)
	haiku := envOrDefault("ANTHROPIC_DEFAULT_HAIKU_MODEL", defaultClaudeHaikuModel)

	home, ok := os.LookupEnv("HOME")
	if !ok || strings.TrimSpace(home) == "" {
		return nil, &ConfigError{Key: "HOME"}
	}
	settingsDir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return nil, err
	}
	settings := map[string]any{
		"env": map[string]string{
			"CLAUDE_CODE_USE_FOUNDRY":        "1",
			"ANTHROPIC_FOUNDRY_RESOURCE":     foundryResource,
			"ANTHROPIC_FOUNDRY_API_KEY":      apiKey,
			"ANTHROPIC_DEFAULT_OPUS_MODEL":   opus,
			"ANTHROPIC_DEFAULT_SONNET_MODEL": sonnet,
			"ANTHROPIC_DEFAULT_HAIKU_MODEL":  haiku,
		},
		"model": modelName,
	}
	rendered, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(settingsDir, "settings.json"),
		append(rendered, '\n'), 0o600); err != nil {
		return nil, err
	}

	return []string{
		"AZURE_OPENAI_API_KEY_BACKUP=" + apiKey,
		"CLAUDE_CODE_USE_FOUNDRY=1",
		"ANTHROPIC_FOUNDRY_RESOURCE=" + foundryResource,
		"ANTHROPIC_FOUNDRY_API_KEY=" + apiKey,
		"ANTHROPIC_DEFAULT_OPUS_MODEL=" + opus,
		"ANTHROPIC_DEFAULT_SONNET_MODEL=" + sonnet,
		"ANTHROPIC_DEFAULT_HAIKU_MODEL=" + haiku,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := readEnvTrimmed(key); value != "" {
		return value
	}
	return fallback
}

func claudeMaxTurns() int {
	if raw := readEnvTrimmed("CLAUDE_MAX_TURNS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 10
}

// extractClaudeText reassembles the assistant text from stream-json event
// lines. Unparseable lines are skipped.
func extractClaudeText(raw string) string {
	var b strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		eventType := rawString(event["type"])
		switch eventType {
		case "text_delta", "message_delta", "content_block_delta", "message_stop", "result":
			if fragment := claudeFragment(event); fragment != "" {
				b.WriteString(fragment)
			}
		}
	}
	return b.String()
}

func claudeFragment(event map[string]json.RawMessage) string {
	if text := rawString(event["text"]); text != "" {
		return text
	}
	for _, key := range []string{"delta", "message"} {
		if raw, ok := event[key]; ok {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(raw, &nested); err == nil {
				if text := rawString(nested["text"]); text != "" {
					return text
				}
			}
		}
	}
	if text := rawString(event["final_text"]); text != "" {
		return text
	}
	return rawString(event["result"])
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}
