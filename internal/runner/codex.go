package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/config"
)

// codexConfigMarker delimits the managed block in config.toml. Everything
// from the marker through the wire_api line is replaced on each run; user
// content around it is preserved.
const codexConfigMarker = "# IMPORTANT: Use your Azure *deployment name* here"

const codexConfigBlockTemplate = `# IMPORTANT: Use your Azure *deployment name* here (e.g., "gpt-5.2-codex")
model = "%[1]s"
model_provider = "azure"
model_reasoning_effort = "xhigh"
web_search = "live"
ask_for_approval = "never"
sandbox = "%[3]s"

[sandbox_workspace_write]
network_access = true

[model_providers.azure]
name = "Azure OpenAI"
base_url = "%[2]s"
env_key = "AZURE_OPENAI_API_KEY_BACKUP"
wire_api = "responses"
`

const defaultCodexModel = "gpt-5.2-codex"

func (r *Runner) runCodex(ctx context.Context, params Params, replyPath, replyAttachmentsDir string) (*Output, error) {
	dockerImage := readEnvTrimmed("RUN_TASK_DOCKER_IMAGE")
	dockerRequested := dockerImage != "" || config.EnvEnabled("RUN_TASK_USE_DOCKER")
	useDocker := dockerRequested && dockerAvailable()
	if dockerRequested && !useDocker {
		if config.EnvEnabled("RUN_TASK_DOCKER_REQUIRED") {
			return nil, ErrDockerNotFound
		}
		r.log.Warn("docker cli not found, falling back to host execution",
			slog.String("workspace", params.WorkspaceDir))
	}
	if useDocker && dockerImage == "" {
		return nil, &ConfigError{Key: "RUN_TASK_DOCKER_IMAGE"}
	}

	apiKey := readEnvTrimmed("AZURE_OPENAI_API_KEY_BACKUP")
	if apiKey == "" {
		return nil, &ConfigError{Key: "AZURE_OPENAI_API_KEY_BACKUP"}
	}
	azureEndpoint := readEnvTrimmed("AZURE_OPENAI_ENDPOINT_BACKUP")
	if azureEndpoint == "" {
		return nil, &ConfigError{Key: "AZURE_OPENAI_ENDPOINT_BACKUP"}
	}

	modelName := strings.TrimSpace(params.ModelName)
	if modelName == "" {
		modelName = readEnvTrimmed("CODEX_MODEL")
	}
	if modelName == "" {
		modelName = defaultCodexModel
	}

	sandboxMode := codexSandboxMode()
	// Google Docs tasks need network access to reach the Docs API from
	// inside the sandbox.
	bypassSandbox := codexBypassSandbox() || useDocker || params.Channel == channel.GoogleDocs

	hostWorkspace, err := filepath.Abs(params.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if useDocker {
		codexHome := filepath.Join(hostWorkspace, dockerAgentHomeDir)
		if err := ensureCodexConfigAt(modelName, azureEndpoint, codexHome, dockerWorkspaceDir, sandboxMode); err != nil {
			return nil, err
		}
	} else {
		home, ok := os.LookupEnv("HOME")
		if !ok || strings.TrimSpace(home) == "" {
			return nil, &ConfigError{Key: "HOME"}
		}
		configDir := filepath.Join(home, ".codex")
		if err := ensureCodexConfigAt(modelName, azureEndpoint, configDir, hostWorkspace, sandboxMode); err != nil {
			return nil, err
		}
	}

	auth, err := resolveGitHubAuth(hostWorkspace)
	if err != nil {
		return nil, err
	}

	memoryContext, err := loadMemoryContext(params.WorkspaceDir, params.MemoryDir)
	if err != nil {
		return nil, err
	}
	prompt := buildPrompt(params, "codex", memoryContext)

	spillGoogleToken(r.log, hostWorkspace, params.GoogleAccessToken)

	var cmd *exec.Cmd
	if useDocker {
		args := []string{
			"run", "--rm",
			"--workdir", dockerWorkspaceDir,
			"-v", hostWorkspace + ":" + dockerWorkspaceDir,
			"-e", "HOME=" + dockerWorkspaceDir,
			"-e", fmt.Sprintf("CODEX_HOME=%s/%s", dockerWorkspaceDir, dockerAgentHomeDir),
			"-e", "AZURE_OPENAI_API_KEY_BACKUP=" + apiKey,
			"-e", "AZURE_OPENAI_ENDPOINT_BACKUP=" + azureEndpoint,
		}
		if params.GoogleAccessToken != "" {
			args = append(args, "-e", "GOOGLE_ACCESS_TOKEN="+params.GoogleAccessToken)
		}
		for _, pair := range auth.env {
			args = append(args, "-e", pair)
		}
		if auth.askpassPath != "" {
			containerPath, ok := workspacePathInContainer(auth.askpassPath, hostWorkspace)
			if !ok {
				return nil, &PathError{Label: "git_askpass_path", Path: auth.askpassPath,
					Reason: "askpass path is not within workspace_dir"}
			}
			args = append(args,
				"-e", "GIT_ASKPASS="+containerPath,
				"-e", "GIT_TERMINAL_PROMPT=0")
		}
		if network := readEnvTrimmed("RUN_TASK_DOCKER_NETWORK"); network != "" {
			args = append(args, "--network", network)
		}
		for _, dns := range readEnvList("RUN_TASK_DOCKER_DNS") {
			args = append(args, "--dns", dns)
		}
		for _, domain := range readEnvList("RUN_TASK_DOCKER_DNS_SEARCH") {
			args = append(args, "--dns-search", domain)
		}
		args = append(args, "--entrypoint", "codex", dockerImage)
		args = append(args, codexExecArgs(bypassSandbox, modelName, sandboxMode, dockerWorkspaceDir, prompt)...)
		cmd = exec.CommandContext(ctx, "docker", args...)
	} else {
		cmd = exec.CommandContext(ctx, "codex",
			codexExecArgs(bypassSandbox, modelName, sandboxMode, hostWorkspace, prompt)...)
		cmd.Dir = params.WorkspaceDir
		cmd.Env = append(os.Environ(),
			"AZURE_OPENAI_API_KEY_BACKUP="+apiKey,
			"AZURE_OPENAI_ENDPOINT_BACKUP="+azureEndpoint)
		if params.GoogleAccessToken != "" {
			cmd.Env = append(cmd.Env, "GOOGLE_ACCESS_TOKEN="+params.GoogleAccessToken)
		}
		cmd.Env = append(cmd.Env, auth.env...)
		if auth.askpassPath != "" {
			cmd.Env = append(cmd.Env, "GIT_ASKPASS="+auth.askpassPath, "GIT_TERMINAL_PROMPT=0")
		}
	}

	combined, exitCode, err := runCombined(cmd)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			if useDocker {
				return nil, ErrDockerNotFound
			}
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	if exitCode != 0 {
		tail := tailString(combined, outputTailLimit)
		if useDocker {
			return nil, &DockerError{Status: exitCode, Output: tail}
		}
		return nil, &AgentError{Runner: "codex", Status: exitCode, Output: tail}
	}
	return r.finish(params, replyPath, replyAttachmentsDir, combined)
}

func codexExecArgs(bypassSandbox bool, modelName, sandboxMode, workdir, prompt string) []string {
	args := []string{"exec"}
	if bypassSandbox {
		args = append(args, "--yolo")
	}
	args = append(args,
		"--skip-git-repo-check",
		"-m", modelName,
		"-c", `web_search="live"`,
		"-c", `ask_for_approval="never"`,
		"-c", fmt.Sprintf("sandbox=%q", sandboxMode),
		"-c", `model_providers.azure.env_key="AZURE_OPENAI_API_KEY_BACKUP"`,
		"--cd", workdir,
		prompt)
	return args
}

func codexSandboxMode() string {
	if mode := readEnvTrimmed("CODEX_SANDBOX"); mode != "" {
		return mode
	}
	return "workspace-write"
}

func codexBypassSandbox() bool {
	return config.EnvEnabled("CODEX_BYPASS_SANDBOX") ||
		config.EnvEnabled("CODEX_DANGEROUSLY_BYPASS_SANDBOX")
}

// ensureCodexConfigAt writes or patches config.toml under configDir: the
// managed Azure block is replaced in place and a trust entry for trustDir is
// appended once.
func ensureCodexConfigAt(modelName, azureEndpoint, configDir, trustDir, sandboxMode string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}
	configPath := filepath.Join(configDir, "config.toml")

	endpoint := normalizeAzureEndpoint(azureEndpoint)
	block := fmt.Sprintf(codexConfigBlockTemplate, modelName, endpoint, sandboxMode)

	var existing string
	if raw, err := os.ReadFile(configPath); err == nil {
		existing = string(raw)
	} else if !os.IsNotExist(err) {
		return err
	}

	updated := updateConfigBlock(existing, block)
	updated = ensureProjectTrust(updated, trustDir)
	return os.WriteFile(configPath, []byte(updated), 0o644)
}

// updateConfigBlock replaces the marker-delimited block (through the
// wire_api line) or appends the block when no marker is present.
func updateConfigBlock(existing, block string) string {
	const blockEnd = `wire_api = "responses"`
	if markerIdx := strings.Index(existing, codexConfigMarker); markerIdx >= 0 {
		if endRel := strings.Index(existing[markerIdx:], blockEnd); endRel >= 0 {
			endIdx := markerIdx + endRel + len(blockEnd)
			if nl := strings.IndexByte(existing[endIdx:], '\n'); nl >= 0 {
				endIdx += nl + 1
			} else {
				endIdx = len(existing)
			}
			var b strings.Builder
			head := strings.TrimRight(existing[:markerIdx], " \t\n")
			if head != "" {
				b.WriteString(head)
				b.WriteString("\n\n")
			}
			b.WriteString(strings.TrimRight(block, "\n"))
			b.WriteString("\n")
			b.WriteString(strings.TrimLeft(existing[endIdx:], " \t\n"))
			return b.String()
		}
	}
	updated := strings.TrimRight(existing, " \t\n")
	if updated != "" {
		updated += "\n\n"
	}
	return updated + strings.TrimRight(block, "\n") + "\n"
}

// ensureProjectTrust appends a trust entry for the workspace unless one is
// already present.
func ensureProjectTrust(existing, workspaceDir string) string {
	header := fmt.Sprintf("[projects.\"%s\"]", tomlEscape(workspaceDir))
	if strings.Contains(existing, header) {
		return existing
	}
	updated := strings.TrimRight(existing, " \t\n")
	if updated != "" {
		updated += "\n\n"
	}
	return updated + header + "\ntrust_level = \"trusted\"\n"
}

func tomlEscape(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

// normalizeAzureEndpoint appends the /openai/v1 path expected by the
// responses wire API.
func normalizeAzureEndpoint(endpoint string) string {
	trimmed := strings.TrimSpace(endpoint)
	if strings.HasSuffix(trimmed, "/openai/v1") {
		return trimmed
	}
	return strings.TrimRight(trimmed, "/") + "/openai/v1"
}

// spillGoogleToken writes the token into the workspace because the sandbox
// may strip env vars from spawned tools.
func spillGoogleToken(log *slog.Logger, workspaceDir, token string) {
	if token == "" {
		return
	}
	path := filepath.Join(workspaceDir, ".google_access_token")
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		log.Warn("failed to write google access token file", slog.Any("error", err))
	}
}

// runCombined executes cmd and returns combined stdout+stderr with the exit
// code. A non-zero exit is not an error here; callers map it to their own
// failure types.
func runCombined(cmd *exec.Cmd) (string, int, error) {
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}
		return "", 0, err
	}
	return string(out), 0, nil
}
