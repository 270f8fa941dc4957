package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runLocal invokes an operator-supplied agent command on the host. The
// command receives the prompt as its final argument and runs with the
// workspace as its working directory; its output is parsed the same way as
// the other runners.
func (r *Runner) runLocal(ctx context.Context, params Params, replyPath, replyAttachmentsDir string) (*Output, error) {
	command := readEnvTrimmed("LOCAL_RUNNER_CMD")
	if command == "" {
		return nil, &ConfigError{Key: "LOCAL_RUNNER_CMD"}
	}
	parts := strings.Fields(command)

	memoryContext, err := loadMemoryContext(params.WorkspaceDir, params.MemoryDir)
	if err != nil {
		return nil, err
	}
	prompt := buildPrompt(params, "local", memoryContext)

	hostWorkspace, err := filepath.Abs(params.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	spillGoogleToken(r.log, hostWorkspace, params.GoogleAccessToken)

	args := append(parts[1:], prompt)
	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Dir = params.WorkspaceDir
	cmd.Env = os.Environ()
	if params.GoogleAccessToken != "" {
		cmd.Env = append(cmd.Env, "GOOGLE_ACCESS_TOKEN="+params.GoogleAccessToken)
	}
	if model := strings.TrimSpace(params.ModelName); model != "" {
		cmd.Env = append(cmd.Env, "LOCAL_RUNNER_MODEL="+model)
	}

	combined, exitCode, err := runCombined(cmd)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	if exitCode != 0 {
		return nil, &AgentError{Runner: "local", Status: exitCode,
			Output: tailString(combined, outputTailLimit)}
	}
	return r.finish(params, replyPath, replyAttachmentsDir, combined)
}
