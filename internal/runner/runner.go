// Package runner invokes an external code agent against a materialized
// thread workspace and parses the structured side effects out of its output:
// follow-up tasks to schedule, scheduler actions, and the reply draft.
package runner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/directory"
	"github.com/dowhiz/dowhiz/internal/scheduler"
)

// Params describes one agent invocation. The input directories are relative
// to WorkspaceDir.
type Params struct {
	WorkspaceDir        string
	InputEmailDir       string
	InputAttachmentsDir string
	MemoryDir           string
	ReferenceDir        string
	ReplyTo             []string
	ModelName           string
	Runner              string
	CodexDisabled       bool
	Channel             channel.Channel
	GoogleAccessToken   string
}

// Output is the result of a successful agent invocation.
type Output struct {
	ReplyPath           string
	ReplyAttachmentsDir string
	AgentOutput         string
	FollowUps           []scheduler.FollowUpRequest
	FollowUpError       string
	Actions             []scheduler.ActionRequest
	ActionsError        string
}

// Runner executes RunTask invocations.
type Runner struct {
	log *slog.Logger
}

// New returns a Runner logging through log.
func New(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log.With(slog.String("component", "runner"))}
}

// Run prepares the workspace, invokes the configured agent, and parses its
// output. Parse failures of the structured blocks are reported as warning
// strings on the Output, never as errors.
func (r *Runner) Run(ctx context.Context, params Params) (*Output, error) {
	if err := ensureWorkspaceDir(params.WorkspaceDir); err != nil {
		return nil, err
	}
	if err := validateInputDirs(params); err != nil {
		return nil, err
	}
	replyPath, replyAttachmentsDir := replyTargets(params.WorkspaceDir, params.Channel)
	if err := os.MkdirAll(replyAttachmentsDir, 0o755); err != nil {
		return nil, err
	}

	if params.CodexDisabled {
		if len(params.ReplyTo) > 0 {
			if err := writePlaceholderReply(replyPath, params.Channel); err != nil {
				return nil, err
			}
		}
		return &Output{
			ReplyPath:           replyPath,
			ReplyAttachmentsDir: replyAttachmentsDir,
			AgentOutput:         "agent disabled",
		}, nil
	}

	loadEnvSources(params.WorkspaceDir)
	switch normalizeRunner(params.Runner) {
	case directory.RunnerClaude:
		return r.runClaude(ctx, params, replyPath, replyAttachmentsDir)
	case directory.RunnerLocal:
		return r.runLocal(ctx, params, replyPath, replyAttachmentsDir)
	default:
		return r.runCodex(ctx, params, replyPath, replyAttachmentsDir)
	}
}

func normalizeRunner(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return directory.RunnerCodex
	}
	return name
}

// finish assembles the Output shared by every runner backend: parse the
// structured blocks from the combined output and enforce the reply contract.
func (r *Runner) finish(params Params, replyPath, replyAttachmentsDir, combined string) (*Output, error) {
	followUps, followUpErr := ExtractFollowUps(combined)
	actions, actionsErr := ExtractActions(combined)
	tail := tailString(combined, outputTailLimit)

	if len(params.ReplyTo) > 0 {
		if _, err := os.Stat(replyPath); err != nil {
			return nil, &OutputMissingError{Path: replyPath, Output: tail}
		}
	}
	if followUpErr != "" {
		r.log.Warn("scheduled tasks block unparseable",
			slog.String("workspace", params.WorkspaceDir), slog.String("error", followUpErr))
	}
	if actionsErr != "" {
		r.log.Warn("scheduler actions block unparseable",
			slog.String("workspace", params.WorkspaceDir), slog.String("error", actionsErr))
	}
	return &Output{
		ReplyPath:           replyPath,
		ReplyAttachmentsDir: replyAttachmentsDir,
		AgentOutput:         tail,
		FollowUps:           followUps,
		FollowUpError:       followUpErr,
		Actions:             actions,
		ActionsError:        actionsErr,
	}, nil
}

const outputTailLimit = 2000

func replyTargets(workspaceDir string, ch channel.Channel) (string, string) {
	draft, attachments := scheduler.ReplyDraftNames(ch)
	return filepath.Join(workspaceDir, draft), filepath.Join(workspaceDir, attachments)
}
