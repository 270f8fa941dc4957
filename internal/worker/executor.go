package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/outbound"
	"github.com/dowhiz/dowhiz/internal/runner"
	"github.com/dowhiz/dowhiz/internal/scheduler"
)

// TaskExecutor executes scheduled task payloads: run_task through the agent
// runner, send_reply through the outbound dispatcher.
type TaskExecutor struct {
	runner     *runner.Runner
	dispatcher *outbound.Dispatcher
	log        *slog.Logger
}

// NewTaskExecutor wires the executor.
func NewTaskExecutor(agent *runner.Runner, dispatcher *outbound.Dispatcher, log *slog.Logger) *TaskExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &TaskExecutor{
		runner:     agent,
		dispatcher: dispatcher,
		log:        log.With(slog.String("component", "executor")),
	}
}

// Execute dispatches on the task kind.
func (e *TaskExecutor) Execute(ctx context.Context, kind scheduler.TaskKind) (*scheduler.Execution, error) {
	switch kind.Type {
	case scheduler.KindNoop:
		return &scheduler.Execution{}, nil
	case scheduler.KindSendReply:
		if kind.SendReply == nil {
			return nil, fmt.Errorf("send_reply task has no payload")
		}
		result, err := e.dispatcher.SendReply(ctx, kind.SendReply)
		if err != nil {
			return nil, err
		}
		if result.Error != "" {
			return nil, fmt.Errorf("send failed: %s", result.Error)
		}
		return &scheduler.Execution{}, nil
	case scheduler.KindRunTask:
		if kind.Run == nil {
			return nil, fmt.Errorf("run_task task has no payload")
		}
		return e.executeRun(ctx, kind.Run)
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind.Type)
	}
}

func (e *TaskExecutor) executeRun(ctx context.Context, run *scheduler.RunTaskTask) (*scheduler.Execution, error) {
	params := runner.Params{
		WorkspaceDir:        run.WorkspaceDir,
		InputEmailDir:       run.InputEmailDir,
		InputAttachmentsDir: run.InputAttachmentsDir,
		MemoryDir:           run.MemoryDir,
		ReferenceDir:        run.ReferenceDir,
		ReplyTo:             run.ReplyTo,
		ModelName:           run.ModelName,
		Runner:              run.Runner,
		CodexDisabled:       run.CodexDisabled,
		Channel:             run.Channel,
	}
	if run.Channel == channel.GoogleDocs {
		params.GoogleAccessToken = strings.TrimSpace(os.Getenv("GOOGLE_ACCESS_TOKEN"))
	}

	output, err := e.runner.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	e.log.Info("agent run finished",
		slog.String("workspace", run.WorkspaceDir),
		slog.Int("follow_ups", len(output.FollowUps)),
		slog.Int("actions", len(output.Actions)))

	return &scheduler.Execution{
		FollowUpTasks: output.FollowUps,
		FollowUpError: output.FollowUpError,
		Actions:       output.Actions,
		ActionsError:  output.ActionsError,
	}, nil
}
