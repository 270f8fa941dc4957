package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/bluebubbles"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/discord"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/email"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/googledocs"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/slack"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/sms"
	"github.com/dowhiz/dowhiz/internal/channel/adapters/telegram"
	"github.com/dowhiz/dowhiz/internal/collab"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/directory"
	"github.com/dowhiz/dowhiz/internal/ingest"
	"github.com/dowhiz/dowhiz/internal/outbound"
	"github.com/dowhiz/dowhiz/internal/router"
	"github.com/dowhiz/dowhiz/internal/runner"
	"github.com/dowhiz/dowhiz/internal/taskindex"
	"github.com/dowhiz/dowhiz/internal/userstore"
	"github.com/dowhiz/dowhiz/internal/worker"
	"github.com/dowhiz/dowhiz/internal/workspace"
)

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the queue consumer and task dispatcher",
		Run:   func(*cobra.Command, []string) { runWork() },
	}
}

func runWork() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDirectory,
			provideQueue,
			provideInstallStore,
			provideRuntimeRoot,
			provideUserStore,
			provideTaskIndex,
			provideCollabStore,
			provideOutboundRegistry,
			provideDispatcher,
			provideClassifier,
			provideAgentRunner,
			provideTaskExecutor,
			provideMaterializer,
			provideWorker,
		),
		fx.Invoke(startWorker),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

// runtimeRoot is the on-disk root for user state, workspaces and archives.
type runtimeRoot string

func provideRuntimeRoot(dir *directory.Directory) runtimeRoot {
	if dir != nil {
		if emp, ok := dir.Default(); ok && emp.RuntimeRoot != "" {
			return runtimeRoot(emp.RuntimeRoot)
		}
	}
	if root := strings.TrimSpace(os.Getenv("WORKSPACE_ROOT")); root != "" {
		return runtimeRoot(root)
	}
	return "runtime"
}

func provideUserStore(lc fx.Lifecycle, root runtimeRoot, log *slog.Logger) (*userstore.Store, error) {
	store, err := userstore.Open(string(root), log)
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func provideTaskIndex(lc fx.Lifecycle, root runtimeRoot) (*taskindex.Store, error) {
	index, err := taskindex.Open(filepath.Join(string(root), "state", "task_index.db"))
	if err != nil {
		return nil, fmt.Errorf("open task index: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return index.Close() }})
	return index, nil
}

func provideCollabStore(lc fx.Lifecycle, root runtimeRoot) (*collab.Store, error) {
	store, err := collab.OpenStore(filepath.Join(string(root), "state", "collaboration.db"))
	if err != nil {
		return nil, fmt.Errorf("open collaboration store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

// provideOutboundRegistry registers a sender for every channel that has
// credentials. Channels without credentials report a config error at send
// time instead of blocking startup.
func provideOutboundRegistry(dir *directory.Directory, installs *outbound.InstallStore, log *slog.Logger) *channel.Registry {
	reg := channel.NewRegistry()
	reg.MustRegisterOutbound(email.NewOutboundAdapter("", "", log))
	reg.MustRegisterOutbound(sms.NewOutboundAdapter("", "", "", log))
	reg.MustRegisterOutbound(bluebubbles.NewOutboundAdapter("", "", log))

	var slackTokens slack.TokenSource = installs
	if token := strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN")); token != "" {
		slackTokens = slack.StaticToken(token)
	}
	reg.MustRegisterOutbound(slack.NewOutboundAdapter(slackTokens, "", log))

	if token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); token != "" {
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			log.Warn("telegram bot unavailable", slog.Any("error", err))
		} else {
			reg.MustRegisterOutbound(telegram.NewOutboundAdapter(bot, log))
		}
	}

	if token := strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")); token != "" {
		session, err := discordgo.New("Bot " + token)
		if err != nil {
			log.Warn("discord session unavailable", slog.Any("error", err))
		} else {
			reg.MustRegisterOutbound(discord.NewOutboundAdapter(session, log))
		}
	}

	employeeID := ""
	if dir != nil {
		if emp, ok := dir.Default(); ok {
			employeeID = emp.ID
		}
	}
	if creds := googledocs.CredentialsFromEnv(employeeID); creds.Valid() {
		client, err := googledocs.NewClient(creds, "", "", log)
		if err != nil {
			log.Warn("google docs client unavailable", slog.Any("error", err))
		} else {
			reg.MustRegisterOutbound(googledocs.NewOutboundAdapter(client))
		}
	}
	return reg
}

func provideDispatcher(reg *channel.Registry, log *slog.Logger) *outbound.Dispatcher {
	return outbound.NewDispatcher(reg, log)
}

func provideClassifier(log *slog.Logger) *router.Router {
	return router.New(router.FromEnv(), log)
}

func provideAgentRunner(log *slog.Logger) *runner.Runner {
	return runner.New(log)
}

func provideTaskExecutor(agent *runner.Runner, dispatcher *outbound.Dispatcher, log *slog.Logger) *worker.TaskExecutor {
	return worker.NewTaskExecutor(agent, dispatcher, log)
}

func provideMaterializer(log *slog.Logger) *workspace.Materializer {
	return workspace.NewMaterializer(strings.TrimSpace(os.Getenv("SKILLS_SOURCE_DIR")), log)
}

func provideWorker(queue ingest.Queue, users *userstore.Store, index *taskindex.Store, dir *directory.Directory, classifier *router.Router, dispatcher *outbound.Dispatcher, executor *worker.TaskExecutor, reg *channel.Registry, materializer *workspace.Materializer, sessions *collab.Store, log *slog.Logger) *worker.Worker {
	return worker.New(worker.Deps{
		Queue:        queue,
		Users:        users,
		Index:        index,
		Directory:    dir,
		Classifier:   classifier,
		Dispatcher:   dispatcher,
		Executor:     executor,
		Registry:     reg,
		Materializer: materializer,
		Collab:       sessions,
		Log:          log,
	})
}

func startWorker(lc fx.Lifecycle, w *worker.Worker, cfg config.Config, dir *directory.Directory) {
	ctx, cancel := context.WithCancel(context.Background())
	employeeIDs := consumerEmployeeIDs(cfg, dir)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go w.Run(ctx, employeeIDs)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// consumerEmployeeIDs is every employee id envelopes can be routed to: the
// roster, the configured routes, and the global default. EMPLOYEE_ID pins the
// consumer to a single employee.
func consumerEmployeeIDs(cfg config.Config, dir *directory.Directory) []string {
	if id := strings.TrimSpace(os.Getenv("EMPLOYEE_ID")); id != "" {
		return []string{id}
	}
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if dir != nil {
		for _, emp := range dir.All() {
			add(emp.ID)
		}
	}
	for _, route := range cfg.Routes {
		add(route.EmployeeID)
	}
	add(cfg.Defaults.EmployeeID)
	if len(ids) == 0 {
		ids = []string{"default"}
	}
	return ids
}
