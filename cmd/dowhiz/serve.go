package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/directory"
	"github.com/dowhiz/dowhiz/internal/gateway"
	"github.com/dowhiz/dowhiz/internal/ingest"
	"github.com/dowhiz/dowhiz/internal/logger"
	"github.com/dowhiz/dowhiz/internal/outbound"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingestion gateway",
		Run:   func(*cobra.Command, []string) { runServe() },
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDirectory,
			provideBotIdentities,
			provideQueue,
			provideInstallStore,
			provideGatewayRouter,
			provideGatewayServer,
		),
		fx.Invoke(
			startGatewayServer,
			startDocsPoller,
			startDiscordIngress,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideDirectory loads the employee roster. A missing roster file is fine:
// routing then relies on gateway.toml routes alone.
func provideDirectory(log *slog.Logger) (*directory.Directory, error) {
	path := strings.TrimSpace(os.Getenv("EMPLOYEE_CONFIG_PATH"))
	if path == "" {
		path = "employee.toml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn("no employee roster found", slog.String("path", path))
		return nil, nil
	}
	dir, err := directory.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load employee roster: %w", err)
	}
	return dir, nil
}

// provideBotIdentities collects the self identities inbound adapters must
// suppress: employee addresses plus BOT_IDENTITIES from the environment.
func provideBotIdentities(dir *directory.Directory) *channel.BotIdentitySet {
	bots := channel.NewBotIdentitySet()
	if dir != nil {
		for _, emp := range dir.All() {
			for _, addr := range emp.Addresses {
				bots.Add(addr)
			}
		}
	}
	for _, id := range strings.Split(os.Getenv("BOT_IDENTITIES"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			bots.Add(id)
		}
	}
	return bots
}

func provideQueue(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (ingest.Queue, error) {
	queue, err := ingest.Open(context.Background(), cfg.QueueURL(), ingest.Options{Log: log})
	if err != nil {
		return nil, fmt.Errorf("open ingestion queue: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return queue.Close() }})
	return queue, nil
}

func provideInstallStore(lc fx.Lifecycle, cfg config.Config) (*outbound.InstallStore, error) {
	path := strings.TrimSpace(os.Getenv("SLACK_INSTALL_DB_PATH"))
	if path == "" {
		path = filepath.Join(filepath.Dir(cfg.Storage.DBPath), "slack_installs.db")
	}
	store, err := outbound.OpenInstallStore(path)
	if err != nil {
		return nil, fmt.Errorf("open slack install store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func provideGatewayRouter(cfg config.Config, dir *directory.Directory) (*gateway.Router, error) {
	return gateway.NewRouter(cfg, dir)
}

func provideGatewayServer(cfg config.Config, router *gateway.Router, queue ingest.Queue, dir *directory.Directory, bots *channel.BotIdentitySet, installs *outbound.InstallStore, log *slog.Logger) *gateway.Server {
	return gateway.New(cfg, gateway.Deps{
		Router:    router,
		Queue:     queue,
		Directory: dir,
		Bots:      bots,
		Installs:  installs,
		Log:       log,
	})
}

func startGatewayServer(lc fx.Lifecycle, srv *gateway.Server, shutdowner fx.Shutdowner, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("gateway server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway stop: %w", err)
			}
			return nil
		},
	})
}

// startDocsPoller runs the Google Docs comment poller when it is configured.
func startDocsPoller(lc fx.Lifecycle, cfg config.Config, dir *directory.Directory, queue ingest.Queue, router *gateway.Router, log *slog.Logger) error {
	path := strings.TrimSpace(os.Getenv("GOOGLE_DOCS_DB_PATH"))
	if path == "" {
		path = filepath.Join(filepath.Dir(cfg.Storage.DBPath), "google_docs.db")
	}
	store, err := gateway.OpenProcessedStore(path)
	if err != nil {
		return fmt.Errorf("open google docs store: %w", err)
	}
	poller, err := gateway.NewDocsPoller(dir, queue, router, store, log)
	if err != nil {
		store.Close()
		return fmt.Errorf("configure google docs poller: %w", err)
	}
	if poller == nil {
		store.Close()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go poller.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return store.Close()
		},
	})
	return nil
}

// startDiscordIngress opens the Discord gateway socket when a bot token is
// configured.
func startDiscordIngress(lc fx.Lifecycle, queue ingest.Queue, router *gateway.Router, bots *channel.BotIdentitySet, log *slog.Logger) error {
	ingress, err := gateway.NewDiscordIngress(queue, router, bots, log)
	if err != nil {
		return fmt.Errorf("configure discord ingress: %w", err)
	}
	if ingress == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return ingress.Start(ctx) },
		OnStop: func(context.Context) error {
			cancel()
			return ingress.Close()
		},
	})
	return nil
}
