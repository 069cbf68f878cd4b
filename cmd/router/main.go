package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	routerdb "github.com/skamalj/router-agent/db"
	"github.com/skamalj/router-agent/internal/boot"
	"github.com/skamalj/router-agent/internal/checkpoint"
	"github.com/skamalj/router-agent/internal/config"
	"github.com/skamalj/router-agent/internal/db"
	"github.com/skamalj/router-agent/internal/dispatch"
	"github.com/skamalj/router-agent/internal/handlers"
	"github.com/skamalj/router-agent/internal/identity"
	"github.com/skamalj/router-agent/internal/logger"
	"github.com/skamalj/router-agent/internal/pipeline"
	"github.com/skamalj/router-agent/internal/queue"
	"github.com/skamalj/router-agent/internal/reasoning"
	"github.com/skamalj/router-agent/internal/schedule"
	"github.com/skamalj/router-agent/internal/server"
	"github.com/skamalj/router-agent/internal/version"
)

func main() {
	// `router migrate up|down|version|force N` runs migrations and exits.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrations(os.Args[2:])
		return
	}

	fx.New(
		fx.Provide(
			provideConfig,
			boot.ProvideRuntimeConfig,
			provideLogger,
			provideDBConn,

			identity.NewService,
			provideCheckpointStore,
			provideReasoningClient,
			provideDispatchClient,
			provideRunner,
			provideConsumer,
			provideSweeper,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewProfilesHandler),
			provideServer,
		),
		fx.Invoke(
			startConsumer,
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func runMigrations(args []string) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	command := "up"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}
	migrations, err := routerdb.Migrations()
	if err != nil {
		logger.Error("migrations unavailable", slog.Any("error", err))
		os.Exit(1)
	}
	if err := db.RunMigrate(logger.L, cfg.Postgres, migrations, command, args); err != nil {
		logger.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideCheckpointStore(log *slog.Logger, cfg config.Config, conn *pgxpool.Pool) *checkpoint.Store {
	return checkpoint.NewStore(log, conn, checkpoint.Budget{
		ReadPerSecond:  cfg.Checkpoint.ReadUnits,
		WritePerSecond: cfg.Checkpoint.WriteUnits,
		WaitCeiling:    time.Duration(cfg.Checkpoint.WaitCeilingSeconds) * time.Second,
	})
}

func provideReasoningClient(log *slog.Logger, cfg config.Config, runtimeConfig *boot.RuntimeConfig) (*reasoning.Client, error) {
	timeout := time.Duration(cfg.Reasoning.TimeoutSeconds) * time.Second
	return reasoning.NewClient(log, cfg.Reasoning.BaseURL, cfg.Reasoning.APIKey, runtimeConfig.Provider, runtimeConfig.Model, timeout)
}

func provideDispatchClient(log *slog.Logger, runtimeConfig *boot.RuntimeConfig) (*dispatch.Client, error) {
	return dispatch.NewClient(log, runtimeConfig.WorkflowTargetURL, 15*time.Second)
}

func provideRunner(log *slog.Logger, runtimeConfig *boot.RuntimeConfig, resolver *identity.Service, store *checkpoint.Store, invoker *reasoning.Client, dispatcher *dispatch.Client) (*pipeline.Runner, error) {
	prompt, err := reasoning.LoadPrompt(runtimeConfig.PromptPath)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(log, pipeline.Options{
		SystemPrompt:  prompt,
		MinKeep:       runtimeConfig.MinKeep,
		PruneTrigger:  runtimeConfig.PruneTrigger,
		CheckpointTTL: runtimeConfig.CheckpointTTL,
		DefaultAgent:  runtimeConfig.DefaultAgent,
	}, resolver, store, invoker, dispatcher)
}

func provideConsumer(log *slog.Logger, cfg config.Config, runner *pipeline.Runner) (*queue.Consumer, error) {
	return queue.NewConsumer(log, queue.Options{
		URL:      cfg.AMQP.URL,
		Queue:    cfg.AMQP.Queue,
		Prefetch: cfg.AMQP.Prefetch,
	}, runner)
}

func provideSweeper(log *slog.Logger, cfg config.Config, store *checkpoint.Store) (*schedule.Sweeper, error) {
	return schedule.NewSweeper(log, store, cfg.Checkpoint.SweepSchedule)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	RuntimeConfig  *boot.RuntimeConfig
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.RuntimeConfig.ServerAddr, params.ServerHandlers...)
}

func startConsumer(lc fx.Lifecycle, consumer *queue.Consumer) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return consumer.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			return consumer.Close()
		},
	})
}

func startSweeper(lc fx.Lifecycle, sweeper *schedule.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sweeper.Start()
		},
		OnStop: func(ctx context.Context) error {
			return sweeper.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting Router Agent %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
