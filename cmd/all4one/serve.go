package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/adapter/adapters/console"
	"github.com/memohai/all4one/internal/adapter/adapters/discord"
	"github.com/memohai/all4one/internal/adapter/adapters/onebot11"
	"github.com/memohai/all4one/internal/adapter/adapters/onebot12"
	"github.com/memohai/all4one/internal/adapter/adapters/qqguild"
	"github.com/memohai/all4one/internal/adapter/adapters/telegram"
	"github.com/memohai/all4one/internal/adapter/adapters/villa"
	"github.com/memohai/all4one/internal/blob"
	"github.com/memohai/all4one/internal/blob/providers/localfs"
	"github.com/memohai/all4one/internal/config"
	"github.com/memohai/all4one/internal/gateway"
	"github.com/memohai/all4one/internal/handlers"
	"github.com/memohai/all4one/internal/healthcheck"
	gatewaychecker "github.com/memohai/all4one/internal/healthcheck/checkers/gateway"
	"github.com/memohai/all4one/internal/logger"
	"github.com/memohai/all4one/internal/server"
	"github.com/memohai/all4one/internal/version"
)

func runServe(configPath string) {
	fx.New(
		fx.Supply(configFile(configPath)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBlobService,
			provideVillaAdapter,
			provideRegistry,
			provideGateway,
			provideAccountManager,
			fx.Annotate(provideHealthRunner, fx.As(new(handlers.HealthRunner))),
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewHealthHandler),
			provideServer,
		),
		fx.Invoke(
			startGateway,
			startAccountManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

// configFile is the --config flag value; empty means config.DefaultConfigPath.
type configFile string

func provideConfig(path configFile) (config.Config, error) {
	cfg, err := config.Load(string(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideBlobService(log *slog.Logger, cfg config.Config) (*blob.Service, error) {
	root := cfg.Blob.DataRoot
	provider, err := localfs.New(root)
	if err != nil {
		return nil, err
	}
	return blob.NewService(log, provider, blob.Options{
		IndexPath:       filepath.Join(root, "index.json"),
		StagingDir:      filepath.Join(root, ".staging"),
		MaxBytes:        cfg.Blob.MaxBytes,
		DownloadTimeout: cfg.Blob.DownloadTimeout,
	})
}

func provideVillaAdapter(log *slog.Logger, files *blob.Service) *villa.Adapter {
	return villa.NewAdapter(log, files)
}

// provideRegistry registers every adapter enabled by the middlewares list.
func provideRegistry(log *slog.Logger, cfg config.Config, files *blob.Service, villaAdapter *villa.Adapter) *adapter.Registry {
	registry := adapter.NewRegistry()
	all := []adapter.Adapter{
		telegram.NewAdapter(log, files),
		discord.NewAdapter(log, files),
		qqguild.NewAdapter(log, files),
		onebot11.NewAdapter(log, files),
		onebot12.NewAdapter(log, files),
		console.NewAdapter(log, nil),
		villaAdapter,
	}
	for _, a := range all {
		if !cfg.MiddlewareEnabled(a.Type().String()) {
			log.Debug("adapter disabled", slog.String("adapter", a.Type().String()))
			continue
		}
		registry.MustRegister(a)
	}
	log.Info("adapters registered", slog.Any("types", registry.Types()))
	return registry
}

func provideGateway(log *slog.Logger, cfg config.Config) (*gateway.Manager, error) {
	// Leave room for a base64 upload_file payload of the largest accepted blob.
	return gateway.NewManager(log, gateway.Options{
		Impl:            cfg.Impl,
		Connections:     cfg.Connections,
		MaxRequestBytes: 2 * cfg.Blob.MaxBytes,
	})
}

func provideAccountManager(log *slog.Logger, cfg config.Config, registry *adapter.Registry, gw *gateway.Manager) *adapter.AccountManager {
	return adapter.NewAccountManager(log, registry, accountsFromConfig(cfg.Accounts, time.Now().UTC()), gw, cfg.Refresh.Interval)
}

func accountsFromConfig(items []config.AccountConfig, loadedAt time.Time) adapter.StaticAccounts {
	out := make(adapter.StaticAccounts, 0, len(items))
	for _, item := range items {
		out = append(out, adapter.AccountConfig{
			ID:          item.ID,
			Type:        adapter.Type(item.Type),
			Disabled:    item.Disabled,
			Credentials: item.Credentials,
			UpdatedAt:   loadedAt,
		})
	}
	return out
}

func provideHealthRunner(log *slog.Logger, accounts *adapter.AccountManager, gw *gateway.Manager) *healthcheck.Runner {
	return healthcheck.NewRunner(gatewaychecker.NewChecker(log, accounts, gw))
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	Gateway        *gateway.Manager
	Villa          *villa.Adapter
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	allHandlers := make([]server.Handler, 0, len(params.ServerHandlers)+2)
	allHandlers = append(allHandlers, params.ServerHandlers...)
	allHandlers = append(allHandlers, params.Gateway, params.Villa)
	return server.NewServer(params.Config.Server.Addr, params.Logger, allHandlers...)
}

func startGateway(lc fx.Lifecycle, gw *gateway.Manager) {
	lc.Append(fx.Hook{
		OnStart: gw.Start,
		OnStop:  gw.Stop,
	})
}

func startAccountManager(lc fx.Lifecycle, accounts *adapter.AccountManager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { accounts.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return accounts.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting all4one %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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
