package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/db"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	apphttp "github.com/BennyGman66/expression-forge-studio-sub008/internal/http"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/services"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Store    *db.Service
	Repos    repos.Set
	Clients  Clients
	Services Services
	SSEHub   *realtime.SSEHub
	Metrics  *observability.Metrics
	Server   *apphttp.Server

	ctx          context.Context
	cancel       context.CancelFunc
	otelShutdown func(context.Context) error
}

// New connects the store and wires every component. Nothing runs until Run.
func New(cfg Config, log *logger.Logger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.Otel.Enabled,
		ServiceName: cfg.Otel.ServiceName,
		Environment: cfg.Otel.Environment,
		Endpoint:    cfg.Otel.Endpoint,
		Headers:     observability.ParseHeaders(cfg.Otel.Headers),
		Insecure:    cfg.Otel.Insecure,
		SampleRatio: cfg.Otel.SampleRatio,
	})
	metrics := observability.Init(cfg.Metrics.Enabled, cfg.Metrics.ScrapeInterval)

	store, err := db.Open(db.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init store: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(); err != nil {
			cancel()
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	clients, err := wireClients(log, cfg)
	if err != nil {
		cancel()
		_ = store.Close()
		return nil, err
	}

	reposet := repos.NewSet(store.DB(), log)
	serviceset := wireServices(ctx, store.DB(), log, cfg, reposet, clients, metrics)
	hub := realtime.NewSSEHub(log)
	handlerset := wireHandlers(log, serviceset, hub, store.Ping)
	server := wireServer(log, cfg, handlerset, metrics)

	return &App{
		Log:          log,
		Cfg:          cfg,
		Store:        store,
		Repos:        reposet,
		Clients:      clients,
		Services:     serviceset,
		SSEHub:       hub,
		Metrics:      metrics,
		Server:       server,
		ctx:          ctx,
		cancel:       cancel,
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves HTTP and runs the background loops until ctx is done, then
// drains coordinators and the server within the shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := services.StartRealtimeForwarder(a.ctx, a.Clients.Bus, a.SSEHub, a.Log); err != nil {
		return err
	}
	a.Metrics.StartDBCollector(a.ctx, a.Log, a.Store.DB())
	a.Metrics.StartRunItemCollector(a.ctx, a.Log, a.Store.DB())
	if a.Cfg.ChangeFeed.Mode == ChangeFeedRedis {
		a.Metrics.StartRedisCollector(a.ctx, a.Log, a.Cfg.Redis.Addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Services.Scanner != nil {
		g.Go(func() error {
			a.Services.Scanner.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.Log.Info("http server listening", "addr", a.Cfg.HTTP.Addr)
		return a.Server.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) shutdown() error {
	timeout := a.Cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.Log.Info("shutting down")
	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Services.Pipeline.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain coordinators: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Clients.Bus != nil {
		_ = a.Clients.Bus.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
