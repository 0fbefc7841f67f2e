package app

import (
	"context"

	"gorm.io/gorm"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/active"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/ledger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/monitor"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/pairing"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/tracker"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/services"
)

type Services struct {
	Ledger   *ledger.Ledger
	Active   *active.Aggregator
	Scanner  *monitor.StallScanner
	Pipeline services.PipelineService
}

func wireServices(ctx context.Context, gdb *gorm.DB, log *logger.Logger, cfg Config, reposet repos.Set, clients Clients, metrics *observability.Metrics) Services {
	log.Info("Wiring services...")

	notify := bus.NewNotifier(clients.Bus, log)
	l := ledger.New(gdb, reposet.Jobs, notify, log)
	agg := active.New(l, reposet.RunItems, reposet.Outputs, metrics, active.Config{
		StallThreshold: cfg.Monitor.StallThreshold,
		RecentWindow:   cfg.Active.RecentWindow,
		RecentLimit:    cfg.Active.RecentLimit,
	}, log)

	var scanner *monitor.StallScanner
	if cfg.Monitor.Scanner {
		scanner = monitor.NewStallScanner(reposet.RunItems, reposet.Outputs, l, notify, metrics, cfg.MonitorConfig(), log)
	}

	pipeline := services.NewPipelineService(services.PipelineDeps{
		DB:          gdb,
		Log:         log,
		Repos:       reposet,
		Ledger:      l,
		Active:      agg,
		Generator:   clients.Generator,
		Bus:         clients.Bus,
		Notify:      notify,
		Metrics:     metrics,
		Rules:       pairing.Default(),
		BaseContext: ctx,
	}, services.PipelineConfig{
		Concurrency: cfg.Coordinator.Concurrency,
		Retry:       cfg.RetryPolicy(),
		Monitor:     cfg.MonitorConfig(),
		Tracker: tracker.Config{
			Debounce:     cfg.Tracker.Debounce,
			PollInterval: cfg.Tracker.PollInterval,
		},
	})

	return Services{Ledger: l, Active: agg, Scanner: scanner, Pipeline: pipeline}
}
