package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/app"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/db"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/ledger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/monitor"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

var (
	cfgFile string
	logMode string
)

func main() {
	root := &cobra.Command{
		Use:           "expression-forge",
		Short:         "Generation pipeline orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	root.PersistentFlags().StringVar(&logMode, "log-mode", "", "development or production (overrides log.mode)")

	root.AddCommand(serveCmd(), migrateCmd(), scanStallsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (app.Config, *logger.Logger, error) {
	v, err := app.NewViper(cfgFile)
	if err != nil {
		return app.Config{}, nil, err
	}
	if logMode != "" {
		v.Set("log.mode", logMode)
	}
	cfg, err := app.LoadConfig(v)
	if err != nil {
		return app.Config{}, nil, err
	}
	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return app.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, coordinators and stall scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, log)
			if err != nil {
				log.Error("init failed", "error", err)
				log.Sync()
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, indexes and change triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			store, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}, log)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Migrate()
		},
	}
}

func scanStallsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-stalls",
		Short: "Fail stalled run items once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			store, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}, log)
			if err != nil {
				return err
			}
			defer store.Close()

			set := repos.NewSet(store.DB(), log)
			l := ledger.New(store.DB(), set.Jobs, nil, log)
			scanner := monitor.NewStallScanner(set.RunItems, set.Outputs, l, nil, nil, cfg.MonitorConfig(), log)
			n, err := scanner.ScanOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("stall scan finished", "reclaimed", n)
			return nil
		},
	}
}
