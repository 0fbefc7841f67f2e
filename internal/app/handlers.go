package app

import (
	"context"

	apphttp "github.com/BennyGman66/expression-forge-studio-sub008/internal/http"
	httpH "github.com/BennyGman66/expression-forge-studio-sub008/internal/http/handlers"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime"
)

type Handlers struct {
	Health   *httpH.HealthHandler
	Job      *httpH.JobHandler
	Batch    *httpH.BatchHandler
	Run      *httpH.RunHandler
	Realtime *httpH.RealtimeHandler
}

func wireHandlers(log *logger.Logger, services Services, sseHub *realtime.SSEHub, ping func(ctx context.Context) error) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:   httpH.NewHealthHandler(ping),
		Job:      httpH.NewJobHandler(services.Pipeline),
		Batch:    httpH.NewBatchHandler(services.Pipeline),
		Run:      httpH.NewRunHandler(services.Pipeline),
		Realtime: httpH.NewRealtimeHandler(log, sseHub, services.Pipeline),
	}
}

func wireServer(log *logger.Logger, cfg Config, handlers Handlers, metrics *observability.Metrics) *apphttp.Server {
	serviceName := ""
	if cfg.Otel.Enabled {
		serviceName = cfg.Otel.ServiceName
	}
	return apphttp.NewServer(cfg.HTTP.Addr, apphttp.RouterConfig{
		Log:             log,
		Metrics:         metrics,
		ServiceName:     serviceName,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		HealthHandler:   handlers.Health,
		JobHandler:      handlers.Job,
		BatchHandler:    handlers.Batch,
		RunHandler:      handlers.Run,
		RealtimeHandler: handlers.Realtime,
	})
}
