package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/BennyGman66/expression-forge-studio-sub008/internal/http/handlers"
	httpMW "github.com/BennyGman66/expression-forge-studio-sub008/internal/http/middleware"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	// ServiceName enables otelgin spans when set.
	ServiceName string
	CORSOrigins []string

	HealthHandler   *httpH.HealthHandler
	JobHandler      *httpH.JobHandler
	BatchHandler    *httpH.BatchHandler
	RunHandler      *httpH.RunHandler
	RealtimeHandler *httpH.RealtimeHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", func(c *gin.Context) { cfg.Metrics.WriteHTTP(c.Writer, c.Request) })
	}

	api := r.Group("/api")
	{
		// Jobs
		if cfg.JobHandler != nil {
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.POST("/jobs/:id/status", cfg.JobHandler.SetStatus)
			api.POST("/jobs/:id/mark-stalled", cfg.JobHandler.MarkStalled)
		}

		// Batches
		if cfg.BatchHandler != nil {
			api.POST("/batches", cfg.BatchHandler.Enqueue)
			api.POST("/batches/:id/start", cfg.BatchHandler.Start)
			api.POST("/batches/:id/stop", cfg.BatchHandler.Stop)
			api.POST("/batches/:id/retry-failed", cfg.BatchHandler.RetryFailed)
			api.POST("/batches/:id/clear-completed", cfg.BatchHandler.ClearCompleted)
			api.GET("/batches/:id/runs", cfg.BatchHandler.ListRuns)
			api.GET("/batches/:id/summary", cfg.BatchHandler.Summary)
		}

		// Runs and outputs
		if cfg.RunHandler != nil {
			api.POST("/runs/:id/retry", cfg.RunHandler.Retry)
			api.POST("/outputs/:id/select", cfg.RunHandler.SelectOutput)
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			api.GET("/stream", cfg.RealtimeHandler.Stream)
			api.GET("/batches/:id/summary/stream", cfg.RealtimeHandler.SummaryStream)
		}
	}

	return r
}
