package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

// Metrics is the orchestrator's metric registry. Every method is safe on a
// nil receiver so callers never need to check whether metrics are enabled.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	claims          *CounterVec
	runItemsDone    *CounterVec
	runItemLatency  *HistogramVec
	generationCalls *CounterVec
	generationTime  *HistogramVec
	retries         *CounterVec
	stallReclaims   *CounterVec
	workersActive   *Gauge

	runItemDepth *GaugeVec
	dbStats      *GaugeVec
	redisUp      *Gauge
	redisPing    *Gauge

	scrapeInterval time.Duration
	all            []collector
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Current returns the process-wide registry, or nil when metrics are off.
func Current() *Metrics {
	return instance
}

// Init installs the process-wide registry once. It returns nil when disabled.
func Init(enabled bool, scrape time.Duration) *Metrics {
	if !enabled {
		return nil
	}
	initOnce.Do(func() {
		instance = New(scrape)
	})
	return instance
}

// New builds a standalone registry. Tests use it to avoid the global.
func New(scrape time.Duration) *Metrics {
	if scrape <= 0 {
		scrape = 10 * time.Second
	}
	m := &Metrics{
		apiRequests: NewCounterVec("efs_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"efs_api_request_duration_seconds",
			"API request latency in seconds by method/route.",
			[]string{"method", "route"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		),
		apiInflight: NewGauge("efs_api_inflight_requests", "In-flight API requests."),

		claims:       NewCounterVec("efs_run_item_claims_total", "Run item claim attempts by result (won, lost).", []string{"result"}),
		runItemsDone: NewCounterVec("efs_run_items_finished_total", "Run items finalized by terminal status.", []string{"status"}),
		runItemLatency: NewHistogramVec(
			"efs_run_item_duration_seconds",
			"Wall time from claim to finalize per run item.",
			[]string{"status"},
			[]float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		),
		generationCalls: NewCounterVec("efs_generation_calls_total", "Generation service calls by shot type and outcome.", []string{"shot_type", "outcome"}),
		generationTime: NewHistogramVec(
			"efs_generation_call_duration_seconds",
			"Generation service call latency by outcome.",
			[]string{"outcome"},
			[]float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120, 180},
		),
		retries:       NewCounterVec("efs_generation_retries_total", "Transient generation failures that were retried.", []string{"shot_type"}),
		stallReclaims: NewCounterVec("efs_stall_reclaims_total", "Run items failed by the stall scanner.", []string{"source"}),
		workersActive: NewGauge("efs_coordinator_workers_active", "Coordinator workers currently processing a run item."),

		runItemDepth: NewGaugeVec("efs_run_items", "Run items by status.", []string{"status"}),
		dbStats:      NewGaugeVec("efs_db_stats", "database/sql pool stats.", []string{"stat"}),
		redisUp:      NewGauge("efs_redis_up", "Redis reachability (1 up, 0 down)."),
		redisPing:    NewGauge("efs_redis_ping_seconds", "Redis ping latency in seconds."),

		scrapeInterval: scrape,
	}
	m.all = []collector{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.claims, m.runItemsDone, m.runItemLatency,
		m.generationCalls, m.generationTime, m.retries,
		m.stallReclaims, m.workersActive,
		m.runItemDepth, m.dbStats, m.redisUp, m.redisPing,
	}
	return m
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, c := range m.all {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Add(1)
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Add(-1)
}

// IncClaim records a claim attempt; won=false means another instance had it.
func (m *Metrics) IncClaim(won bool) {
	if m == nil {
		return
	}
	if won {
		m.claims.Inc("won")
		return
	}
	m.claims.Inc("lost")
}

func (m *Metrics) ObserveRunItem(status jobs.RunItemStatus, dur time.Duration) {
	if m == nil {
		return
	}
	m.runItemsDone.Inc(string(status))
	m.runItemLatency.Observe(dur.Seconds(), string(status))
}

// ObserveGeneration records one call to the generation service. outcome is
// one of "success", "transient", "terminal" or "canceled".
func (m *Metrics) ObserveGeneration(shotType, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.generationCalls.Inc(shotType, outcome)
	m.generationTime.Observe(dur.Seconds(), outcome)
}

func (m *Metrics) IncRetry(shotType string) {
	if m == nil {
		return
	}
	m.retries.Inc(shotType)
}

// IncStallReclaim counts rows the scanner failed. source is "scanner" or
// "operator" for a manual mark-stalled.
func (m *Metrics) IncStallReclaim(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stallReclaims.Add(float64(n), source)
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersActive.Add(1)
}

func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.workersActive.Add(-1)
}

func (m *Metrics) StartDBCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	go m.tick(ctx, func() {
		sqlDB, err := db.DB()
		if err != nil {
			if log != nil {
				log.Warn("metrics: db stats unavailable", "error", err)
			}
			return
		}
		stats := sqlDB.Stats()
		m.dbStats.Set(float64(stats.OpenConnections), "open_connections")
		m.dbStats.Set(float64(stats.InUse), "in_use")
		m.dbStats.Set(float64(stats.Idle), "idle")
		m.dbStats.Set(float64(stats.WaitCount), "wait_count")
		m.dbStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
		m.dbStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
	})
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		<-ctx.Done()
		_ = rdb.Close()
	}()
	go m.tick(ctx, func() {
		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err != nil {
			m.redisUp.Set(0)
			if log != nil {
				log.Warn("metrics: redis ping failed", "error", err)
			}
			return
		}
		m.redisUp.Set(1)
		m.redisPing.Set(time.Since(start).Seconds())
	})
}

// StartRunItemCollector samples run_item counts per status.
func (m *Metrics) StartRunItemCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	go m.tick(ctx, func() {
		if err := m.CollectRunItems(ctx, db); err != nil && log != nil {
			log.Warn("metrics: run item depth query failed", "error", err)
		}
	})
}

func (m *Metrics) CollectRunItems(ctx context.Context, db *gorm.DB) error {
	if m == nil || db == nil {
		return nil
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.WithContext(ctx).
		Model(&types.RunItem{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	for _, s := range []jobs.RunItemStatus{jobs.RunQueued, jobs.RunRunning, jobs.RunComplete, jobs.RunFailed, jobs.RunCancelled} {
		m.runItemDepth.Set(0, string(s))
	}
	for _, row := range rows {
		m.runItemDepth.Set(float64(row.Count), row.Status)
	}
	return nil
}

func (m *Metrics) tick(ctx context.Context, fn func()) {
	ticker := time.NewTicker(m.scrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
