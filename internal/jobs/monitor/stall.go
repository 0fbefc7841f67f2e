package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/ledger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

// StallScanner fails running items whose heartbeat went stale. It does not
// care who claimed them, so it reclaims work from crashed processes too.
// Any number of scanners may run at once; each row transitions at most once.
type StallScanner struct {
	runs      repos.RunItemRepo
	outputs   repos.OutputRepo
	ledger    *ledger.Ledger
	notify    bus.Notifier
	metrics   *observability.Metrics
	log       *logger.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
}

func NewStallScanner(runs repos.RunItemRepo, outputs repos.OutputRepo, l *ledger.Ledger, notify bus.Notifier, metrics *observability.Metrics, cfg Config, baseLog *logger.Logger) *StallScanner {
	cfg = cfg.withDefaults()
	if notify == nil {
		notify = bus.NewNotifier(nil, baseLog)
	}
	return &StallScanner{
		runs:      runs,
		outputs:   outputs,
		ledger:    l,
		notify:    notify,
		metrics:   metrics,
		log:       baseLog.With("component", "StallScanner"),
		interval:  cfg.ScanInterval,
		threshold: cfg.StallThreshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *StallScanner) Threshold() time.Duration { return s.threshold }

// ScanOnce reclaims stale items and returns how many it moved to failed.
func (s *StallScanner) ScanOnce(ctx context.Context) (int, error) {
	dbc := dbctx.New(ctx)
	running, err := s.runs.CountRunning(dbc)
	if err != nil {
		return 0, jobs.Persist("count running", err)
	}
	if running == 0 {
		return 0, nil
	}

	now := s.now()
	cutoff := now.Add(-s.threshold)
	stale, err := s.runs.ListStale(dbc, cutoff)
	if err != nil {
		return 0, jobs.Persist("list stale", err)
	}

	reclaimed := 0
	batches := map[uuid.UUID]bool{}
	for _, item := range stale {
		stallErr := &jobs.StallError{Threshold: s.threshold}
		if item.HeartbeatAt != nil {
			stallErr.LastHeartbeat = *item.HeartbeatAt
		}
		ok, err := s.runs.FailIfStale(dbc, item.ID, cutoff, stallErr.Error(), now)
		if err != nil {
			s.log.Warn("stall reclaim failed", "run_item_id", item.ID, "error", err)
			continue
		}
		if !ok {
			// heartbeat landed or someone else finished it
			continue
		}
		reclaimed++
		batches[item.BatchID] = true
		s.log.Warn("run item stalled",
			"run_item_id", item.ID,
			"batch_id", item.BatchID,
			"last_heartbeat", stallErr.LastHeartbeat,
		)
		if _, err := s.ledger.UpdateProgress(ctx, item.BatchID, ledger.ProgressDelta{Failed: 1}); err != nil {
			s.log.Warn("stall progress update failed", "batch_id", item.BatchID, "error", err)
		}
		s.notify.RunItemIDChanged(ctx, bus.OpUpdate, item.ID, item.BatchID)
		s.failOutputs(ctx, item, stallErr.Error(), now)
	}
	s.metrics.IncStallReclaim("scanner", reclaimed)

	for batchID := range batches {
		s.settle(ctx, batchID)
	}
	return reclaimed, nil
}

// failOutputs fails what the dead worker left pending or generating. A late
// result from that worker is then dropped by the output status guard.
func (s *StallScanner) failOutputs(ctx context.Context, item *types.RunItem, message string, now time.Time) {
	ids, err := s.outputs.FailInFlightByRunItem(dbctx.New(ctx), item.ID, message, now)
	if err != nil {
		s.log.Warn("stall output reclaim failed", "run_item_id", item.ID, "error", err)
		return
	}
	for _, id := range ids {
		s.notify.OutputChanged(ctx, bus.OpUpdate, id, item.BatchID)
	}
}

// settle closes batches whose last live item was just reclaimed; otherwise
// a crashed coordinator would leave its job RUNNING forever.
func (s *StallScanner) settle(ctx context.Context, batchID uuid.UUID) {
	counts, err := s.runs.CountByStatus(dbctx.New(ctx), []uuid.UUID{batchID})
	if err != nil {
		s.log.Warn("stall settle count failed", "batch_id", batchID, "error", err)
		return
	}
	if _, moved, err := s.ledger.Settle(ctx, batchID, counts[batchID]); err != nil {
		s.log.Warn("stall settle failed", "batch_id", batchID, "error", err)
	} else if moved {
		s.log.Info("batch settled after stall", "batch_id", batchID)
	}
}

func (s *StallScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("stall scan failed", "error", err)
			}
		}
	}
}
