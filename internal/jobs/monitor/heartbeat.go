// Package monitor keeps running run items alive and reclaims the ones whose
// owner went away.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultScanInterval      = 60 * time.Second
	DefaultStallThreshold    = 5 * time.Minute
)

type Config struct {
	HeartbeatInterval time.Duration
	ScanInterval      time.Duration
	StallThreshold    time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = DefaultStallThreshold
	}
	return c
}

// Heartbeater writes heartbeat_at for the run items its owner is processing.
// It also touches the owning jobs so observers can tell a live batch from a
// stuck one.
type Heartbeater struct {
	runs     repos.RunItemRepo
	jobs     repos.PipelineJobRepo
	log      *logger.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	tracked map[uuid.UUID]uuid.UUID // run item -> batch
}

func NewHeartbeater(runs repos.RunItemRepo, jobRepo repos.PipelineJobRepo, interval time.Duration, baseLog *logger.Logger) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeater{
		runs:     runs,
		jobs:     jobRepo,
		log:      baseLog.With("component", "Heartbeater"),
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		tracked:  map[uuid.UUID]uuid.UUID{},
	}
}

func (h *Heartbeater) Track(id, batchID uuid.UUID) {
	h.mu.Lock()
	h.tracked[id] = batchID
	h.mu.Unlock()
}

func (h *Heartbeater) Untrack(id uuid.UUID) {
	h.mu.Lock()
	delete(h.tracked, id)
	h.mu.Unlock()
}

func (h *Heartbeater) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tracked)
}

func (h *Heartbeater) snapshot() ([]uuid.UUID, []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(h.tracked))
	seen := map[uuid.UUID]bool{}
	batches := []uuid.UUID{}
	for id, batch := range h.tracked {
		ids = append(ids, id)
		if !seen[batch] {
			seen[batch] = true
			batches = append(batches, batch)
		}
	}
	return ids, batches
}

// Beat writes one heartbeat for every tracked item that is still running.
// It does nothing while nothing is tracked.
func (h *Heartbeater) Beat(ctx context.Context) (int64, error) {
	ids, batches := h.snapshot()
	if len(ids) == 0 {
		return 0, nil
	}
	now := h.now()
	dbc := dbctx.New(ctx)
	n, err := h.runs.Heartbeat(dbc, ids, now)
	if err != nil {
		return 0, err
	}
	if h.jobs != nil {
		if err := h.jobs.Touch(dbc, batches, now); err != nil {
			h.log.Warn("touch jobs failed", "batches", len(batches), "error", err)
		}
	}
	if int(n) < len(ids) {
		// the scanner or a cancel moved some of them; the worker will notice at finalize
		h.log.Debug("heartbeat skipped non-running items", "tracked", len(ids), "written", n)
	}
	return n, nil
}

func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Beat(ctx); err != nil && ctx.Err() == nil {
				h.log.Warn("heartbeat write failed", "error", err)
			}
		}
	}
}
