// Package active builds the operator's view of in-flight and recently
// finished pipeline jobs.
package active

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/ledger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/monitor"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

const (
	DefaultRecentWindow = 24 * time.Hour
	DefaultRecentLimit  = 50
)

type Config struct {
	StallThreshold time.Duration
	RecentWindow   time.Duration
	RecentLimit    int
}

// RunCounts buckets a job's run items. Running never includes items whose
// heartbeat is past the stall threshold; those are counted as Stalled until
// the scanner fails them.
type RunCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Stalled   int `json:"stalled"`
	Complete  int `json:"complete"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type JobView struct {
	*types.PipelineJob
	IsStalled bool      `json:"is_stalled"`
	Runs      RunCounts `json:"runs"`
}

type Overview struct {
	Active    []JobView `json:"active"`
	Recent    []JobView `json:"recent"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Aggregator struct {
	ledger  *ledger.Ledger
	runs    repos.RunItemRepo
	outputs repos.OutputRepo
	metrics *observability.Metrics
	log     *logger.Logger
	cfg     Config
	now     func() time.Time
}

func New(l *ledger.Ledger, runs repos.RunItemRepo, outputs repos.OutputRepo, metrics *observability.Metrics, cfg Config, baseLog *logger.Logger) *Aggregator {
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = monitor.DefaultStallThreshold
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = DefaultRecentLimit
	}
	return &Aggregator{
		ledger:  l,
		runs:    runs,
		outputs: outputs,
		metrics: metrics,
		log:     baseLog.With("component", "ActiveJobs"),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Fetch reads the ledger and run items. It never writes.
func (a *Aggregator) Fetch(ctx context.Context) (Overview, error) {
	now := a.now()
	activeJobs, err := a.ledger.ListByStatus(ctx, jobs.ActiveJobStatuses...)
	if err != nil {
		return Overview{}, err
	}
	recentJobs, err := a.ledger.ListTerminalSince(ctx, now.Add(-a.cfg.RecentWindow), a.cfg.RecentLimit)
	if err != nil {
		return Overview{}, err
	}

	ids := make([]uuid.UUID, 0, len(activeJobs)+len(recentJobs))
	for _, j := range activeJobs {
		ids = append(ids, j.ID)
	}
	for _, j := range recentJobs {
		ids = append(ids, j.ID)
	}
	dbc := dbctx.New(ctx)
	counts, err := a.runs.CountByStatus(dbc, ids)
	if err != nil {
		return Overview{}, jobs.Persist("count run items", err)
	}
	stale, err := a.runs.ListStale(dbc, now.Add(-a.cfg.StallThreshold))
	if err != nil {
		return Overview{}, jobs.Persist("list stale run items", err)
	}
	stalled := map[uuid.UUID]int{}
	for _, it := range stale {
		stalled[it.BatchID]++
	}

	ov := Overview{
		Active:    make([]JobView, 0, len(activeJobs)),
		Recent:    make([]JobView, 0, len(recentJobs)),
		FetchedAt: now,
	}
	for _, j := range activeJobs {
		v := a.view(j, counts[j.ID], stalled[j.ID], now)
		ov.Active = append(ov.Active, v)
		ov.Done += j.ProgressDone
		ov.Failed += j.ProgressFailed
		ov.Total += j.ProgressTotal
	}
	for _, j := range recentJobs {
		ov.Recent = append(ov.Recent, a.view(j, counts[j.ID], stalled[j.ID], now))
	}
	return ov, nil
}

func (a *Aggregator) view(j *types.PipelineJob, counts map[types.RunItemStatus]int, stalled int, now time.Time) JobView {
	running := counts[jobs.RunRunning] - stalled
	if running < 0 {
		running = 0
	}
	return JobView{
		PipelineJob: j,
		IsStalled:   a.IsStalled(j, now),
		Runs: RunCounts{
			Queued:    counts[jobs.RunQueued],
			Running:   running,
			Stalled:   stalled,
			Complete:  counts[jobs.RunComplete],
			Failed:    counts[jobs.RunFailed],
			Cancelled: counts[jobs.RunCancelled],
		},
	}
}

// IsStalled reports whether a running job has not been touched within the
// stall threshold.
func (a *Aggregator) IsStalled(j *types.PipelineJob, now time.Time) bool {
	if j == nil || j.Status != jobs.JobRunning {
		return false
	}
	return now.Sub(j.UpdatedAt) > a.cfg.StallThreshold
}

// MarkStalled is the operator override: it fails the job's stale running
// items and then the job itself. Only RUNNING jobs can be marked.
func (a *Aggregator) MarkStalled(ctx context.Context, jobID uuid.UUID) (*types.PipelineJob, error) {
	job, err := a.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.JobRunning {
		return nil, fmt.Errorf("%w: cannot mark %s job stalled", jobs.ErrIllegalTransition, job.Status)
	}

	now := a.now()
	cutoff := now.Add(-a.cfg.StallThreshold)
	dbc := dbctx.New(ctx)
	items, err := a.runs.ListByBatch(dbc, jobID)
	if err != nil {
		return nil, jobs.Persist("list run items", err)
	}
	reclaimed := 0
	for _, it := range items {
		if it.Status != jobs.RunRunning {
			continue
		}
		stallErr := &jobs.StallError{Threshold: a.cfg.StallThreshold}
		if it.HeartbeatAt != nil {
			stallErr.LastHeartbeat = *it.HeartbeatAt
		}
		ok, err := a.runs.FailIfStale(dbc, it.ID, cutoff, stallErr.Error(), now)
		if err != nil {
			return nil, jobs.Persist("fail stale run item", err)
		}
		if !ok {
			continue
		}
		reclaimed++
		if _, err := a.outputs.FailInFlightByRunItem(dbc, it.ID, stallErr.Error(), now); err != nil {
			a.log.Warn("fail in-flight outputs failed", "run_item_id", it.ID, "error", err)
		}
	}
	if reclaimed > 0 {
		if _, err := a.ledger.UpdateProgress(ctx, jobID, ledger.ProgressDelta{Failed: reclaimed}); err != nil {
			a.log.Warn("progress update after mark stalled failed", "job_id", jobID, "error", err)
		}
	}

	msg := fmt.Sprintf("%s marked by operator, last update %s", jobs.StalledPrefix, job.UpdatedAt.UTC().Format(time.RFC3339))
	updated, err := a.ledger.SetStatus(ctx, jobID, jobs.JobFailed, msg)
	if err != nil {
		return nil, err
	}
	a.metrics.IncStallReclaim("operator", 1+reclaimed)
	a.log.Info("job marked stalled", "job_id", jobID, "run_items_failed", reclaimed)
	return updated, nil
}
