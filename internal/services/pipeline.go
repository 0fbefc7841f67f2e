package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/clients/generation"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/active"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/coordinator"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/ledger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/monitor"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/pairing"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/tracker"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

const maxRunsPerLook = 20

type PipelineService interface {
	Enqueue(dbc dbctx.Context, in EnqueueInput) (*EnqueueResult, error)
	Start(dbc dbctx.Context, batchID uuid.UUID, concurrency int) (*types.PipelineJob, error)
	Stop(dbc dbctx.Context, batchID uuid.UUID) (*types.PipelineJob, error)
	RetryFailed(dbc dbctx.Context, batchID uuid.UUID) (int, error)
	RetrySingle(dbc dbctx.Context, runID uuid.UUID) (*types.RunItem, error)
	ClearCompleted(dbc dbctx.Context, batchID uuid.UUID) (int64, error)
	ListJobs(dbc dbctx.Context) (active.Overview, error)
	ListRunItems(dbc dbctx.Context, batchID uuid.UUID) ([]*types.RunItem, error)
	Summaries(dbc dbctx.Context, batchID uuid.UUID, requiredOptions int, filter tracker.FilterTag) (tracker.Summary, error)
	WatchSummaries(ctx context.Context, batchID uuid.UUID, requiredOptions int, fn func(tracker.Summary)) error
	SetJobStatus(dbc dbctx.Context, jobID uuid.UUID, status types.JobStatus, message string) (*types.PipelineJob, error)
	MarkStalled(dbc dbctx.Context, jobID uuid.UUID) (*types.PipelineJob, error)
	SelectOutput(dbc dbctx.Context, outputID uuid.UUID, selected bool) (*types.Output, error)
	Running(batchID uuid.UUID) bool
	Shutdown(ctx context.Context) error
}

type EnqueueInput struct {
	// BatchID is optional. An unknown id creates the batch under that id.
	BatchID     uuid.UUID
	LookIDs     []uuid.UUID
	RunsPerLook int
	Title       string
}

type EnqueueResult struct {
	Job   *types.PipelineJob `json:"job"`
	Items []*types.RunItem   `json:"items"`
}

type PipelineDeps struct {
	DB        *gorm.DB
	Log       *logger.Logger
	Repos     repos.Set
	Ledger    *ledger.Ledger
	Active    *active.Aggregator
	Generator generation.Service
	Bus       bus.Bus
	Notify    bus.Notifier
	Metrics   *observability.Metrics
	Rules     *pairing.Rules
	// BaseContext bounds coordinators started by the service. They outlive
	// the request that started them.
	BaseContext context.Context
}

type PipelineConfig struct {
	Concurrency int
	Retry       coordinator.RetryPolicy
	Monitor     monitor.Config
	Tracker     tracker.Config
}

type pipelineService struct {
	deps PipelineDeps
	cfg  PipelineConfig
	log  *logger.Logger

	mu     sync.Mutex
	coords map[uuid.UUID]*coordinator.Coordinator
}

func NewPipelineService(deps PipelineDeps, cfg PipelineConfig) PipelineService {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.Rules == nil {
		deps.Rules = pairing.Default()
	}
	if deps.Notify == nil {
		deps.Notify = bus.NewNotifier(deps.Bus, deps.Log)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &pipelineService{
		deps:   deps,
		cfg:    cfg,
		log:    deps.Log.With("service", "PipelineService"),
		coords: map[uuid.UUID]*coordinator.Coordinator{},
	}
}

func (s *pipelineService) Enqueue(dbc dbctx.Context, in EnqueueInput) (*EnqueueResult, error) {
	ctx := dbc.Ctx
	lookIDs := dedupe(in.LookIDs)
	if len(lookIDs) == 0 {
		return nil, &jobs.ValidationError{Field: "look_ids", Reason: "at least one look is required"}
	}
	if in.RunsPerLook < 1 || in.RunsPerLook > maxRunsPerLook {
		return nil, &jobs.ValidationError{Field: "runs_per_look", Reason: fmt.Sprintf("must be between 1 and %d", maxRunsPerLook)}
	}
	looks, err := s.deps.Repos.Looks.GetByIDs(dbc, lookIDs)
	if err != nil {
		return nil, jobs.Persist("load looks", err)
	}
	if len(looks) != len(lookIDs) {
		return nil, &jobs.ValidationError{Field: "look_ids", Reason: fmt.Sprintf("%d of %d looks not found", len(lookIDs)-len(looks), len(lookIDs))}
	}

	total := len(lookIDs) * in.RunsPerLook
	var (
		job     *types.PipelineJob
		created []*types.RunItem
		opened  bool
	)
	// the batch total and its items commit together; the look locks keep
	// concurrent enqueues from allocating the same run index
	err = s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbc.WithTx(tx)
		var err error
		job, opened, err = s.openBatch(txc, in, total)
		if err != nil {
			return err
		}
		if err := s.deps.Repos.Looks.LockForUpdate(txc, lookIDs); err != nil {
			return jobs.Persist("lock looks", err)
		}
		items := make([]*types.RunItem, 0, total)
		for _, lookID := range lookIDs {
			last, err := s.deps.Repos.RunItems.MaxRunIndex(txc, lookID)
			if err != nil {
				return jobs.Persist("max run index", err)
			}
			for i := 1; i <= in.RunsPerLook; i++ {
				items = append(items, &types.RunItem{
					BatchID:  job.ID,
					LookID:   lookID,
					RunIndex: last + i,
					Status:   jobs.RunQueued,
				})
			}
		}
		created, err = s.deps.Repos.RunItems.Create(txc, items)
		if err != nil {
			return jobs.Persist("create run items", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	op := bus.OpUpdate
	if opened {
		op = bus.OpInsert
	}
	s.deps.Notify.JobChanged(ctx, op, job.ID)
	for _, it := range created {
		s.deps.Notify.RunItemChanged(ctx, bus.OpInsert, it)
	}
	s.log.Info("looks enqueued", "batch_id", job.ID, "looks", len(lookIDs), "runs_per_look", in.RunsPerLook)
	return &EnqueueResult{Job: job, Items: created}, nil
}

// openBatch creates the job or grows an existing active one by total, on
// dbc's transaction. opened reports a new job.
func (s *pipelineService) openBatch(dbc dbctx.Context, in EnqueueInput, total int) (*types.PipelineJob, bool, error) {
	if in.BatchID != uuid.Nil {
		job, err := s.deps.Ledger.AddTotalTx(dbc, in.BatchID, total)
		switch {
		case err == nil:
			if job.Status.Terminal() {
				return nil, false, fmt.Errorf("%w: cannot enqueue into a %s batch", jobs.ErrIllegalTransition, job.Status)
			}
			return job, false, nil
		case !errors.Is(err, jobs.ErrNotFound):
			return nil, false, err
		}
	}
	title := in.Title
	if title == "" {
		title = fmt.Sprintf("Generate %d runs", total)
	}
	job, err := s.deps.Ledger.CreateTx(dbc, ledger.CreateInput{
		ID:            in.BatchID,
		Type:          jobs.JobTypeExpressionGeneration,
		Title:         title,
		Total:         total,
		Context:       map[string]any{"runs_per_look": in.RunsPerLook},
		SupportsPause: true,
		SupportsRetry: true,
	})
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *pipelineService) Start(dbc dbctx.Context, batchID uuid.UUID, concurrency int) (*types.PipelineJob, error) {
	if concurrency < 1 {
		concurrency = s.cfg.Concurrency
	}
	job, err := s.deps.Ledger.Get(dbc.Ctx, batchID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot start a %s batch", jobs.ErrIllegalTransition, job.Status)
	}

	s.mu.Lock()
	if c, ok := s.coords[batchID]; ok && !finished(c) {
		s.mu.Unlock()
		return job, nil
	}
	c, err := coordinator.New(coordinator.Deps{
		Log:       s.deps.Log,
		Ledger:    s.deps.Ledger,
		Jobs:      s.deps.Repos.Jobs,
		Runs:      s.deps.Repos.RunItems,
		Outputs:   s.deps.Repos.Outputs,
		Looks:     s.deps.Repos.Looks,
		Generator: s.deps.Generator,
		Notify:    s.deps.Notify,
		Metrics:   s.deps.Metrics,
		Rules:     s.deps.Rules,
	}, coordinator.Config{
		BatchID:     batchID,
		Concurrency: concurrency,
		Retry:       s.cfg.Retry,
		Monitor:     s.cfg.Monitor,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.coords[batchID] = c
	c.Start(s.deps.BaseContext)
	s.mu.Unlock()

	go s.reap(c)
	s.log.Info("batch started", "batch_id", batchID, "concurrency", concurrency)
	return job, nil
}

func (s *pipelineService) reap(c *coordinator.Coordinator) {
	err := c.Wait()
	s.mu.Lock()
	if s.coords[c.BatchID()] == c {
		delete(s.coords, c.BatchID())
	}
	s.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("coordinator exited with error", "batch_id", c.BatchID(), "error", err)
	}
}

func (s *pipelineService) coordinatorFor(batchID uuid.UUID) *coordinator.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coords[batchID]
}

func (s *pipelineService) Running(batchID uuid.UUID) bool {
	c := s.coordinatorFor(batchID)
	return c != nil && !finished(c)
}

func finished(c *coordinator.Coordinator) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Stop signals the local coordinator. It returns immediately; in-flight
// generation calls finish and the batch pauses once the workers drain.
func (s *pipelineService) Stop(dbc dbctx.Context, batchID uuid.UUID) (*types.PipelineJob, error) {
	c := s.coordinatorFor(batchID)
	if c == nil {
		return nil, fmt.Errorf("%w: batch %s is not running here", jobs.ErrIllegalTransition, batchID)
	}
	c.Stop()
	return s.deps.Ledger.Get(dbc.Ctx, batchID)
}

func (s *pipelineService) RetryFailed(dbc dbctx.Context, batchID uuid.UUID) (int, error) {
	job, err := s.reopenable(dbc.Ctx, batchID)
	if err != nil {
		return 0, err
	}
	reset, err := s.deps.Repos.RunItems.Requeue(dbc, batchID, nil, []types.RunItemStatus{jobs.RunFailed})
	if err != nil {
		return 0, jobs.Persist("requeue failed", err)
	}
	if len(reset) == 0 {
		return 0, nil
	}
	if err := s.afterRequeue(dbc.Ctx, job, reset); err != nil {
		return 0, err
	}
	s.log.Info("failed runs requeued", "batch_id", batchID, "count", len(reset))
	return len(reset), nil
}

func (s *pipelineService) RetrySingle(dbc dbctx.Context, runID uuid.UUID) (*types.RunItem, error) {
	item, err := s.deps.Repos.RunItems.GetByID(dbc, runID)
	if err != nil {
		return nil, err
	}
	if !item.Status.Terminal() {
		return nil, fmt.Errorf("%w: run item is %s", jobs.ErrIllegalTransition, item.Status)
	}
	job, err := s.reopenable(dbc.Ctx, item.BatchID)
	if err != nil {
		return nil, err
	}
	reset, err := s.deps.Repos.RunItems.Requeue(dbc, item.BatchID, []uuid.UUID{runID},
		[]types.RunItemStatus{jobs.RunFailed, jobs.RunComplete, jobs.RunCancelled})
	if err != nil {
		return nil, jobs.Persist("requeue run item", err)
	}
	if len(reset) == 0 {
		return nil, fmt.Errorf("%w: run item changed concurrently", jobs.ErrIllegalTransition)
	}
	if err := s.afterRequeue(dbc.Ctx, job, reset); err != nil {
		return nil, err
	}
	return s.deps.Repos.RunItems.GetByID(dbc, runID)
}

// reopenable rejects batches whose items can no longer run again.
func (s *pipelineService) reopenable(ctx context.Context, batchID uuid.UUID) (*types.PipelineJob, error) {
	job, err := s.deps.Ledger.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() && !jobs.CanTransition(job.Status, jobs.JobQueued, job.SupportsRetry) {
		return nil, fmt.Errorf("%w: cannot retry runs of a %s batch", jobs.ErrIllegalTransition, job.Status)
	}
	return job, nil
}

// afterRequeue counts each reset item as a new attempt and reopens a failed
// batch.
func (s *pipelineService) afterRequeue(ctx context.Context, job *types.PipelineJob, reset []uuid.UUID) error {
	if err := s.deps.Ledger.AddTotal(ctx, job.ID, len(reset)); err != nil {
		return err
	}
	if job.Status == jobs.JobFailed {
		if _, err := s.deps.Ledger.SetStatus(ctx, job.ID, jobs.JobQueued, fmt.Sprintf("%d runs requeued", len(reset))); err != nil {
			return err
		}
	}
	for _, id := range reset {
		s.deps.Notify.RunItemIDChanged(ctx, bus.OpUpdate, id, job.ID)
	}
	return nil
}

// ClearCompleted hides complete run items. Their outputs stay.
func (s *pipelineService) ClearCompleted(dbc dbctx.Context, batchID uuid.UUID) (int64, error) {
	if _, err := s.deps.Ledger.Get(dbc.Ctx, batchID); err != nil {
		return 0, err
	}
	n, err := s.deps.Repos.RunItems.SoftDeleteByStatus(dbc, batchID, jobs.RunComplete)
	if err != nil {
		return 0, jobs.Persist("clear completed", err)
	}
	if n > 0 {
		s.deps.Notify.JobChanged(dbc.Ctx, bus.OpUpdate, batchID)
	}
	return n, nil
}

func (s *pipelineService) ListJobs(dbc dbctx.Context) (active.Overview, error) {
	return s.deps.Active.Fetch(dbc.Ctx)
}

func (s *pipelineService) ListRunItems(dbc dbctx.Context, batchID uuid.UUID) ([]*types.RunItem, error) {
	items, err := s.deps.Repos.RunItems.ListByBatch(dbc, batchID)
	if err != nil {
		return nil, jobs.Persist("list run items", err)
	}
	return items, nil
}

func (s *pipelineService) Summaries(dbc dbctx.Context, batchID uuid.UUID, requiredOptions int, filter tracker.FilterTag) (tracker.Summary, error) {
	load := tracker.RepoLoader(s.deps.Repos.Looks, s.deps.Repos.Outputs, s.deps.Rules, batchID)
	looks, outputs, err := load(dbc.Ctx)
	if err != nil {
		return tracker.Summary{}, jobs.Persist("load summary", err)
	}
	sum := tracker.Build(looks, outputs, requiredOptions, s.deps.Rules)
	sum.Looks = tracker.Filter(sum.Looks, filter)
	return sum, nil
}

// WatchSummaries streams recomputed summaries for a batch until ctx is done.
func (s *pipelineService) WatchSummaries(ctx context.Context, batchID uuid.UUID, requiredOptions int, fn func(tracker.Summary)) error {
	cfg := s.cfg.Tracker
	cfg.RequiredOptions = requiredOptions
	cfg.Rules = s.deps.Rules
	cfg.Match = func(ev bus.Event) bool { return ev.BatchID == batchID || ev.Table == bus.TableOutput }
	t := tracker.New(
		tracker.RepoLoader(s.deps.Repos.Looks, s.deps.Repos.Outputs, s.deps.Rules, batchID),
		s.deps.Bus,
		cfg,
		s.log.With("batch_id", batchID),
	)
	t.OnChange(func(snap tracker.Snapshot) { fn(snap.Summary) })
	return t.Run(ctx)
}

func (s *pipelineService) SetJobStatus(dbc dbctx.Context, jobID uuid.UUID, status types.JobStatus, message string) (*types.PipelineJob, error) {
	job, err := s.deps.Ledger.SetStatus(dbc.Ctx, jobID, status, message)
	if err != nil {
		return nil, err
	}
	switch status {
	case jobs.JobPaused, jobs.JobCanceled:
		if c := s.coordinatorFor(jobID); c != nil {
			c.Stop()
		}
	}
	if status == jobs.JobCanceled {
		n, err := s.deps.Repos.RunItems.CancelQueued(dbc, jobID, time.Now().UTC())
		if err != nil {
			return nil, jobs.Persist("cancel queued", err)
		}
		if n > 0 {
			s.log.Info("queued runs cancelled", "batch_id", jobID, "count", n)
		}
	}
	return job, nil
}

func (s *pipelineService) MarkStalled(dbc dbctx.Context, jobID uuid.UUID) (*types.PipelineJob, error) {
	job, err := s.deps.Active.MarkStalled(dbc.Ctx, jobID)
	if err != nil {
		return nil, err
	}
	if c := s.coordinatorFor(jobID); c != nil {
		c.Stop()
	}
	return job, nil
}

func (s *pipelineService) SelectOutput(dbc dbctx.Context, outputID uuid.UUID, selected bool) (*types.Output, error) {
	out, err := s.deps.Repos.Outputs.GetByID(dbc, outputID)
	if err != nil {
		return nil, err
	}
	if out.Status != jobs.OutputCompleted {
		return nil, &jobs.ValidationError{Field: "output", Reason: fmt.Sprintf("only completed outputs can be selected, got %s", out.Status)}
	}
	if out.IsSelected != selected {
		if err := s.deps.Repos.Outputs.SetSelected(dbc, outputID, selected); err != nil {
			return nil, jobs.Persist("select output", err)
		}
		out.IsSelected = selected
		s.deps.Notify.OutputChanged(dbc.Ctx, bus.OpUpdate, out.ID, out.BatchID)
	}
	return out, nil
}

// Shutdown stops every local coordinator and waits for them to drain.
func (s *pipelineService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := make([]*coordinator.Coordinator, 0, len(s.coords))
	for _, c := range s.coords {
		running = append(running, c)
	}
	s.mu.Unlock()

	for _, c := range running {
		c.Stop()
	}
	for _, c := range running {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
