// Package coordinator drives the run items of one batch through the
// generation service with a bounded worker pool.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/clients/generation"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/ledger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/monitor"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/pairing"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

const stoppedBeforeDispatch = "stopped before dispatch"

var errOutputReclaimed = errors.New("output no longer in flight")

var ErrAlreadyRunning = errors.New("coordinator already running")

var tracer = otel.Tracer("expression-forge/coordinator")

type Deps struct {
	Log       *logger.Logger
	Ledger    *ledger.Ledger
	Jobs      repos.PipelineJobRepo
	Runs      repos.RunItemRepo
	Outputs   repos.OutputRepo
	Looks     repos.LookRepo
	Generator generation.Service
	Notify    bus.Notifier
	Metrics   *observability.Metrics
	Rules     *pairing.Rules
}

type Config struct {
	BatchID     uuid.UUID
	Concurrency int
	Retry       RetryPolicy
	Monitor     monitor.Config
}

// Coordinator owns every bit of mutable run state for one batch. Several
// coordinators, in this process or others, may work the same batch; the
// conditional claim in the store keeps them from processing an item twice.
type Coordinator struct {
	deps Deps
	cfg  Config
	log  *logger.Logger

	heart   *monitor.Heartbeater
	scanner *monitor.StallScanner

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	active   atomic.Int32

	claimMu sync.Mutex
	claimed map[uuid.UUID]struct{}

	done    chan struct{}
	runErr  error
	startMu sync.Mutex
	started bool

	now func() time.Time
}

func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Log == nil || deps.Ledger == nil || deps.Runs == nil || deps.Outputs == nil || deps.Looks == nil || deps.Generator == nil {
		return nil, fmt.Errorf("coordinator: missing dependency")
	}
	if cfg.BatchID == uuid.Nil {
		return nil, &jobs.ValidationError{Field: "batch_id", Reason: "required"}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if deps.Rules == nil {
		deps.Rules = pairing.Default()
	}
	if deps.Notify == nil {
		deps.Notify = bus.NewNotifier(nil, deps.Log)
	}
	log := deps.Log.With("component", "QueueCoordinator", "batch_id", cfg.BatchID)
	return &Coordinator{
		deps:    deps,
		cfg:     cfg,
		log:     log,
		heart:   monitor.NewHeartbeater(deps.Runs, deps.Jobs, cfg.Monitor.HeartbeatInterval, deps.Log),
		scanner: monitor.NewStallScanner(deps.Runs, deps.Outputs, deps.Ledger, deps.Notify, deps.Metrics, cfg.Monitor, deps.Log),
		stop:    make(chan struct{}),
		claimed: map[uuid.UUID]struct{}{},
		done:    make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (c *Coordinator) BatchID() uuid.UUID { return c.cfg.BatchID }

// Active is the number of workers currently processing a run item.
func (c *Coordinator) Active() int { return int(c.active.Load()) }

func (c *Coordinator) Running() bool { return c.running.Load() }

// Stop asks workers to halt at their next task boundary. In-flight calls
// finish. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.log.Info("stop requested")
	})
}

func (c *Coordinator) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Start runs Run in the background. Wait collects its result.
func (c *Coordinator) Start(ctx context.Context) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go func() {
		defer close(c.done)
		c.runErr = c.Run(ctx)
	}()
}

func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) Wait() error {
	<-c.done
	return c.runErr
}

// Run blocks until the batch drains or Stop is called.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	if err := c.enterRunning(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heart.Run(loopCtx)
	go c.scanner.Run(loopCtx)

	c.log.Info("coordinator started", "concurrency", c.cfg.Concurrency)
	for {
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < c.cfg.Concurrency; i++ {
			workerID := i + 1
			g.Go(func() error { return c.workerLoop(gctx, workerID) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if c.stopped() {
			return c.pause(ctx)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// items enqueued while the pool drained restart it
		queued, err := c.deps.Runs.ListQueued(dbctx.New(ctx), c.cfg.BatchID, 1)
		if err != nil {
			return jobs.Persist("recount queued", err)
		}
		if len(queued) > 0 {
			continue
		}
		return c.settle(ctx)
	}
}

func (c *Coordinator) enterRunning(ctx context.Context) error {
	job, err := c.deps.Ledger.Get(ctx, c.cfg.BatchID)
	if err != nil {
		return err
	}
	switch job.Status {
	case jobs.JobRunning:
		return nil
	case jobs.JobQueued, jobs.JobPaused:
		_, err := c.deps.Ledger.SetStatus(ctx, job.ID, jobs.JobRunning, "")
		return err
	default:
		return fmt.Errorf("%w: cannot run a %s batch", jobs.ErrIllegalTransition, job.Status)
	}
}

func (c *Coordinator) workerLoop(ctx context.Context, workerID int) error {
	for {
		if c.stopped() || ctx.Err() != nil {
			return nil
		}
		item, err := c.claimNext(ctx)
		if err != nil {
			c.log.Error("claim failed", "worker_id", workerID, "error", err)
			return err
		}
		if item == nil {
			return nil
		}
		c.process(ctx, workerID, item)
	}
}

func (c *Coordinator) hold(id uuid.UUID) bool {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()
	if _, held := c.claimed[id]; held {
		return false
	}
	c.claimed[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id uuid.UUID) {
	c.claimMu.Lock()
	delete(c.claimed, id)
	c.claimMu.Unlock()
}

// claimNext flips an item in the local set first, then persists the claim
// conditionally. Losing the persisted race releases the local flip.
func (c *Coordinator) claimNext(ctx context.Context) (*types.RunItem, error) {
	dbc := dbctx.New(ctx)
	for {
		candidates, err := c.deps.Runs.ListQueued(dbc, c.cfg.BatchID, c.cfg.Concurrency*2)
		if err != nil {
			return nil, jobs.Persist("list queued", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		heldElsewhere := 0
		for _, item := range candidates {
			if !c.hold(item.ID) {
				heldElsewhere++
				continue
			}
			now := c.now()
			token := uuid.New()
			ok, err := c.deps.Runs.Claim(dbc, item.ID, token, now)
			if err != nil {
				c.release(item.ID)
				return nil, jobs.Persist("claim run item", err)
			}
			c.deps.Metrics.IncClaim(ok)
			if !ok {
				c.release(item.ID)
				continue
			}
			item.Status = jobs.RunRunning
			item.StartedAt = &now
			item.HeartbeatAt = &now
			item.ClaimToken = &token
			item.Error = ""
			c.deps.Notify.RunItemChanged(ctx, bus.OpUpdate, item)
			return item, nil
		}
		if heldElsewhere == len(candidates) {
			// every candidate belongs to a sibling worker mid-claim
			return nil, nil
		}
	}
}

type runResult struct {
	successes int
	failures  int
	lastErr   error
	// dispatched is false when the item was returned to the queue untouched
	dispatched bool
	// outputs are the rows created for this claim
	outputs []uuid.UUID
}

func (c *Coordinator) process(ctx context.Context, workerID int, item *types.RunItem) {
	c.active.Add(1)
	c.deps.Metrics.WorkerStarted()
	c.heart.Track(item.ID, item.BatchID)
	defer func() {
		c.heart.Untrack(item.ID)
		c.release(item.ID)
		c.deps.Metrics.WorkerFinished()
		c.active.Add(-1)
	}()

	ctx, span := tracer.Start(ctx, "coordinator.process_run_item")
	span.SetAttributes(
		attribute.String("run_item.id", item.ID.String()),
		attribute.String("batch.id", item.BatchID.String()),
		attribute.String("look.id", item.LookID.String()),
		attribute.Int("worker.id", workerID),
	)
	defer span.End()

	log := c.log.With("worker_id", workerID, "run_item_id", item.ID, "look_id", item.LookID)
	started := c.now()

	var res runResult
	defer func() {
		if r := recover(); r != nil {
			log.Error("run item panic", "panic", r)
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			res.dispatched = true
			res.failures++
			res.lastErr = err
			c.finalize(context.WithoutCancel(ctx), item, res, started)
		}
	}()

	c.runTasks(ctx, log, item, &res)
	if !res.dispatched {
		c.requeue(context.WithoutCancel(ctx), log, item)
		span.SetAttributes(attribute.Bool("run_item.requeued", true))
		return
	}
	span.SetAttributes(
		attribute.Int("run_item.successes", res.successes),
		attribute.Int("run_item.failures", res.failures),
	)
	if res.successes == 0 && res.lastErr != nil {
		span.SetStatus(codes.Error, res.lastErr.Error())
	}
	c.finalize(context.WithoutCancel(ctx), item, res, started)
}

// runTasks fills res as it goes, so a panic mid-item still sees every
// result recorded before it.
func (c *Coordinator) runTasks(ctx context.Context, log *logger.Logger, item *types.RunItem, res *runResult) {
	dbc := dbctx.New(ctx)
	res.dispatched = true
	look, err := c.deps.Looks.GetByID(dbc, item.LookID)
	if err != nil {
		res.lastErr = fmt.Errorf("load look: %w", err)
		return
	}

	tasks, skipped := ExpandTasks(c.deps.Rules, look)
	for _, verr := range skipped {
		log.Warn("generation task skipped", "error", verr)
	}
	if len(tasks) == 0 {
		var lastErr error = &jobs.ValidationError{Field: "look", Reason: fmt.Sprintf("stage %s has nothing to generate", look.Stage)}
		if len(skipped) > 0 {
			lastErr = skipped[len(skipped)-1]
		}
		res.lastErr = lastErr
		return
	}

	if c.stopped() || ctx.Err() != nil {
		res.dispatched = false
		return
	}
	outputs := pendingOutputs(item, tasks)
	if _, err := c.deps.Outputs.Create(dbc, outputs); err != nil {
		res.lastErr = jobs.Persist("create outputs", err)
		return
	}
	for _, o := range outputs {
		res.outputs = append(res.outputs, o.ID)
		c.deps.Notify.OutputChanged(ctx, bus.OpInsert, o.ID, o.BatchID)
	}

	for i, task := range tasks {
		if c.stopped() || ctx.Err() != nil {
			c.abandon(context.WithoutCancel(ctx), log, item, outputs[i:])
			if res.successes+res.failures == 0 {
				res.dispatched = false
			}
			return
		}
		if err := c.dispatch(ctx, log, task, item.BatchID); err != nil {
			res.failures++
			res.lastErr = err
		} else {
			res.successes++
		}
		if _, err := c.deps.Runs.Heartbeat(dbctx.New(context.WithoutCancel(ctx)), []uuid.UUID{item.ID}, c.now()); err != nil {
			log.Warn("heartbeat after call failed", "error", err)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, log *logger.Logger, task Task, batchID uuid.UUID) error {
	dbc := dbctx.New(context.WithoutCancel(ctx))
	if _, err := c.deps.Outputs.MarkGenerating(dbc, task.OutputID); err != nil {
		log.Warn("mark generating failed", "output_id", task.OutputID, "error", err)
	}
	c.deps.Notify.OutputChanged(ctx, bus.OpUpdate, task.OutputID, batchID)

	result, err := c.generate(ctx, task)
	now := c.now()
	if err != nil {
		log.Warn("generation failed",
			"output_id", task.OutputID,
			"shot_type", task.ShotType,
			"pose", task.PoseIndex,
			"attempt", task.AttemptIndex,
			"error", err,
		)
		if _, ferr := c.deps.Outputs.Fail(dbc, task.OutputID, err.Error(), now); ferr != nil {
			log.Warn("persist output failure failed", "output_id", task.OutputID, "error", ferr)
		}
		c.deps.Notify.OutputChanged(ctx, bus.OpUpdate, task.OutputID, batchID)
		return err
	}
	ok, err := c.deps.Outputs.Complete(dbc, task.OutputID, result.ResultRef, now)
	if err != nil {
		log.Warn("persist output result failed", "output_id", task.OutputID, "error", err)
		return jobs.Persist("complete output", err)
	}
	if !ok {
		// the stall scanner failed it while the call was in flight
		log.Warn("output no longer in flight, result dropped", "output_id", task.OutputID)
		return errOutputReclaimed
	}
	c.deps.Notify.OutputChanged(ctx, bus.OpUpdate, task.OutputID, batchID)
	return nil
}

// abandon fails the outputs a stop left undispatched. Rows are kept.
func (c *Coordinator) abandon(ctx context.Context, log *logger.Logger, item *types.RunItem, rest []*types.Output) {
	ids := make([]uuid.UUID, 0, len(rest))
	for _, o := range rest {
		ids = append(ids, o.ID)
	}
	n, err := c.deps.Outputs.FailPending(dbctx.New(ctx), ids, stoppedBeforeDispatch, c.now())
	if err != nil {
		log.Warn("fail undispatched outputs failed", "error", err)
		return
	}
	log.Info("stopped mid run item", "undispatched", n)
	for _, id := range ids {
		c.deps.Notify.OutputChanged(ctx, bus.OpUpdate, id, item.BatchID)
	}
}

// requeue hands an item that never dispatched a call back to the queue.
func (c *Coordinator) requeue(ctx context.Context, log *logger.Logger, item *types.RunItem) {
	ok, err := c.deps.Runs.FinishClaim(dbctx.New(ctx), item.ID, claimToken(item), map[string]interface{}{
		"status":       jobs.RunQueued,
		"claim_token":  nil,
		"started_at":   nil,
		"heartbeat_at": nil,
	})
	if err != nil {
		log.Warn("requeue failed", "error", err)
		return
	}
	if ok {
		log.Info("run item returned to queue")
		c.deps.Notify.RunItemIDChanged(ctx, bus.OpUpdate, item.ID, item.BatchID)
	}
}

// finalize writes the terminal status while the claim still holds. Once the
// item was cancelled, reclaimed as stalled or requeued, only the outputs
// survive: the status and the batch progress belong to whoever moved it.
func (c *Coordinator) finalize(ctx context.Context, item *types.RunItem, res runResult, started time.Time) {
	dbc := dbctx.New(ctx)
	now := c.now()
	status := jobs.RunComplete
	errMsg := ""
	if res.successes == 0 {
		status = jobs.RunFailed
		errMsg = failureMessage(res)
	}
	ok, err := c.deps.Runs.FinishClaim(dbc, item.ID, claimToken(item), map[string]interface{}{
		"status":            status,
		"error":             errMsg,
		"claim_token":       nil,
		"completed_at":      now,
		"outputs_generated": res.successes,
	})
	if err != nil {
		c.log.Error("finalize run item failed", "run_item_id", item.ID, "error", err)
		return
	}
	if !ok {
		c.log.Info("run item claim lost while processing, outputs kept",
			"run_item_id", item.ID,
			"successes", res.successes,
		)
		return
	}
	leftover := stoppedBeforeDispatch
	if res.lastErr != nil {
		leftover = res.lastErr.Error()
	}
	if n, err := c.deps.Outputs.FailInFlight(dbc, res.outputs, leftover, now); err != nil {
		c.log.Warn("fail leftover outputs failed", "run_item_id", item.ID, "error", err)
	} else if n > 0 {
		for _, id := range res.outputs {
			c.deps.Notify.OutputChanged(ctx, bus.OpUpdate, id, item.BatchID)
		}
	}
	delta := ledger.ProgressDelta{Done: 1}
	if status == jobs.RunFailed {
		delta = ledger.ProgressDelta{Failed: 1}
	}
	if _, err := c.deps.Ledger.UpdateProgress(ctx, item.BatchID, delta); err != nil {
		c.log.Warn("progress update failed", "run_item_id", item.ID, "error", err)
	}
	c.deps.Notify.RunItemIDChanged(ctx, bus.OpUpdate, item.ID, item.BatchID)
	c.deps.Metrics.ObserveRunItem(status, now.Sub(started))
	c.log.Info("run item finished",
		"run_item_id", item.ID,
		"status", status,
		"successes", res.successes,
		"failures", res.failures,
	)
}

func claimToken(item *types.RunItem) uuid.UUID {
	if item.ClaimToken == nil {
		return uuid.Nil
	}
	return *item.ClaimToken
}

func failureMessage(res runResult) string {
	if res.lastErr == nil {
		return "no generation task succeeded"
	}
	if res.failures == 0 {
		return res.lastErr.Error()
	}
	msg := fmt.Sprintf("all %d generation tasks failed: %s", res.failures, res.lastErr.Error())
	return strings.TrimSpace(msg)
}

func (c *Coordinator) pause(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	job, err := c.deps.Ledger.Get(ctx, c.cfg.BatchID)
	if err != nil {
		return err
	}
	if job.Status != jobs.JobRunning || !job.SupportsPause {
		c.log.Info("coordinator stopped", "job_status", job.Status)
		return nil
	}
	if _, err := c.deps.Ledger.SetStatus(ctx, job.ID, jobs.JobPaused, "stopped"); err != nil {
		return err
	}
	c.log.Info("coordinator stopped, batch paused")
	return nil
}

func (c *Coordinator) settle(ctx context.Context) error {
	counts, err := c.deps.Runs.CountByStatus(dbctx.New(ctx), []uuid.UUID{c.cfg.BatchID})
	if err != nil {
		return jobs.Persist("count run items", err)
	}
	job, moved, err := c.deps.Ledger.Settle(ctx, c.cfg.BatchID, counts[c.cfg.BatchID])
	if err != nil {
		return err
	}
	if moved {
		c.log.Info("batch finished", "status", job.Status, "message", job.Message)
	}
	return nil
}
