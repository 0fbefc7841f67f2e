// Package ledger owns PipelineJob state: creation, additive progress and
// state-machine-checked status transitions.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

type CreateInput struct {
	// ID is optional; callers enqueueing into a known batch id may set it.
	ID              uuid.UUID
	Type            types.JobType
	Title           string
	Total           int
	Context         map[string]any
	SupportsPause   bool
	SupportsRetry   bool
	SupportsRestart bool
}

type ProgressDelta struct {
	Done    int
	Failed  int
	Message *string
}

type Ledger struct {
	db     *gorm.DB
	repo   repos.PipelineJobRepo
	notify bus.Notifier
	log    *logger.Logger
	now    func() time.Time
}

func New(db *gorm.DB, repo repos.PipelineJobRepo, notify bus.Notifier, baseLog *logger.Logger) *Ledger {
	if notify == nil {
		notify = bus.NewNotifier(nil, baseLog)
	}
	return &Ledger{
		db:     db,
		repo:   repo,
		notify: notify,
		log:    baseLog.With("component", "JobLedger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Create(ctx context.Context, in CreateInput) (*types.PipelineJob, error) {
	created, err := l.CreateTx(dbctx.New(ctx), in)
	if err != nil {
		return nil, err
	}
	l.notify.JobChanged(ctx, bus.OpInsert, created.ID)
	return created, nil
}

// CreateTx inserts the job on dbc without publishing. Callers running it in
// a transaction notify once that transaction commits.
func (l *Ledger) CreateTx(dbc dbctx.Context, in CreateInput) (*types.PipelineJob, error) {
	if !in.Type.Valid() {
		return nil, &jobs.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", in.Type)}
	}
	if in.Total < 0 {
		return nil, &jobs.ValidationError{Field: "total", Reason: "must be >= 0"}
	}
	origin := datatypes.JSON([]byte("{}"))
	if len(in.Context) > 0 {
		raw, err := json.Marshal(in.Context)
		if err != nil {
			return nil, &jobs.ValidationError{Field: "context", Reason: err.Error()}
		}
		origin = datatypes.JSON(raw)
	}
	job := &types.PipelineJob{
		ID:              in.ID,
		Type:            in.Type,
		Title:           strings.TrimSpace(in.Title),
		Status:          jobs.JobQueued,
		ProgressTotal:   in.Total,
		OriginContext:   origin,
		SupportsPause:   in.SupportsPause,
		SupportsRetry:   in.SupportsRetry,
		SupportsRestart: in.SupportsRestart,
	}
	created, err := l.repo.Create(dbc, job)
	if err != nil {
		return nil, jobs.Persist("create pipeline_job", err)
	}
	l.log.Info("job created", "job_id", created.ID, "type", created.Type, "total", created.ProgressTotal)
	return created, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*types.PipelineJob, error) {
	job, err := l.repo.GetByID(dbctx.New(ctx), id)
	if err != nil {
		return nil, jobs.Persist("get pipeline_job", err)
	}
	return job, nil
}

func (l *Ledger) ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.PipelineJob, error) {
	out, err := l.repo.ListByStatus(dbctx.New(ctx), statuses)
	if err != nil {
		return nil, jobs.Persist("list pipeline_job", err)
	}
	return out, nil
}

func (l *Ledger) ListTerminalSince(ctx context.Context, since time.Time, limit int) ([]*types.PipelineJob, error) {
	out, err := l.repo.ListTerminalSince(dbctx.New(ctx), since, limit)
	if err != nil {
		return nil, jobs.Persist("list terminal pipeline_job", err)
	}
	return out, nil
}

// UpdateProgress adds the delta under a row lock. Done is applied before
// Failed and both are clamped so done+failed never exceeds total.
func (l *Ledger) UpdateProgress(ctx context.Context, id uuid.UUID, d ProgressDelta) (*types.PipelineJob, error) {
	if d.Done < 0 || d.Failed < 0 {
		return nil, fmt.Errorf("%w: done=%d failed=%d", jobs.ErrInvalidDelta, d.Done, d.Failed)
	}
	if d.Done == 0 && d.Failed == 0 && d.Message == nil {
		return l.Get(ctx, id)
	}
	var updated *types.PipelineJob
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		job, err := l.repo.GetForUpdate(dbc, id)
		if err != nil {
			return err
		}
		done, failed := applyDelta(job.ProgressTotal, job.ProgressDone, job.ProgressFailed, d)
		updates := map[string]interface{}{
			"progress_done":   done,
			"progress_failed": failed,
			"updated_at":      l.now(),
		}
		if d.Message != nil {
			updates["message"] = *d.Message
			job.Message = *d.Message
		}
		if err := l.repo.UpdateFields(dbc, id, updates); err != nil {
			return err
		}
		job.ProgressDone, job.ProgressFailed = done, failed
		updated = job
		return nil
	})
	if err != nil {
		return nil, jobs.Persist("update progress", err)
	}
	l.notify.JobChanged(ctx, bus.OpUpdate, id)
	return updated, nil
}

func applyDelta(total, done, failed int, d ProgressDelta) (int, int) {
	done += d.Done
	if done > total {
		done = total
	}
	failed += d.Failed
	if failed > total-done {
		failed = total - done
	}
	if failed < 0 {
		failed = 0
	}
	return done, failed
}

// AddTotal grows progress_total when more items join an existing batch.
func (l *Ledger) AddTotal(ctx context.Context, id uuid.UUID, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: total delta %d", jobs.ErrInvalidDelta, n)
	}
	if n == 0 {
		return nil
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := l.AddTotalTx(dbctx.Context{Ctx: ctx, Tx: tx}, id, n)
		return err
	})
	if err != nil {
		return jobs.Persist("add total", err)
	}
	l.notify.JobChanged(ctx, bus.OpUpdate, id)
	return nil
}

// AddTotalTx locks the job on dbc.Tx, grows progress_total and returns the
// updated row without publishing.
func (l *Ledger) AddTotalTx(dbc dbctx.Context, id uuid.UUID, n int) (*types.PipelineJob, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: total delta %d", jobs.ErrInvalidDelta, n)
	}
	job, err := l.repo.GetForUpdate(dbc, id)
	if err != nil {
		return nil, jobs.Persist("add total", err)
	}
	if n == 0 {
		return job, nil
	}
	job.ProgressTotal += n
	if err := l.repo.UpdateFields(dbc, id, map[string]interface{}{
		"progress_total": job.ProgressTotal,
	}); err != nil {
		return nil, jobs.Persist("add total", err)
	}
	return job, nil
}

// SetStatus moves the job along the state graph. Writing the current status
// again is a no-op; anything off the graph fails with ErrIllegalTransition.
func (l *Ledger) SetStatus(ctx context.Context, id uuid.UUID, to types.JobStatus, message string) (*types.PipelineJob, error) {
	if !to.Valid() {
		return nil, &jobs.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", to)}
	}
	var (
		updated *types.PipelineJob
		changed bool
	)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		job, err := l.repo.GetForUpdate(dbc, id)
		if err != nil {
			return err
		}
		if job.Status == to {
			updated = job
			return nil
		}
		if !jobs.CanTransition(job.Status, to, job.SupportsRetry) {
			return fmt.Errorf("%w: %s -> %s", jobs.ErrIllegalTransition, job.Status, to)
		}

		now := l.now()
		updates := map[string]interface{}{
			"status":     to,
			"updated_at": now,
		}
		if message != "" {
			updates["message"] = message
			job.Message = message
		}
		if to == jobs.JobRunning && job.StartedAt == nil {
			updates["started_at"] = now
			job.StartedAt = &now
		}
		if to.Terminal() {
			updates["completed_at"] = now
			job.CompletedAt = &now
		}
		if job.Status == jobs.JobFailed && to == jobs.JobQueued {
			updates["completed_at"] = nil
			job.CompletedAt = nil
		}
		// the status guard keeps the write single-row conditional even where
		// the row lock is unavailable
		ok, err := l.repo.UpdateFieldsIfStatus(dbc, id, job.Status, updates)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s changed concurrently", jobs.ErrIllegalTransition, id)
		}
		l.log.Info("job status changed", "job_id", id, "from", job.Status, "to", to)
		job.Status = to
		job.UpdatedAt = now
		updated = job
		changed = true
		return nil
	})
	if err != nil {
		return nil, jobs.Persist("set status", err)
	}
	if changed {
		l.notify.JobChanged(ctx, bus.OpUpdate, id)
	}
	return updated, nil
}

// Settle closes a RUNNING job once none of its run items are queued or
// running: FAILED if any item failed, else COMPLETED. It reports whether the
// job moved. Losing a race to another settler is not an error.
func (l *Ledger) Settle(ctx context.Context, id uuid.UUID, counts map[types.RunItemStatus]int) (*types.PipelineJob, bool, error) {
	if counts[jobs.RunQueued]+counts[jobs.RunRunning] > 0 {
		return nil, false, nil
	}
	job, err := l.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.Status != jobs.JobRunning {
		return job, false, nil
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	to := jobs.JobCompleted
	msg := fmt.Sprintf("%d of %d runs complete", counts[jobs.RunComplete], total)
	if failed := counts[jobs.RunFailed]; failed > 0 {
		to = jobs.JobFailed
		msg = fmt.Sprintf("%d of %d runs failed", failed, total)
	}
	settled, err := l.SetStatus(ctx, id, to, msg)
	if err != nil {
		if errors.Is(err, jobs.ErrIllegalTransition) {
			l.log.Debug("settle lost race", "job_id", id, "error", err)
			return job, false, nil
		}
		return nil, false, err
	}
	return settled, true, nil
}
