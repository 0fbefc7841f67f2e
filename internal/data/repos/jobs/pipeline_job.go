package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	domainjobs "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

type PipelineJobRepo interface {
	Create(dbc dbctx.Context, job *types.PipelineJob) (*types.PipelineJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineJob, error)
	// GetForUpdate reads the row under a row lock; it must run inside dbc.Tx.
	GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.PipelineJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsIfStatus(dbc dbctx.Context, id uuid.UUID, expected types.JobStatus, updates map[string]interface{}) (bool, error)
	// Touch bumps updated_at on running jobs so observers do not flag them as stalled.
	Touch(dbc dbctx.Context, ids []uuid.UUID, now time.Time) error
	ListByStatus(dbc dbctx.Context, statuses []types.JobStatus) ([]*types.PipelineJob, error)
	ListTerminalSince(dbc dbctx.Context, since time.Time, limit int) ([]*types.PipelineJob, error)
}

type pipelineJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineJobRepo(db *gorm.DB, baseLog *logger.Logger) PipelineJobRepo {
	return &pipelineJobRepo{
		db:  db,
		log: baseLog.With("repo", "PipelineJobRepo"),
	}
}

func (r *pipelineJobRepo) Create(dbc dbctx.Context, job *types.PipelineJob) (*types.PipelineJob, error) {
	if job == nil {
		return nil, errors.New("nil job")
	}
	if err := dbc.DB(r.db).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *pipelineJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineJob, error) {
	var job types.PipelineJob
	err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, domainjobs.ErrNotFound
	}
	return &job, nil
}

func (r *pipelineJobRepo) GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.PipelineJob, error) {
	var job types.PipelineJob
	err := dbc.DB(r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, domainjobs.ErrNotFound
	}
	return &job, nil
}

func (r *pipelineJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.DB(r.db).
		Model(&types.PipelineJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *pipelineJobRepo) UpdateFieldsIfStatus(dbc dbctx.Context, id uuid.UUID, expected types.JobStatus, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := dbc.DB(r.db).
		Model(&types.PipelineJob{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *pipelineJobRepo) Touch(dbc dbctx.Context, ids []uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return dbc.DB(r.db).
		Model(&types.PipelineJob{}).
		Where("id IN ? AND status = ?", ids, domainjobs.JobRunning).
		Update("updated_at", now).Error
}

func (r *pipelineJobRepo) ListByStatus(dbc dbctx.Context, statuses []types.JobStatus) ([]*types.PipelineJob, error) {
	var out []*types.PipelineJob
	if len(statuses) == 0 {
		return out, nil
	}
	err := dbc.DB(r.db).
		Where("status IN ?", statuses).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pipelineJobRepo) ListTerminalSince(dbc dbctx.Context, since time.Time, limit int) ([]*types.PipelineJob, error) {
	var out []*types.PipelineJob
	q := dbc.DB(r.db).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at >= ?", domainjobs.TerminalJobStatuses, since).
		Order("completed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
