package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	domainjobs "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

// OutputRepo never deletes rows; outputs outlive every retry and stop.
type OutputRepo interface {
	Create(dbc dbctx.Context, outputs []*types.Output) ([]*types.Output, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Output, error)
	ListByRunItem(dbc dbctx.Context, runItemID uuid.UUID) ([]*types.Output, error)
	ListByLooks(dbc dbctx.Context, lookIDs []uuid.UUID) ([]*types.Output, error)
	MarkGenerating(dbc dbctx.Context, id uuid.UUID) (bool, error)
	Complete(dbc dbctx.Context, id uuid.UUID, resultRef string, now time.Time) (bool, error)
	Fail(dbc dbctx.Context, id uuid.UUID, message string, now time.Time) (bool, error)
	FailPending(dbc dbctx.Context, ids []uuid.UUID, message string, now time.Time) (int64, error)
	FailInFlight(dbc dbctx.Context, ids []uuid.UUID, message string, now time.Time) (int64, error)
	// FailInFlightByRunItem fails the pending or generating outputs of the
	// run item created no later than now, and returns the ids it moved.
	// Outputs of a newer claim on the same item are left alone.
	FailInFlightByRunItem(dbc dbctx.Context, runItemID uuid.UUID, message string, now time.Time) ([]uuid.UUID, error)
	SetSelected(dbc dbctx.Context, id uuid.UUID, selected bool) error
}

type outputRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOutputRepo(db *gorm.DB, baseLog *logger.Logger) OutputRepo {
	return &outputRepo{
		db:  db,
		log: baseLog.With("repo", "OutputRepo"),
	}
}

func (r *outputRepo) Create(dbc dbctx.Context, outputs []*types.Output) ([]*types.Output, error) {
	if len(outputs) == 0 {
		return []*types.Output{}, nil
	}
	if err := dbc.DB(r.db).Create(&outputs).Error; err != nil {
		return nil, err
	}
	return outputs, nil
}

func (r *outputRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Output, error) {
	var out types.Output
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if out.ID == uuid.Nil {
		return nil, domainjobs.ErrNotFound
	}
	return &out, nil
}

func (r *outputRepo) ListByRunItem(dbc dbctx.Context, runItemID uuid.UUID) ([]*types.Output, error) {
	var out []*types.Output
	err := dbc.DB(r.db).
		Where("run_item_id = ?", runItemID).
		Order("created_at ASC, pose_index ASC, attempt_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *outputRepo) ListByLooks(dbc dbctx.Context, lookIDs []uuid.UUID) ([]*types.Output, error) {
	var out []*types.Output
	if len(lookIDs) == 0 {
		return out, nil
	}
	err := dbc.DB(r.db).
		Where("look_id IN ?", lookIDs).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *outputRepo) MarkGenerating(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	res := dbc.DB(r.db).
		Model(&types.Output{}).
		Where("id = ? AND status = ?", id, domainjobs.OutputPending).
		Updates(map[string]interface{}{
			"status":     domainjobs.OutputGenerating,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Complete records a result; rows already completed or failed are left untouched.
func (r *outputRepo) Complete(dbc dbctx.Context, id uuid.UUID, resultRef string, now time.Time) (bool, error) {
	res := dbc.DB(r.db).
		Model(&types.Output{}).
		Where("id = ? AND status IN ?", id, []types.OutputStatus{domainjobs.OutputPending, domainjobs.OutputGenerating}).
		Updates(map[string]interface{}{
			"status":       domainjobs.OutputCompleted,
			"result_ref":   resultRef,
			"error":        "",
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *outputRepo) Fail(dbc dbctx.Context, id uuid.UUID, message string, now time.Time) (bool, error) {
	res := dbc.DB(r.db).
		Model(&types.Output{}).
		Where("id = ? AND status IN ?", id, []types.OutputStatus{domainjobs.OutputPending, domainjobs.OutputGenerating}).
		Updates(map[string]interface{}{
			"status":       domainjobs.OutputFailed,
			"error":        message,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *outputRepo) FailPending(dbc dbctx.Context, ids []uuid.UUID, message string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := dbc.DB(r.db).
		Model(&types.Output{}).
		Where("id IN ? AND status = ?", ids, domainjobs.OutputPending).
		Updates(map[string]interface{}{
			"status":       domainjobs.OutputFailed,
			"error":        message,
			"completed_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

func (r *outputRepo) FailInFlight(dbc dbctx.Context, ids []uuid.UUID, message string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := dbc.DB(r.db).
		Model(&types.Output{}).
		Where("id IN ? AND status IN ?", ids, inFlightOutputStatuses).
		Updates(failedOutputFields(message, now))
	return res.RowsAffected, res.Error
}

func (r *outputRepo) FailInFlightByRunItem(dbc dbctx.Context, runItemID uuid.UUID, message string, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := dbc.DB(r.db).Transaction(func(txx *gorm.DB) error {
		if err := txx.Model(&types.Output{}).
			Where("run_item_id = ? AND status IN ? AND created_at <= ?", runItemID, inFlightOutputStatuses, now).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return txx.Model(&types.Output{}).
			Where("id IN ? AND status IN ?", ids, inFlightOutputStatuses).
			Updates(failedOutputFields(message, now)).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

var inFlightOutputStatuses = []types.OutputStatus{domainjobs.OutputPending, domainjobs.OutputGenerating}

func failedOutputFields(message string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":       domainjobs.OutputFailed,
		"error":        message,
		"completed_at": now,
		"updated_at":   now,
	}
}

func (r *outputRepo) SetSelected(dbc dbctx.Context, id uuid.UUID, selected bool) error {
	res := dbc.DB(r.db).
		Model(&types.Output{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_selected": selected,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domainjobs.ErrNotFound
	}
	return nil
}
