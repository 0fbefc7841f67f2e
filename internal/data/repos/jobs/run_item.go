package jobs

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	domainjobs "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

type RunItemRepo interface {
	Create(dbc dbctx.Context, items []*types.RunItem) ([]*types.RunItem, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.RunItem, error)
	ListByBatch(dbc dbctx.Context, batchID uuid.UUID) ([]*types.RunItem, error)
	// MaxRunIndex includes soft-deleted rows so run indexes stay monotonic per look.
	MaxRunIndex(dbc dbctx.Context, lookID uuid.UUID) (int, error)
	ListQueued(dbc dbctx.Context, batchID uuid.UUID, limit int) ([]*types.RunItem, error)
	Claim(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, now time.Time) (bool, error)
	// FinishClaim writes updates only while the item is running under token.
	FinishClaim(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, updates map[string]interface{}) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(dbc dbctx.Context, ids []uuid.UUID, now time.Time) (int64, error)
	CountByStatus(dbc dbctx.Context, batchIDs []uuid.UUID) (map[uuid.UUID]map[types.RunItemStatus]int, error)
	CountRunning(dbc dbctx.Context) (int64, error)
	ListStale(dbc dbctx.Context, cutoff time.Time) ([]*types.RunItem, error)
	FailIfStale(dbc dbctx.Context, id uuid.UUID, cutoff time.Time, message string, now time.Time) (bool, error)
	Requeue(dbc dbctx.Context, batchID uuid.UUID, ids []uuid.UUID, from []types.RunItemStatus) ([]uuid.UUID, error)
	CancelQueued(dbc dbctx.Context, batchID uuid.UUID, now time.Time) (int64, error)
	SoftDeleteByStatus(dbc dbctx.Context, batchID uuid.UUID, status types.RunItemStatus) (int64, error)
}

type runItemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunItemRepo(db *gorm.DB, baseLog *logger.Logger) RunItemRepo {
	return &runItemRepo{
		db:  db,
		log: baseLog.With("repo", "RunItemRepo"),
	}
}

func (r *runItemRepo) Create(dbc dbctx.Context, items []*types.RunItem) ([]*types.RunItem, error) {
	if len(items) == 0 {
		return []*types.RunItem{}, nil
	}
	if err := dbc.DB(r.db).Create(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *runItemRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.RunItem, error) {
	var item types.RunItem
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == uuid.Nil {
		return nil, domainjobs.ErrNotFound
	}
	return &item, nil
}

func (r *runItemRepo) ListByBatch(dbc dbctx.Context, batchID uuid.UUID) ([]*types.RunItem, error) {
	var out []*types.RunItem
	err := dbc.DB(r.db).
		Where("batch_id = ?", batchID).
		Order("created_at ASC, run_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runItemRepo) MaxRunIndex(dbc dbctx.Context, lookID uuid.UUID) (int, error) {
	var max sql.NullInt64
	err := dbc.DB(r.db).
		Unscoped().
		Model(&types.RunItem{}).
		Where("look_id = ?", lookID).
		Select("MAX(run_index)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

func (r *runItemRepo) ListQueued(dbc dbctx.Context, batchID uuid.UUID, limit int) ([]*types.RunItem, error) {
	var out []*types.RunItem
	q := dbc.DB(r.db).
		Where("batch_id = ? AND status = ?", batchID, domainjobs.RunQueued).
		Order("created_at ASC, run_index ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Claim moves a queued item to running under token. False means another
// claimant won.
func (r *runItemRepo) Claim(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, now time.Time) (bool, error) {
	res := dbc.DB(r.db).
		Model(&types.RunItem{}).
		Where("id = ? AND status = ?", id, domainjobs.RunQueued).
		Updates(map[string]interface{}{
			"status":       domainjobs.RunRunning,
			"claim_token":  token,
			"started_at":   now,
			"heartbeat_at": now,
			"error":        "",
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FinishClaim is the only write a claim holder makes to its item's status.
// False means the claim was lost: the item was reclaimed, cancelled or
// requeued and possibly claimed again under a new token.
func (r *runItemRepo) FinishClaim(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || token == uuid.Nil {
		return false, nil
	}
	updates = withUpdatedAt(updates)
	res := dbc.DB(r.db).
		Model(&types.RunItem{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, domainjobs.RunRunning, token).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *runItemRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	updates = withUpdatedAt(updates)
	return dbc.DB(r.db).
		Model(&types.RunItem{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Heartbeat touches heartbeat_at on the given items that are still running.
func (r *runItemRepo) Heartbeat(dbc dbctx.Context, ids []uuid.UUID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := dbc.DB(r.db).
		Model(&types.RunItem{}).
		Where("id IN ? AND status = ?", ids, domainjobs.RunRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

type statusCount struct {
	BatchID uuid.UUID
	Status  types.RunItemStatus
	N       int
}

func (r *runItemRepo) CountByStatus(dbc dbctx.Context, batchIDs []uuid.UUID) (map[uuid.UUID]map[types.RunItemStatus]int, error) {
	out := map[uuid.UUID]map[types.RunItemStatus]int{}
	if len(batchIDs) == 0 {
		return out, nil
	}
	var rows []statusCount
	err := dbc.DB(r.db).
		Model(&types.RunItem{}).
		Select("batch_id, status, COUNT(*) AS n").
		Where("batch_id IN ?", batchIDs).
		Group("batch_id, status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if out[row.BatchID] == nil {
			out[row.BatchID] = map[types.RunItemStatus]int{}
		}
		out[row.BatchID][row.Status] = row.N
	}
	return out, nil
}

func (r *runItemRepo) CountRunning(dbc dbctx.Context) (int64, error) {
	var n int64
	err := dbc.DB(r.db).
		Model(&types.RunItem{}).
		Where("status = ?", domainjobs.RunRunning).
		Count(&n).Error
	return n, err
}

func (r *runItemRepo) ListStale(dbc dbctx.Context, cutoff time.Time) ([]*types.RunItem, error) {
	var out []*types.RunItem
	err := dbc.DB(r.db).
		Where("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", domainjobs.RunRunning, cutoff).
		Order("heartbeat_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FailIfStale fails one item only if it is still running with a stale heartbeat.
func (r *runItemRepo) FailIfStale(dbc dbctx.Context, id uuid.UUID, cutoff time.Time, message string, now time.Time) (bool, error) {
	res := dbc.DB(r.db).
		Model(&types.RunItem{}).
		Where("id = ? AND status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", id, domainjobs.RunRunning, cutoff).
		Updates(map[string]interface{}{
			"status":       domainjobs.RunFailed,
			"error":        message,
			"claim_token":  nil,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Requeue resets items of a batch in one of the from statuses back to queued.
// A non-empty ids narrows the reset to those items. It returns the ids reset.
func (r *runItemRepo) Requeue(dbc dbctx.Context, batchID uuid.UUID, ids []uuid.UUID, from []types.RunItemStatus) ([]uuid.UUID, error) {
	var reset []uuid.UUID
	err := dbc.DB(r.db).Transaction(func(txx *gorm.DB) error {
		q := txx.Model(&types.RunItem{}).Where("status IN ?", from)
		if batchID != uuid.Nil {
			q = q.Where("batch_id = ?", batchID)
		}
		if len(ids) > 0 {
			q = q.Where("id IN ?", ids)
		}
		if err := q.Pluck("id", &reset).Error; err != nil {
			return err
		}
		if len(reset) == 0 {
			return nil
		}
		return txx.Model(&types.RunItem{}).
			Where("id IN ? AND status IN ?", reset, from).
			Updates(map[string]interface{}{
				"status":            domainjobs.RunQueued,
				"error":             "",
				"started_at":        nil,
				"completed_at":      nil,
				"heartbeat_at":      nil,
				"claim_token":       nil,
				"outputs_generated": 0,
				"updated_at":        time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

func (r *runItemRepo) SoftDeleteByStatus(dbc dbctx.Context, batchID uuid.UUID, status types.RunItemStatus) (int64, error) {
	res := dbc.DB(r.db).
		Where("batch_id = ? AND status = ?", batchID, status).
		Delete(&types.RunItem{})
	return res.RowsAffected, res.Error
}

// CancelQueued moves every queued item of the batch to cancelled. Running
// items are left for their worker to finish.
func (r *runItemRepo) CancelQueued(dbc dbctx.Context, batchID uuid.UUID, now time.Time) (int64, error) {
	res := dbc.DB(r.db).
		Model(&types.RunItem{}).
		Where("batch_id = ? AND status = ?", batchID, domainjobs.RunQueued).
		Updates(map[string]interface{}{
			"status":       domainjobs.RunCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

func withUpdatedAt(updates map[string]interface{}) map[string]interface{} {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return updates
}
