package jobs

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	domainjobs "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

type LookRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Look, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Look, error)
	ListByBatch(dbc dbctx.Context, batchID uuid.UUID) ([]*types.Look, error)
	// LockForUpdate row-locks the looks in id order; it must run inside dbc.Tx.
	LockForUpdate(dbc dbctx.Context, ids []uuid.UUID) error
}

type lookRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLookRepo(db *gorm.DB, baseLog *logger.Logger) LookRepo {
	return &lookRepo{
		db:  db,
		log: baseLog.With("repo", "LookRepo"),
	}
}

func (r *lookRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Look, error) {
	var look types.Look
	err := dbc.DB(r.db).
		Preload("Sources").
		Where("id = ?", id).
		Limit(1).
		Find(&look).Error
	if err != nil {
		return nil, err
	}
	if look.ID == uuid.Nil {
		return nil, domainjobs.ErrNotFound
	}
	return &look, nil
}

func (r *lookRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Look, error) {
	var out []*types.Look
	if len(ids) == 0 {
		return out, nil
	}
	err := dbc.DB(r.db).
		Preload("Sources").
		Where("id IN ?", ids).
		Order("name ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByBatch returns the looks with at least one live run item in the batch.
func (r *lookRepo) ListByBatch(dbc dbctx.Context, batchID uuid.UUID) ([]*types.Look, error) {
	db := dbc.DB(r.db)
	sub := db.Session(&gorm.Session{NewDB: true}).
		Model(&types.RunItem{}).
		Select("look_id").
		Where("batch_id = ?", batchID)
	var out []*types.Look
	err := db.
		Preload("Sources").
		Where("id IN (?)", sub).
		Order("name ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *lookRepo) LockForUpdate(dbc dbctx.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	var locked []uuid.UUID
	return dbc.DB(r.db).
		Model(&types.Look{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Pluck("id", &locked).Error
}
