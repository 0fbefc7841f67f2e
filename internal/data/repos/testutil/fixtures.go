package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
)

// SeedLook creates a look with one source image per view.
func SeedLook(tb testing.TB, ctx context.Context, tx *gorm.DB, name string, stage types.LookStage, views ...string) *types.Look {
	tb.Helper()
	look := &types.Look{
		ID:    uuid.New(),
		Name:  name,
		Stage: stage,
	}
	for _, v := range views {
		look.Sources = append(look.Sources, types.SourceImage{
			ID:   uuid.New(),
			View: v,
			URL:  "https://assets.example.test/" + name + "/" + v + ".jpg",
		})
	}
	if err := tx.WithContext(ctx).Create(look).Error; err != nil {
		tb.Fatalf("seed look: %v", err)
	}
	return look
}

func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, status types.JobStatus, total int) *types.PipelineJob {
	tb.Helper()
	job := &types.PipelineJob{
		ID:            uuid.New(),
		Type:          jobs.JobTypeExpressionGeneration,
		Title:         "seeded batch",
		Status:        status,
		ProgressTotal: total,
		SupportsPause: true,
		SupportsRetry: true,
	}
	if err := tx.WithContext(ctx).Create(job).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return job
}

// SeedRunItem creates a run item with the look's next run index; a non-nil
// heartbeat is stored as given.
func SeedRunItem(tb testing.TB, ctx context.Context, tx *gorm.DB, batchID, lookID uuid.UUID, status types.RunItemStatus, heartbeat *time.Time) *types.RunItem {
	tb.Helper()
	var maxIndex sql.NullInt64
	if err := tx.WithContext(ctx).Unscoped().Model(&types.RunItem{}).
		Where("look_id = ?", lookID).
		Select("MAX(run_index)").
		Scan(&maxIndex).Error; err != nil {
		tb.Fatalf("seed run item index: %v", err)
	}
	item := &types.RunItem{
		ID:          uuid.New(),
		BatchID:     batchID,
		LookID:      lookID,
		RunIndex:    int(maxIndex.Int64) + 1,
		Status:      status,
		HeartbeatAt: heartbeat,
	}
	if status == jobs.RunRunning {
		started := time.Now().UTC()
		item.StartedAt = &started
	}
	if err := tx.WithContext(ctx).Create(item).Error; err != nil {
		tb.Fatalf("seed run item: %v", err)
	}
	return item
}

func SeedOutput(tb testing.TB, ctx context.Context, tx *gorm.DB, item *types.RunItem, shotType string, status types.OutputStatus) *types.Output {
	tb.Helper()
	out := &types.Output{
		ID:        uuid.New(),
		RunItemID: item.ID,
		BatchID:   item.BatchID,
		LookID:    item.LookID,
		ShotType:  shotType,
		Status:    status,
	}
	if status == jobs.OutputCompleted {
		now := time.Now().UTC()
		out.CompletedAt = &now
		out.ResultRef = "result://" + out.ID.String()
	}
	if err := tx.WithContext(ctx).Create(out).Error; err != nil {
		tb.Fatalf("seed output: %v", err)
	}
	return out
}

func PtrTime(t time.Time) *time.Time { return &t }
