package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunItem is one attempt to push a look through the generation stage.
// BatchID is the id of the PipelineJob the item was enqueued under.
// (LookID, RunIndex) is unique, soft-deleted rows included.
type RunItem struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID          uuid.UUID      `gorm:"type:uuid;column:batch_id;not null;index" json:"batch_id"`
	LookID           uuid.UUID      `gorm:"type:uuid;column:look_id;not null;index" json:"look_id"`
	RunIndex         int            `gorm:"column:run_index;not null" json:"run_index"`
	Status           RunItemStatus  `gorm:"column:status;not null;index" json:"status"`
	Error            string         `gorm:"column:error" json:"error,omitempty"`
	StartedAt        *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	HeartbeatAt      *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	OutputsGenerated int            `gorm:"column:outputs_generated;not null;default:0" json:"outputs_generated"`
	// ClaimToken identifies the worker currently holding a running item.
	ClaimToken       *uuid.UUID     `gorm:"type:uuid;column:claim_token" json:"-"`
	CreatedAt        time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (RunItem) TableName() string { return "run_item" }

func (r *RunItem) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
