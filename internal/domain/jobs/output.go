package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Output is a single generated artifact, or a failed attempt at one.
// Completed outputs are immutable apart from IsSelected.
type Output struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	RunItemID    uuid.UUID    `gorm:"type:uuid;column:run_item_id;not null;index" json:"run_item_id"`
	BatchID      uuid.UUID    `gorm:"type:uuid;column:batch_id;not null;index" json:"batch_id"`
	LookID       uuid.UUID    `gorm:"type:uuid;column:look_id;not null;index" json:"look_id"`
	ShotType     string       `gorm:"column:shot_type;not null;index" json:"shot_type"`
	SourceView   string       `gorm:"column:source_view" json:"source_view"`
	PoseIndex    int          `gorm:"column:pose_index;not null;default:0" json:"pose_index"`
	AttemptIndex int          `gorm:"column:attempt_index;not null;default:0" json:"attempt_index"`
	Status       OutputStatus `gorm:"column:status;not null;index" json:"status"`
	ResultRef    string       `gorm:"column:result_ref" json:"result_ref,omitempty"`
	IsSelected   bool         `gorm:"column:is_selected;not null;default:false" json:"is_selected"`
	Error        string       `gorm:"column:error" json:"error,omitempty"`
	CompletedAt  *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time    `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null" json:"updated_at"`
}

func (Output) TableName() string { return "output" }

func (o *Output) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
