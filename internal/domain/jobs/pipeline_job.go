package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PipelineJob is one logical unit of orchestrated work in the shared ledger.
// Rows are only ever moved to a terminal status, never deleted.
type PipelineJob struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Type            JobType        `gorm:"column:type;not null;index" json:"type"`
	Title           string         `gorm:"column:title" json:"title"`
	Status          JobStatus      `gorm:"column:status;not null;index" json:"status"`
	ProgressTotal   int            `gorm:"column:progress_total;not null;default:0" json:"progress_total"`
	ProgressDone    int            `gorm:"column:progress_done;not null;default:0" json:"progress_done"`
	ProgressFailed  int            `gorm:"column:progress_failed;not null;default:0" json:"progress_failed"`
	Message         string         `gorm:"column:message" json:"message,omitempty"`
	OriginContext   datatypes.JSON `gorm:"column:origin_context" json:"origin_context,omitempty"`
	SupportsPause   bool           `gorm:"column:supports_pause;not null;default:false" json:"supports_pause"`
	SupportsRetry   bool           `gorm:"column:supports_retry;not null;default:false" json:"supports_retry"`
	SupportsRestart bool           `gorm:"column:supports_restart;not null;default:false" json:"supports_restart"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time     `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (PipelineJob) TableName() string { return "pipeline_job" }

func (j *PipelineJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// Remaining is the number of units not yet accounted for as done or failed.
func (j *PipelineJob) Remaining() int {
	if j == nil {
		return 0
	}
	r := j.ProgressTotal - j.ProgressDone - j.ProgressFailed
	if r < 0 {
		return 0
	}
	return r
}
