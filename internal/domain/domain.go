package domain

import (
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
)

type PipelineJob = jobs.PipelineJob
type RunItem = jobs.RunItem
type Output = jobs.Output
type Look = jobs.Look
type SourceImage = jobs.SourceImage

type JobType = jobs.JobType
type JobStatus = jobs.JobStatus
type RunItemStatus = jobs.RunItemStatus
type OutputStatus = jobs.OutputStatus
type LookStage = jobs.LookStage

// Models lists every persisted model in migration order.
func Models() []any {
	return []any{
		&jobs.Look{},
		&jobs.SourceImage{},
		&jobs.PipelineJob{},
		&jobs.RunItem{},
		&jobs.Output{},
	}
}
