package repos

import (
	"gorm.io/gorm"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

type PipelineJobRepo = jobs.PipelineJobRepo
type RunItemRepo = jobs.RunItemRepo
type OutputRepo = jobs.OutputRepo
type LookRepo = jobs.LookRepo

// Set bundles every repo the pipeline needs over one database handle.
type Set struct {
	Jobs     PipelineJobRepo
	RunItems RunItemRepo
	Outputs  OutputRepo
	Looks    LookRepo
}

func NewSet(db *gorm.DB, log *logger.Logger) Set {
	return Set{
		Jobs:     jobs.NewPipelineJobRepo(db, log),
		RunItems: jobs.NewRunItemRepo(db, log),
		Outputs:  jobs.NewOutputRepo(db, log),
		Looks:    jobs.NewLookRepo(db, log),
	}
}
