package jobs

// JobType names the pipeline stage a PipelineJob belongs to.
type JobType string

const (
	JobTypeIngestion            JobType = "ingestion"
	JobTypeClassification       JobType = "classification"
	JobTypeExpressionGeneration JobType = "expression_generation"
	JobTypePoseGeneration       JobType = "pose_generation"
	JobTypeFaceBodyComposite    JobType = "face_body_composite"
	JobTypeReviewHandoff        JobType = "review_handoff"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeIngestion, JobTypeClassification, JobTypeExpressionGeneration,
		JobTypePoseGeneration, JobTypeFaceBodyComposite, JobTypeReviewHandoff:
		return true
	}
	return false
}

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobPaused    JobStatus = "PAUSED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobPaused, JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Terminal reports whether the status ends a job's lifecycle. FAILED is terminal
// even though a retryable job may be re-opened from it.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// ActiveJobStatuses are the non-terminal statuses surfaced by observers.
var ActiveJobStatuses = []JobStatus{JobQueued, JobRunning, JobPaused}

// TerminalJobStatuses lists every terminal status.
var TerminalJobStatuses = []JobStatus{JobCompleted, JobFailed, JobCanceled}

// CanTransition reports whether from -> to is an edge of the job state graph:
//
//	QUEUED  -> RUNNING
//	RUNNING -> PAUSED | COMPLETED | FAILED | CANCELED
//	PAUSED  -> RUNNING
//	FAILED  -> QUEUED   (only when the job supports retry)
func CanTransition(from, to JobStatus, supportsRetry bool) bool {
	switch from {
	case JobQueued:
		return to == JobRunning
	case JobRunning:
		return to == JobPaused || to == JobCompleted || to == JobFailed || to == JobCanceled
	case JobPaused:
		return to == JobRunning
	case JobFailed:
		return to == JobQueued && supportsRetry
	}
	return false
}

type RunItemStatus string

const (
	RunQueued    RunItemStatus = "queued"
	RunRunning   RunItemStatus = "running"
	RunComplete  RunItemStatus = "complete"
	RunFailed    RunItemStatus = "failed"
	RunCancelled RunItemStatus = "cancelled"
)

func (s RunItemStatus) Terminal() bool {
	return s == RunComplete || s == RunFailed || s == RunCancelled
}

type OutputStatus string

const (
	OutputPending    OutputStatus = "pending"
	OutputGenerating OutputStatus = "generating"
	OutputCompleted  OutputStatus = "completed"
	OutputFailed     OutputStatus = "failed"
)

// InFlight reports whether an output still awaits a result.
func (s OutputStatus) InFlight() bool {
	return s == OutputPending || s == OutputGenerating
}

// LookStage is the production stage a look currently sits in.
type LookStage string

const (
	StageIngested   LookStage = "ingested"
	StageClassified LookStage = "classified"
	StageGeneration LookStage = "generation"
	StageReview     LookStage = "review"
	StageHandoff    LookStage = "handoff"
)
