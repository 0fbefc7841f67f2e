package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/http/response"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/tracker"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/services"
)

type BatchHandler struct {
	pipeline services.PipelineService
}

func NewBatchHandler(pipeline services.PipelineService) *BatchHandler {
	return &BatchHandler{pipeline: pipeline}
}

type enqueueRequest struct {
	BatchID     *uuid.UUID  `json:"batch_id"`
	LookIDs     []uuid.UUID `json:"look_ids"`
	RunsPerLook int         `json:"runs_per_look"`
	Title       string      `json:"title"`
}

// POST /api/batches
func (h *BatchHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	in := services.EnqueueInput{LookIDs: req.LookIDs, RunsPerLook: req.RunsPerLook, Title: req.Title}
	if req.BatchID != nil {
		in.BatchID = *req.BatchID
	}
	res, err := h.pipeline.Enqueue(dbctx.New(c.Request.Context()), in)
	if err != nil {
		respondServiceError(c, "enqueue_failed", err)
		return
	}
	response.RespondCreated(c, res)
}

type startRequest struct {
	Concurrency int `json:"concurrency"`
}

// POST /api/batches/:id/start
func (h *BatchHandler) Start(c *gin.Context) {
	batchID, ok := parseID(c, "invalid_batch_id")
	if !ok {
		return
	}
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	job, err := h.pipeline.Start(dbctx.New(c.Request.Context()), batchID, req.Concurrency)
	if err != nil {
		respondServiceError(c, "start_failed", err)
		return
	}
	response.RespondAccepted(c, gin.H{"job": job})
}

// POST /api/batches/:id/stop
func (h *BatchHandler) Stop(c *gin.Context) {
	batchID, ok := parseID(c, "invalid_batch_id")
	if !ok {
		return
	}
	job, err := h.pipeline.Stop(dbctx.New(c.Request.Context()), batchID)
	if err != nil {
		respondServiceError(c, "stop_failed", err)
		return
	}
	response.RespondAccepted(c, gin.H{"job": job})
}

// POST /api/batches/:id/retry-failed
func (h *BatchHandler) RetryFailed(c *gin.Context) {
	batchID, ok := parseID(c, "invalid_batch_id")
	if !ok {
		return
	}
	n, err := h.pipeline.RetryFailed(dbctx.New(c.Request.Context()), batchID)
	if err != nil {
		respondServiceError(c, "retry_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"requeued": n})
}

// POST /api/batches/:id/clear-completed
func (h *BatchHandler) ClearCompleted(c *gin.Context) {
	batchID, ok := parseID(c, "invalid_batch_id")
	if !ok {
		return
	}
	n, err := h.pipeline.ClearCompleted(dbctx.New(c.Request.Context()), batchID)
	if err != nil {
		respondServiceError(c, "clear_completed_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"cleared": n})
}

// GET /api/batches/:id/runs
func (h *BatchHandler) ListRuns(c *gin.Context) {
	batchID, ok := parseID(c, "invalid_batch_id")
	if !ok {
		return
	}
	items, err := h.pipeline.ListRunItems(dbctx.New(c.Request.Context()), batchID)
	if err != nil {
		respondServiceError(c, "list_runs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"runs": items})
}

// GET /api/batches/:id/summary?required_options=3&filter=needs_generation
func (h *BatchHandler) Summary(c *gin.Context) {
	batchID, ok := parseID(c, "invalid_batch_id")
	if !ok {
		return
	}
	required, err := requiredOptions(c)
	if err != nil {
		respondServiceError(c, "invalid_required_options", err)
		return
	}
	filter, err := tracker.ParseFilterTag(c.Query("filter"))
	if err != nil {
		respondServiceError(c, "invalid_filter", &jobs.ValidationError{Field: "filter", Reason: err.Error()})
		return
	}
	sum, err := h.pipeline.Summaries(dbctx.New(c.Request.Context()), batchID, required, filter)
	if err != nil {
		respondServiceError(c, "summary_failed", err)
		return
	}
	response.RespondOK(c, sum)
}

// requiredOptions reads the required_options query parameter, defaulting to 1.
func requiredOptions(c *gin.Context) (int, error) {
	raw := c.Query("required_options")
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &jobs.ValidationError{Field: "required_options", Reason: "must be a positive integer"}
	}
	return n, nil
}

type RunHandler struct {
	pipeline services.PipelineService
}

func NewRunHandler(pipeline services.PipelineService) *RunHandler {
	return &RunHandler{pipeline: pipeline}
}

// POST /api/runs/:id/retry
func (h *RunHandler) Retry(c *gin.Context) {
	runID, ok := parseID(c, "invalid_run_id")
	if !ok {
		return
	}
	item, err := h.pipeline.RetrySingle(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		respondServiceError(c, "retry_run_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"run": item})
}

type selectRequest struct {
	Selected *bool `json:"selected"`
}

// POST /api/outputs/:id/select
func (h *RunHandler) SelectOutput(c *gin.Context) {
	outputID, ok := parseID(c, "invalid_output_id")
	if !ok {
		return
	}
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	selected := true
	if req.Selected != nil {
		selected = *req.Selected
	}
	out, err := h.pipeline.SelectOutput(dbctx.New(c.Request.Context()), outputID, selected)
	if err != nil {
		respondServiceError(c, "select_output_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"output": out})
}
