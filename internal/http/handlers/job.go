package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/http/response"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/services"
)

type JobHandler struct {
	pipeline services.PipelineService
}

func NewJobHandler(pipeline services.PipelineService) *JobHandler {
	return &JobHandler{pipeline: pipeline}
}

// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	overview, err := h.pipeline.ListJobs(dbctx.New(c.Request.Context()))
	if err != nil {
		respondServiceError(c, "list_jobs_failed", err)
		return
	}
	response.RespondOK(c, overview)
}

type setStatusRequest struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// POST /api/jobs/:id/status
func (h *JobHandler) SetStatus(c *gin.Context) {
	jobID, ok := parseID(c, "invalid_job_id")
	if !ok {
		return
	}
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	status := jobs.JobStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	job, err := h.pipeline.SetJobStatus(dbctx.New(c.Request.Context()), jobID, status, req.Message)
	if err != nil {
		respondServiceError(c, "set_status_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/mark-stalled
func (h *JobHandler) MarkStalled(c *gin.Context) {
	jobID, ok := parseID(c, "invalid_job_id")
	if !ok {
		return
	}
	job, err := h.pipeline.MarkStalled(dbctx.New(c.Request.Context()), jobID)
	if err != nil {
		respondServiceError(c, "mark_stalled_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}
