package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/http/response"
)

// respondServiceError maps the domain error taxonomy onto HTTP statuses.
func respondServiceError(c *gin.Context, code string, err error) {
	var (
		validation *jobs.ValidationError
		persist    *jobs.PersistenceError
	)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		response.RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, jobs.ErrIllegalTransition):
		response.RespondError(c, http.StatusConflict, "illegal_transition", err)
	case errors.Is(err, jobs.ErrInvalidDelta), errors.As(err, &validation):
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
	case errors.As(err, &persist):
		response.RespondError(c, http.StatusInternalServerError, "persistence_failed", err)
	default:
		response.RespondError(c, http.StatusInternalServerError, code, err)
	}
}

func parseID(c *gin.Context, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, code, err)
		return uuid.Nil, false
	}
	return id, true
}
