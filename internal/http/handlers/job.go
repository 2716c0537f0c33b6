package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terralith/geoetl-backend/internal/data/repos"
	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/http/response"
	"github.com/terralith/geoetl-backend/internal/submit"
)

type JobHandler struct {
	submitter *submit.Service
	tasks     repos.TaskRepo
}

func NewJobHandler(submitter *submit.Service, tasks repos.TaskRepo) *JobHandler {
	return &JobHandler{submitter: submitter, tasks: tasks}
}

type submitRequest struct {
	JobType    string         `json:"job_type" binding:"required"`
	Parameters map[string]any `json:"parameters"`
}

// POST /api/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	result, err := h.submitter.Submit(c.Request.Context(), req.JobType, req.Parameters)
	if err != nil {
		var unknownType *domain.UnknownJobTypeError
		var validation *domain.ValidationError
		switch {
		case errors.As(err, &unknownType):
			response.RespondError(c, http.StatusBadRequest, "unknown_job_type", err)
		case errors.As(err, &validation):
			response.RespondError(c, http.StatusBadRequest, "invalid_parameters", err)
		default:
			response.RespondError(c, http.StatusInternalServerError, "submit_failed", err)
		}
		return
	}

	status := http.StatusAccepted
	if result.Disposition != submit.Created {
		status = http.StatusOK
	}
	response.RespondStatus(c, status, gin.H{"submission": result})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.submitter.Get(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_job_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id/tasks
func (h *JobHandler) ListJobTasks(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	tasks, err := h.tasks.ListForJob(c.Request.Context(), nil, jobID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_tasks_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": tasks})
}
