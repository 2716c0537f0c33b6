package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/terralith/geoetl-backend/internal/http/response"
	"github.com/terralith/geoetl-backend/internal/workflow"
)

type WorkflowHandler struct {
	workflows *workflow.Registry
}

func NewWorkflowHandler(workflows *workflow.Registry) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows}
}

type stageView struct {
	Number      int    `json:"number"`
	Name        string `json:"name"`
	TaskType    string `json:"task_type"`
	Parallelism string `json:"parallelism"`
}

type workflowView struct {
	JobType         string      `json:"job_type"`
	TotalStages     int         `json:"total_stages"`
	ContinueOnError bool        `json:"continue_on_error"`
	Stages          []stageView `json:"stages"`
}

// GET /api/workflows
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	defs := h.workflows.List()
	views := make([]workflowView, 0, len(defs))
	for _, def := range defs {
		view := workflowView{
			JobType:         def.JobType,
			TotalStages:     def.TotalStages(),
			ContinueOnError: def.ContinueOnError,
		}
		for _, st := range def.Stages {
			view.Stages = append(view.Stages, stageView{
				Number:      st.Number,
				Name:        st.Name,
				TaskType:    st.TaskType,
				Parallelism: string(st.Parallelism),
			})
		}
		views = append(views, view)
	}
	response.RespondOK(c, gin.H{"workflows": views})
}
