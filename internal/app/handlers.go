package app

import (
	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/data/db"
	httpH "github.com/terralith/geoetl-backend/internal/http/handlers"
)

type Handlers struct {
	Job      *httpH.JobHandler
	Workflow *httpH.WorkflowHandler
	DLQ      *httpH.DLQHandler
	Health   *httpH.HealthHandler
}

func wireHandlers(reposet Repos, services Services, brk broker.Broker, pg *db.PostgresService) Handlers {
	return Handlers{
		Job:      httpH.NewJobHandler(services.Submit, reposet.Tasks),
		Workflow: httpH.NewWorkflowHandler(services.Workflows),
		DLQ:      httpH.NewDLQHandler(brk),
		Health:   httpH.NewHealthHandler(pg),
	}
}
