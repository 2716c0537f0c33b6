package app

import (
	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/checkpoint"
	"github.com/terralith/geoetl-backend/internal/data/db"
	"github.com/terralith/geoetl-backend/internal/engine"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/platform/shutdown"
	"github.com/terralith/geoetl-backend/internal/submit"
	"github.com/terralith/geoetl-backend/internal/taskrouter"
	"github.com/terralith/geoetl-backend/internal/tasks"
	"github.com/terralith/geoetl-backend/internal/worker"
	"github.com/terralith/geoetl-backend/internal/workflow"
)

type Services struct {
	Workflows   *workflow.Registry
	Handlers    *workflow.HandlerRegistry
	Router      *taskrouter.Router
	Checkpoints *checkpoint.Manager
	Machine     *engine.CoreMachine
	Submit      *submit.Service

	Dispatcher  *worker.Dispatcher
	LongWorker  *worker.LongWorker
	ShortWorker *worker.ShortWorker
}

func wireServices(log *logger.Logger, cfg Config, reposet Repos, brk broker.Broker, pg *db.PostgresService, sig *shutdown.Signal, store tasks.ArtifactStore, catalog tasks.CatalogClient) (Services, error) {
	workflows := workflow.NewRegistry()
	handlers := workflow.NewHandlerRegistry()
	checkpoints := checkpoint.NewManager(reposet.Tasks, log)
	if err := workflow.RegisterBuiltin(workflows); err != nil {
		return Services{}, err
	}
	if err := tasks.NewHandlers(log, store, catalog).Register(handlers, checkpoints); err != nil {
		return Services{}, err
	}

	router := taskrouter.New(cfg.Router)

	machine := engine.NewCoreMachine(
		log, reposet.Jobs, reposet.Tasks,
		workflows, handlers, router, brk, checkpoints,
		engine.Config{
			JobQueue: cfg.JobQueue,
			WorkerID: cfg.WorkerID,
			Queues:   cfg.Queues,
			Defaults: cfg.QueueDefaults,
		},
	)

	submitter := submit.NewService(log, reposet.Jobs, workflows, brk, cfg.JobQueue)

	dispatcher := worker.NewDispatcher(log, brk, machine, cfg.JobQueue, cfg.ReceiveWait, sig)

	longWorker := worker.NewLongWorker(log, brk, machine, pg, worker.LongConfig{
		TaskQueue:            cfg.LongTaskQueue,
		LockDuration:         cfg.Queues[cfg.LongTaskQueue].LockDuration,
		MaxRenewals:          cfg.MaxRenewals,
		ReceiveWait:          cfg.ReceiveWait,
		TokenRefreshInterval: cfg.TokenRefreshInterval,
	}, sig)

	shortWorker := worker.NewShortWorker(log, brk, machine, worker.ShortConfig{
		TaskQueue:   cfg.ShortTaskQueue,
		ReceiveWait: cfg.ReceiveWait,
		Deadline:    cfg.ShortDeadline,
	})

	return Services{
		Workflows:   workflows,
		Handlers:    handlers,
		Router:      router,
		Checkpoints: checkpoints,
		Machine:     machine,
		Submit:      submitter,
		Dispatcher:  dispatcher,
		LongWorker:  longWorker,
		ShortWorker: shortWorker,
	}, nil
}
