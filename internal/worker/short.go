package worker

import (
	"context"
	"time"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/engine"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

type ShortConfig struct {
	TaskQueue   string
	ReceiveWait time.Duration
	// Deadline caps the whole invocation the way a serverless runtime
	// would. Handlers that need longer belong on the long queue.
	Deadline time.Duration
	// Batch is how many messages one invocation drains before exiting.
	Batch int
}

// ShortWorker models a serverless-style invocation: receive a small
// batch, process it under a hard deadline, exit. No checkpointing, no
// shutdown negotiation.
type ShortWorker struct {
	log     *logger.Logger
	broker  broker.Broker
	machine *engine.CoreMachine
	cfg     ShortConfig
}

func NewShortWorker(baseLog *logger.Logger, brk broker.Broker, machine *engine.CoreMachine, cfg ShortConfig) *ShortWorker {
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 5 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 1
	}
	return &ShortWorker{
		log:     baseLog.With("component", "ShortWorker", "queue", cfg.TaskQueue),
		broker:  brk,
		machine: machine,
		cfg:     cfg,
	}
}

// RunOnce performs a single invocation and returns. A nil error means
// the invocation finished cleanly, including the empty-queue case.
func (w *ShortWorker) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Deadline)
	defer cancel()

	deliveries, err := w.broker.Receive(ctx, w.cfg.TaskQueue, w.cfg.Batch, w.cfg.ReceiveWait)
	if err != nil {
		return err
	}
	if len(deliveries) == 0 {
		w.log.Debug("No messages available")
		return nil
	}

	for _, d := range deliveries {
		if err := w.machine.ProcessTaskMessage(ctx, d, engine.TaskExecution{Mode: engine.ModeShort}); err != nil {
			w.log.Error("Task message processing failed", "message_id", d.ID, "error", err)
		}
	}
	return nil
}
