package worker

import (
	"context"
	"time"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/engine"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/platform/shutdown"
)

// Dispatcher consumes the job queue and drives stage dispatch. It runs
// inside the API server and inside long workers; any number of
// dispatchers may compete on the same queue.
type Dispatcher struct {
	log     *logger.Logger
	broker  broker.Broker
	machine *engine.CoreMachine
	queue   string
	wait    time.Duration
	sig     *shutdown.Signal
}

func NewDispatcher(baseLog *logger.Logger, brk broker.Broker, machine *engine.CoreMachine, queue string, wait time.Duration, sig *shutdown.Signal) *Dispatcher {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Dispatcher{
		log:     baseLog.With("component", "JobDispatcher", "queue", queue),
		broker:  brk,
		machine: machine,
		queue:   queue,
		wait:    wait,
		sig:     sig,
	}
}

// Run blocks until shutdown is requested or ctx is cancelled. Each
// delivery is processed synchronously; the engine owns the disposition.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("Job dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Job dispatcher stopped", "reason", "context cancelled")
			return
		case <-d.sig.Done():
			d.log.Info("Job dispatcher stopped", "reason", "shutdown requested")
			return
		default:
		}

		deliveries, err := d.broker.Receive(ctx, d.queue, 1, d.wait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.log.Error("Receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, delivery := range deliveries {
			if err := d.machine.ProcessJobMessage(ctx, delivery); err != nil {
				d.log.Error("Job message processing failed", "message_id", delivery.ID, "error", err)
			}
		}
	}
}
