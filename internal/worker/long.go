package worker

import (
	"context"
	"errors"
	"time"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/data/db"
	"github.com/terralith/geoetl-backend/internal/engine"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/platform/shutdown"
)

type LongConfig struct {
	TaskQueue    string
	LockDuration time.Duration
	// RenewInterval defaults to a third of the lock duration.
	RenewInterval time.Duration
	// MaxRenewals bounds how long one delivery can hold its lock. When the
	// budget runs out the renewer stops and the lock is allowed to lapse,
	// so a wedged handler cannot hold a message forever.
	MaxRenewals int
	ReceiveWait time.Duration
	// TokenRefreshInterval: how often to rebuild the DB pool with fresh
	// credentials. Zero disables refresh.
	TokenRefreshInterval time.Duration
}

// LongWorker runs checkpointable tasks in a container. One task is in
// flight at a time; a background renewer keeps the message lock alive
// while the handler works through its phases.
type LongWorker struct {
	log     *logger.Logger
	broker  broker.Broker
	machine *engine.CoreMachine
	pg      *db.PostgresService
	cfg     LongConfig
	sig     *shutdown.Signal
}

func NewLongWorker(baseLog *logger.Logger, brk broker.Broker, machine *engine.CoreMachine, pg *db.PostgresService, cfg LongConfig, sig *shutdown.Signal) *LongWorker {
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 5 * time.Minute
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.LockDuration / 3
	}
	if cfg.MaxRenewals <= 0 {
		cfg.MaxRenewals = 240
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 10 * time.Second
	}
	return &LongWorker{
		log:     baseLog.With("component", "LongWorker", "queue", cfg.TaskQueue),
		broker:  brk,
		machine: machine,
		pg:      pg,
		cfg:     cfg,
		sig:     sig,
	}
}

// Run blocks until shutdown is requested, then drains: the in-flight
// task observes the shutdown signal between phases, checkpoints, and
// returns interrupted, after which the loop exits.
func (w *LongWorker) Run(ctx context.Context) {
	w.log.Info("Long worker started",
		"lock_duration", w.cfg.LockDuration, "renew_interval", w.cfg.RenewInterval)

	if w.cfg.TokenRefreshInterval > 0 && w.pg != nil {
		go w.refreshCredentials(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Long worker stopped", "reason", "context cancelled")
			return
		case <-w.sig.Done():
			w.log.Info("Long worker stopped", "reason", "shutdown requested")
			return
		default:
		}

		deliveries, err := w.broker.Receive(ctx, w.cfg.TaskQueue, 1, w.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error("Receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, delivery := range deliveries {
			w.process(ctx, delivery)
		}
	}
}

func (w *LongWorker) process(ctx context.Context, d *broker.Delivery) {
	stopRenew := make(chan struct{})
	renewDone := make(chan struct{})
	go w.renewLoop(ctx, d, stopRenew, renewDone)

	err := w.machine.ProcessTaskMessage(ctx, d, engine.TaskExecution{
		Mode:     engine.ModeLong,
		Shutdown: w.sig,
	})

	close(stopRenew)
	<-renewDone

	if err != nil {
		w.log.Error("Task message processing failed", "message_id", d.ID, "error", err)
	}
}

// renewLoop extends the delivery's lock until the handler finishes, the
// renewal budget is spent, or the lock is lost to another consumer.
func (w *LongWorker) renewLoop(ctx context.Context, d *broker.Delivery, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.RenewInterval)
	defer ticker.Stop()

	for renewals := 0; ; {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if renewals >= w.cfg.MaxRenewals {
				w.log.Warn("Lock renewal budget spent, letting lock lapse",
					"message_id", d.ID, "renewals", renewals)
				return
			}
			if err := w.broker.RenewLock(ctx, d, w.cfg.LockDuration); err != nil {
				if errors.Is(err, broker.ErrLockLost) {
					w.log.Warn("Message lock lost during renewal", "message_id", d.ID)
					return
				}
				w.log.Warn("Lock renewal failed", "message_id", d.ID, "error", err)
				continue
			}
			renewals++
		}
	}
}

// refreshCredentials rebuilds the DB pool on an interval so rotated
// credentials take effect without a restart.
func (w *LongWorker) refreshCredentials(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.TokenRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.sig.Done():
			return
		case <-ticker.C:
			if err := w.pg.Rebuild(ctx); err != nil {
				w.log.Error("Credential refresh failed, keeping current pool", "error", err)
			}
		}
	}
}
