package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/data/db"
	httpX "github.com/terralith/geoetl-backend/internal/http"
	httpH "github.com/terralith/geoetl-backend/internal/http/handlers"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/platform/shutdown"
	"github.com/terralith/geoetl-backend/internal/tasks"
)

type App struct {
	Log      *logger.Logger
	PG       *db.PostgresService
	Broker   broker.Broker
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services
	Sig      *shutdown.Signal

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}

	pg, err := db.NewPostgresService(log, cfg.Pool)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := db.AutoMigrateAll(pg.DB()); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}

	var store tasks.ArtifactStore = tasks.NewMemoryStore()
	catalog := tasks.NewDBCatalog(pg.DB)

	var brk broker.Broker
	if cfg.QueueBackend == BackendRedis {
		rdb, err := newRedisClient()
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		store = tasks.NewRedisStore(rdb)
		brk, err = wireBroker(log, cfg, pg.DB, rdb)
		if err != nil {
			log.Sync()
			return nil, err
		}
	} else {
		brk, err = wireBroker(log, cfg, pg.DB, nil)
		if err != nil {
			log.Sync()
			return nil, err
		}
	}

	sig := shutdown.Install()
	reposet := wireRepos(pg.DB, log)

	serviceset, err := wireServices(log, cfg, reposet, brk, pg, sig, store, catalog)
	if err != nil {
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(reposet, serviceset, brk, pg)
	router := wireRouter(log, handlerset)

	return &App{
		Log:      log,
		PG:       pg,
		Broker:   brk,
		Router:   router,
		Cfg:      cfg,
		Repos:    reposet,
		Services: serviceset,
		Sig:      sig,
	}, nil
}

// Start launches the background consumers for the configured mode. The
// API server also runs a job dispatcher and a short-task worker loop so
// a single-process deployment still makes progress.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	a.group = g

	switch a.Cfg.WorkerMode {
	case ModeServer:
		g.Go(func() error { a.Services.Dispatcher.Run(ctx); return nil })
		g.Go(func() error { a.runShortLoop(ctx); return nil })
	case ModeLong:
		g.Go(func() error { a.Services.Dispatcher.Run(ctx); return nil })
	}
}

func (a *App) runShortLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Sig.Done():
			return
		default:
		}
		if err := a.Services.ShortWorker.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.Log.Error("Short worker invocation failed", "error", err)
		}
	}
}

// Run serves HTTP until the listener fails.
func (a *App) Run() error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(a.Cfg.HTTPAddr)
}

// RunLong blocks in the long-worker loop until shutdown. A probe-only
// listener runs alongside so the container can be health-checked.
func (a *App) RunLong(ctx context.Context) {
	if a.Cfg.WorkerHealthAddr != "" {
		health := httpX.NewHealthRouter(httpH.NewHealthHandler(a.PG))
		go func() {
			if err := health.Run(a.Cfg.WorkerHealthAddr); err != nil {
				a.Log.Error("Worker health listener failed", "error", err)
			}
		}()
	}
	a.Services.LongWorker.Run(ctx)
}

// RunShortOnce performs a single short-worker invocation.
func (a *App) RunShortOnce(ctx context.Context) error {
	return a.Services.ShortWorker.RunOnce(ctx)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.group != nil {
		_ = a.group.Wait()
		a.group = nil
	}
	if a.PG != nil {
		a.PG.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
