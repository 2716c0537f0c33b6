package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/data/db"
	"github.com/terralith/geoetl-backend/internal/platform/envutil"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
	"github.com/terralith/geoetl-backend/internal/taskrouter"
)

// Worker modes.
const (
	ModeServer = "server"
	ModeLong   = "long"
	ModeShort  = "short"
)

// Queue backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	HTTPAddr string
	// WorkerHealthAddr serves the probe endpoints in long mode. Empty
	// disables the listener.
	WorkerHealthAddr string
	WorkerMode       string
	WorkerID         string
	QueueBackend     string

	JobQueue       string
	ShortTaskQueue string
	LongTaskQueue  string

	Queues        map[string]broker.QueueConfig
	QueueDefaults broker.QueueConfig

	Pool                 db.PoolConfig
	TokenRefreshInterval time.Duration

	ReceiveWait   time.Duration
	ShortDeadline time.Duration
	MaxRenewals   int

	Router taskrouter.Config
}

// queueFile is the optional YAML overlay for per-queue policy and
// routing rules (QUEUE_CONFIG_PATH).
type queueFile struct {
	Queues map[string]struct {
		LockDuration     time.Duration `yaml:"lock_duration"`
		MaxDeliveryCount int           `yaml:"max_delivery_count"`
	} `yaml:"queues"`
	Routing struct {
		LongTaskTypes      []string          `yaml:"long_task_types"`
		SizeThresholdBytes int               `yaml:"size_threshold_bytes"`
		DefaultByJobType   map[string]string `yaml:"default_by_job_type"`
	} `yaml:"routing"`
}

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := Config{
		HTTPAddr:         envutil.String("HTTP_ADDR", ":8080"),
		WorkerHealthAddr: envutil.String("WORKER_HEALTH_ADDR", ":8081"),
		WorkerMode:       envutil.String("WORKER_MODE", ModeServer),
		WorkerID:         workerID(),
		QueueBackend:     envutil.String("QUEUE_BACKEND", BackendPostgres),

		JobQueue:       envutil.String("JOB_QUEUE", "geoetl-jobs"),
		ShortTaskQueue: envutil.String("SHORT_TASK_QUEUE", "geoetl-tasks-short"),
		LongTaskQueue:  envutil.String("LONG_TASK_QUEUE", "geoetl-tasks-long"),

		Pool: db.PoolConfig{
			MinConns:        envutil.Int("POSTGRES_MIN_CONNS", 2),
			MaxConns:        envutil.Int("POSTGRES_MAX_CONNS", 10),
			ConnMaxLifetime: envutil.Duration("POSTGRES_CONN_MAX_LIFETIME", time.Hour),
		},
		TokenRefreshInterval: envutil.Duration("TOKEN_REFRESH_INTERVAL", 0),

		ReceiveWait:   envutil.Duration("RECEIVE_WAIT", 10*time.Second),
		ShortDeadline: envutil.Duration("SHORT_DEADLINE", 5*time.Minute),
		MaxRenewals:   envutil.Int("MAX_LOCK_RENEWALS", 240),
	}

	cfg.QueueDefaults = broker.QueueConfig{
		LockDuration:     envutil.Duration("QUEUE_LOCK_DURATION", 2*time.Minute),
		MaxDeliveryCount: envutil.Int("QUEUE_MAX_DELIVERY", 3),
	}
	cfg.Queues = map[string]broker.QueueConfig{
		cfg.JobQueue:       {LockDuration: cfg.QueueDefaults.LockDuration, MaxDeliveryCount: cfg.QueueDefaults.MaxDeliveryCount},
		cfg.ShortTaskQueue: {LockDuration: cfg.QueueDefaults.LockDuration, MaxDeliveryCount: cfg.QueueDefaults.MaxDeliveryCount},
		cfg.LongTaskQueue: {
			LockDuration:     envutil.Duration("LONG_QUEUE_LOCK_DURATION", 5*time.Minute),
			MaxDeliveryCount: envutil.Int("LONG_QUEUE_MAX_DELIVERY", 8),
		},
	}

	cfg.Router = taskrouter.Config{
		DefaultQueue:       cfg.ShortTaskQueue,
		LongQueue:          cfg.LongTaskQueue,
		LongTaskTypes:      map[string]bool{},
		SizeThresholdBytes: envutil.Int("ROUTER_SIZE_THRESHOLD_BYTES", 0),
		DefaultByJobType:   map[string]string{},
	}
	for _, t := range strings.Split(envutil.String("ROUTER_LONG_TASK_TYPES", ""), ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Router.LongTaskTypes[t] = true
		}
	}

	if path := envutil.String("QUEUE_CONFIG_PATH", ""); path != "" {
		if err := cfg.applyQueueFile(path); err != nil {
			return cfg, err
		}
		log.Info("Queue config overlay applied", "path", path)
	}

	log.Info("Config loaded",
		"worker_mode", cfg.WorkerMode,
		"queue_backend", cfg.QueueBackend,
		"job_queue", cfg.JobQueue,
		"short_task_queue", cfg.ShortTaskQueue,
		"long_task_queue", cfg.LongTaskQueue,
	)
	return cfg, nil
}

func (c *Config) applyQueueFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read queue config: %w", err)
	}
	var qf queueFile
	if err := yaml.Unmarshal(raw, &qf); err != nil {
		return fmt.Errorf("parse queue config: %w", err)
	}
	for name, q := range qf.Queues {
		entry := c.Queues[name]
		if q.LockDuration > 0 {
			entry.LockDuration = q.LockDuration
		}
		if q.MaxDeliveryCount > 0 {
			entry.MaxDeliveryCount = q.MaxDeliveryCount
		}
		c.Queues[name] = entry
	}
	for _, t := range qf.Routing.LongTaskTypes {
		c.Router.LongTaskTypes[t] = true
	}
	if qf.Routing.SizeThresholdBytes > 0 {
		c.Router.SizeThresholdBytes = qf.Routing.SizeThresholdBytes
	}
	for jobType, queue := range qf.Routing.DefaultByJobType {
		c.Router.DefaultByJobType[jobType] = queue
	}
	return nil
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host
}
