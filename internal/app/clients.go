package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/platform/envutil"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

// wireBroker builds the message broker for the configured backend. The
// db accessor indirection matters: the Postgres queue must see pool
// rebuilds, so it resolves the handle per call instead of capturing it.
func wireBroker(log *logger.Logger, cfg Config, dbFn func() *gorm.DB, rdb *goredis.Client) (broker.Broker, error) {
	switch cfg.QueueBackend {
	case BackendPostgres:
		return broker.NewDBQueue(dbFn, log, cfg.Queues, cfg.QueueDefaults), nil

	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis backend selected but no redis client")
		}
		return broker.NewRedisStreams(rdb, log, cfg.WorkerID, cfg.Queues, cfg.QueueDefaults), nil

	case BackendMemory:
		return broker.NewMemory(log, cfg.Queues, cfg.QueueDefaults), nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func newRedisClient() (*goredis.Client, error) {
	addr := strings.TrimSpace(envutil.String("REDIS_ADDR", ""))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    envutil.String("REDIS_PASSWORD", ""),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
