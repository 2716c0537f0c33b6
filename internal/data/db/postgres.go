package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/terralith/geoetl-backend/internal/platform/envutil"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

type PoolConfig struct {
	MinConns        int
	MaxConns        int
	ConnMaxLifetime time.Duration
}

// PostgresService owns the gorm pool. Long-running workers refresh
// credentials mid-process; Rebuild opens a fresh pool with the current
// environment and swaps it in, deferring close of the old pool so
// in-flight borrows finish on the connection they started with.
type PostgresService struct {
	mu   sync.RWMutex
	db   *gorm.DB
	pool PoolConfig
	log  *logger.Logger

	drainGrace time.Duration
}

func NewPostgresService(logg *logger.Logger, pool PoolConfig) (*PostgresService, error) {
	s := &PostgresService{
		pool:       pool,
		log:        logg.With("service", "PostgresService"),
		drainGrace: envutil.Duration("POSTGRES_DRAIN_GRACE", 30*time.Second),
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *PostgresService) open() (*gorm.DB, error) {
	postgresHost := envutil.String("POSTGRES_HOST", "localhost")
	postgresPort := envutil.String("POSTGRES_PORT", "5432")
	postgresUser := envutil.String("POSTGRES_USER", "postgres")
	postgresPassword := envutil.String("POSTGRES_PASSWORD", "")
	postgresName := envutil.String("POSTGRES_NAME", "geoetl")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser,
		postgresPassword,
		postgresHost,
		postgresPort,
		postgresName,
	)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if s.pool.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(s.pool.MaxConns)
	}
	if s.pool.MinConns > 0 {
		sqlDB.SetMaxIdleConns(s.pool.MinConns)
	}
	if s.pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(s.pool.ConnMaxLifetime)
	}

	return db, nil
}

func (s *PostgresService) DB() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *PostgresService) Ping(ctx context.Context) error {
	sqlDB, err := s.DB().DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Rebuild opens a pool with current credentials and swaps it in. The old
// pool is closed only after the drain grace elapses, so borrows taken
// before the swap are never severed mid-transaction.
func (s *PostgresService) Rebuild(ctx context.Context) error {
	fresh, err := s.open()
	if err != nil {
		return fmt.Errorf("pool rebuild: %w", err)
	}

	s.mu.Lock()
	old := s.db
	s.db = fresh
	s.mu.Unlock()
	s.log.Info("Postgres pool rebuilt, draining previous pool", "drain_grace", s.drainGrace)

	go func() {
		select {
		case <-time.After(s.drainGrace):
		case <-ctx.Done():
		}
		if sqlDB, err := old.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	return nil
}

func (s *PostgresService) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
