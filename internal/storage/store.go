package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"citypulse/internal/config"
)

// NewPool creates a pgx connection pool from configuration.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Open builds the configured backend and scopes it under the configured namespace.
func Open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*Namespaced, error) {
	var kv KV
	switch cfg.Driver {
	case config.DriverMemory, "":
		kv = NewMemoryStore()
	case config.DriverBadger:
		store, err := OpenBadger(BadgerOptions{
			Path:       cfg.Badger.Path,
			InMemory:   cfg.Badger.InMemory,
			SyncWrites: cfg.Badger.SyncWrites,
		}, logger)
		if err != nil {
			return nil, err
		}
		kv = store
	case config.DriverRedis:
		store := NewRedisStore(RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		kv = store
	case config.DriverPostgres:
		pool, err := NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store := NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		kv = store
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	logger.Info().Str("component", "storage").
		Str("driver", cfg.Driver).
		Str("namespace", cfg.Namespace).
		Msg("storage opened")
	return WithNamespace(kv, cfg.Namespace), nil
}
