package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mason/internal/errors"
	"mason/internal/logging"
)

// Config controls durable store establishment.
type Config struct {
	DatabaseURL     string
	Table           string
	ConnectTimeout  time.Duration // hard cap on the whole establishment procedure
	ConnectAttempts int           // bounded retry count, exponential backoff between tries
	PoolMaxConns    int
	PoolMinConns    int
	Required        bool // refuse to degrade to the volatile store
}

// Open establishes the checkpoint store. When a database URL is configured
// it dials Postgres with bounded exponential-backoff retries under a hard
// timeout, validates the connection with a ping, and initializes the schema.
// If the backend cannot be reached in time, the run degrades to a volatile
// in-process store, logged as a warning rather than an error, unless
// Required is set.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (Store, error) {
	logger = logging.OrNop(logger)

	if cfg.DatabaseURL == "" {
		if cfg.Required {
			return nil, fmt.Errorf("checkpoint store is required but no database URL is configured")
		}
		logger.Info("No checkpoint database configured, using in-memory store")
		return NewMemoryStore(), nil
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 3
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retryCfg := errors.RetryConfig{
		MaxAttempts:  attempts - 1,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     timeout / 2,
		JitterFactor: 0.25,
	}

	store, err := errors.RetryWithResultAndLog(dialCtx, retryCfg, func(ctx context.Context) (*PostgresStore, error) {
		return dial(ctx, cfg)
	}, logger)
	if err != nil {
		infraErr := errors.NewInfrastructureError("checkpoint store", err)
		if cfg.Required {
			return nil, infraErr
		}
		logger.Warn("Checkpoint store degraded to in-memory: %v", infraErr)
		return NewMemoryStore(), nil
	}

	logger.Info("Checkpoint persistence backed by Postgres")
	return store, nil
}

func dial(ctx context.Context, cfg Config) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		// A malformed URL never heals; surface it as permanent.
		return nil, errors.NewConfigurationError(err, fmt.Sprintf("parse checkpoint DB config: %v", err))
	}
	if cfg.PoolMaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.PoolMaxConns)
	}
	if cfg.PoolMinConns > 0 {
		poolConfig.MinConns = int32(cfg.PoolMinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.NewInfrastructureError("checkpoint db pool", err)
	}

	// Stale or refused connections are discarded and redialed by the retry
	// loop around dial.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.NewInfrastructureError("checkpoint db ping", err)
	}

	store, err := NewPostgresStore(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, errors.NewInfrastructureError("checkpoint schema init", err)
	}
	return store, nil
}
