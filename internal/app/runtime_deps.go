package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/observability"
	"github.com/odyssey-erp/backoffice/internal/platform/cache"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Deps holds the long-lived clients shared by the API, the worker and the CLI.
type Deps struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Metrics     *observability.Metrics
	Documents   *documents.Service
	Idempotency *shared.IdempotencyStore
}

// Connect opens Postgres and Redis and builds the documents service. Redis is
// optional: without it totals are recomputed on every read.
func Connect(ctx context.Context, cfg *Config, logger *slog.Logger) (*Deps, error) {
	docsCfg, err := cfg.DocumentsConfig()
	if err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	deps := &Deps{Pool: pool, Metrics: observability.NewMetrics()}

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Warn("redis unavailable, totals cache disabled", slog.Any("error", err))
	} else {
		deps.Redis = redisClient
	}

	deps.Idempotency = shared.NewIdempotencyStore(pool)
	approvals := shared.NewApprovalRecorder(pool, logger)
	opts := []documents.Option{
		documents.WithLogger(logger),
		documents.WithAudit(shared.NewAuditLogger(pool)),
		documents.WithIdempotency(deps.Idempotency),
		documents.WithMetrics(observability.NewEngineMetrics(deps.Metrics.Registerer())),
		documents.WithLoadTimeout(cfg.TotalsLoadTTL),
	}
	if deps.Redis != nil {
		opts = append(opts, documents.WithCache(documents.NewTotalsCache(deps.Redis, cfg.TotalsCacheTTL)))
	}
	deps.Documents = documents.NewService(documents.NewRepository(pool, approvals), docsCfg, opts...)
	return deps, nil
}

// Close releases the pool and the Redis client.
func (d *Deps) Close(logger *slog.Logger) {
	if d == nil {
		return
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// AsynqRedis returns the asynq connection options for the configured Redis.
func (c *Config) AsynqRedis() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

func (c *Config) String() string {
	return fmt.Sprintf("env=%s addr=%s currency=%s strict=%t discount=%s over_delivery=%s",
		c.AppEnv, c.AppAddr, c.DefaultCurrency, c.ReconcileStrict, c.DiscountPolicy, c.OverDeliveryPolicy)
}
