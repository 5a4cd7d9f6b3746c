package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"fulfillment/cmd/server/config"
	"fulfillment/internal/adapters/admin"
	ordersdb "fulfillment/internal/db/orders"
	"fulfillment/internal/delivery"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/inventory"
	"fulfillment/internal/orders"
	"fulfillment/internal/saga"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// backends are the persistence-facing collaborators. Postgres backs them when
// DATABASE_URL is set, memory otherwise; Redis, when set, takes idempotency and
// mirrors dead letters.
type backends struct {
	sagas       saga.Store
	orders      orders.Repository
	events      orders.EventLog
	inventory   inventory.Store
	idempotency idempotency.Store
	payments    orders.PaymentClient
	shipping    orders.ShippingClient
	deadLetters delivery.DeadLetterSink
	purge       func(ctx context.Context) (int64, error)
	checks      map[string]admin.HealthCheck
	closers     []func() error
}

func (b *backends) Close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}
}

func buildBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{checks: make(map[string]admin.HealthCheck)}

	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
		b.useMemory(cfg)
	} else if err := b.usePostgres(ctx, cfg); err != nil {
		b.Close(logger)
		return nil, err
	}

	if cfg.Redis.URL != "" {
		if err := b.useRedis(ctx, cfg); err != nil {
			b.Close(logger)
			return nil, err
		}
	}

	return b, nil
}

func (b *backends) useMemory(cfg config.Config) {
	idem := idempotency.NewMemoryStore(cfg.Steps.IdempotencyRetention)
	b.sagas = saga.NewMemoryStore()
	b.orders = orders.NewMemoryRepository()
	b.events = orders.NewMemoryEventLog()
	b.inventory = inventory.NewMemoryStore()
	b.idempotency = idem
	b.payments = orders.NewInMemoryPaymentClient()
	b.shipping = orders.NewInMemoryShippingClient()
	b.purge = func(context.Context) (int64, error) { return int64(idem.Purge()), nil }
}

func (b *backends) usePostgres(ctx context.Context, cfg config.Config) error {
	db, err := openDB("pgx", cfg.Database.URL)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, db.Close)
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	b.checks["postgres"] = db.PingContext

	sagas, err := ordersdb.NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	orderStore, err := ordersdb.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	inv, err := ordersdb.NewInventoryStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	idem, err := ordersdb.NewIdempotencyStoreWithSchema(ctx, db, cfg.Steps.IdempotencyRetention)
	if err != nil {
		return err
	}
	payments, err := ordersdb.NewPostgresPaymentClientWithSchema(ctx, db)
	if err != nil {
		return err
	}
	payments.Limit = cfg.Database.PaymentLimit
	shipping, err := ordersdb.NewPostgresShippingClientWithSchema(ctx, db, cfg.Database.Carrier)
	if err != nil {
		return err
	}

	b.sagas = sagas
	b.orders = orderStore
	b.events = orderStore
	b.inventory = inv
	b.idempotency = idem
	b.payments = payments
	b.shipping = shipping
	b.purge = idem.Purge
	return nil
}

func (b *backends) useRedis(ctx context.Context, cfg config.Config) error {
	client, err := newRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, client.Close)
	b.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

	// Keys expire with the retention window; nothing to purge.
	b.idempotency = idempotency.NewRedisStore(client, cfg.Redis.IdempotencyPrefix, cfg.Steps.IdempotencyRetention)
	b.purge = func(context.Context) (int64, error) { return 0, nil }
	b.deadLetters = delivery.NewRedisDeadLetterSink(redisClientAdapter{client: client}, cfg.Redis.DeadLetterStream, cfg.Delivery.DeadLetterRetention, cfg.Redis.StreamMaxLen)
	return nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() delivery.RedisPipeliner {
	return redisPipelineAdapter{pipe: a.client.Pipeline()}
}

type redisPipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p redisPipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p redisPipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p redisPipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p redisPipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
