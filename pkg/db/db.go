// pkg/db/db.go
package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatgate/pkg/apps"
	"chatgate/pkg/config"
	"chatgate/pkg/store"
)

const connectTimeout = 10 * time.Second

func MustConnect(cfg config.Config, log *zap.SugaredLogger) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("pg connect", "err", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalw("pg ping", "err", err)
	}
	log.Infow("postgres ready", "host", redactDSN(cfg.DatabaseURL))
	return pool
}

func MustRedis(cfg config.Config, log *zap.SugaredLogger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalw("redis parse", "err", err)
	}
	cli := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		log.Fatalw("redis ping", "err", err)
	}
	log.Infow("redis ready", "addr", opts.Addr)
	return cli
}

// MustStore opens the credential store on pool, or the in-memory store when
// pool is nil. Every call is bounded by STORE_TIMEOUT_SEC.
func MustStore(cfg config.Config, pool *pgxpool.Pool, log *zap.SugaredLogger) store.Store {
	if pool == nil {
		log.Warnw("credential store is in-memory; state is lost on restart")
		return store.Bounded(store.NewMemory(), cfg.StoreTimeout)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := store.EnsureSchema(ctx, pool); err != nil {
		log.Fatalw("ensure schema", "err", err)
	}
	return store.Bounded(store.NewPostgres(pool, log), cfg.StoreTimeout)
}

// MustApps opens the app registry and loads APP_SEED_JSON into it.
func MustApps(cfg config.Config, pool *pgxpool.Pool, log *zap.SugaredLogger) apps.Provider {
	seed, err := apps.ParseSeed(cfg.AppSeedJSON)
	if err != nil {
		log.Fatalw("app seed", "err", err)
	}
	if pool == nil {
		return apps.NewMemoryProvider(log, seed)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := apps.EnsureSchema(ctx, pool); err != nil {
		log.Fatalw("apps schema", "err", err)
	}
	if err := apps.Seed(ctx, pool, seed); err != nil {
		log.Warnw("app seed", "err", err)
	}
	return apps.NewPostgresProvider(pool, log)
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i > 0 {
		return "***@" + dsn[i+1:]
	}
	return dsn
}
